package watcher

import (
	"strings"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/solana"
)

// SPL token programs whose mint initialization marks a token creation.
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

var mintInitTypes = map[string]bool{
	"initializeMint":  true,
	"initializeMint2": true,
}

// Extractor derives domain events from parsed transaction detail.
type Extractor struct {
	account string
}

// NewExtractor creates an Extractor that stamps events with the watched account.
func NewExtractor(account string) *Extractor {
	return &Extractor{account: account}
}

// Extract returns the TokenCreated fact of tx, if any. Only the first mint
// initialization is reported, so a transaction yields at most one event.
// Failed transactions never qualify.
func (e *Extractor) Extract(tx *solana.Transaction) (domain.TokenCreated, bool) {
	if tx == nil || tx.Message == nil {
		return domain.TokenCreated{}, false
	}
	if tx.Meta != nil && tx.Meta.Err != nil {
		return domain.TokenCreated{}, false
	}

	mint := parsedMint(tx)
	if mint == "" {
		mint = logMint(tx)
	}
	if mint == "" {
		return domain.TokenCreated{}, false
	}

	return domain.TokenCreated{
		Account:   e.account,
		Mint:      mint,
		Wallet:    tx.Signer(),
		Signature: tx.Signature,
		Timestamp: tx.BlockTime,
	}, true
}

// instructions lists top-level instructions followed by inner instructions.
func instructions(tx *solana.Transaction) []solana.Instruction {
	all := append([]solana.Instruction(nil), tx.Message.Instructions...)
	if tx.Meta != nil {
		for _, inner := range tx.Meta.InnerInstructions {
			all = append(all, inner.Instructions...)
		}
	}
	return all
}

func isTokenProgram(inst solana.Instruction) bool {
	return inst.ProgramID == TokenProgramID || inst.ProgramID == Token2022ProgramID ||
		inst.Program == "spl-token" || inst.Program == "spl-token-2022"
}

func parsedMint(tx *solana.Transaction) string {
	for _, inst := range instructions(tx) {
		if inst.Parsed == nil || !isTokenProgram(inst) || !mintInitTypes[inst.Parsed.Type] {
			continue
		}
		if mint := inst.Parsed.InfoString("mint"); mint != "" {
			return mint
		}
	}
	return ""
}

// logMint covers nodes that return token instructions unparsed: the program
// log names the instruction and the mint is its first account.
func logMint(tx *solana.Transaction) string {
	if tx.Meta == nil || !hasMintInitLog(tx.Meta.LogMessages) {
		return ""
	}
	for _, inst := range instructions(tx) {
		if inst.Parsed == nil && isTokenProgram(inst) && len(inst.Accounts) > 0 {
			return inst.Accounts[0]
		}
	}
	return ""
}

func hasMintInitLog(logs []string) bool {
	for _, line := range logs {
		if strings.HasPrefix(line, "Program log: Instruction: InitializeMint") {
			return true
		}
	}
	return false
}
