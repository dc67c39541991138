package solana

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Transaction represents a confirmed Solana transaction fetched with jsonParsed encoding.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds), 0 when unknown
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction status metadata.
type TransactionMeta struct {
	Err               interface{}
	LogMessages       []string
	InnerInstructions []InnerInstructions
}

// InnerInstructions groups the CPI instructions emitted by one top-level instruction.
type InnerInstructions struct {
	Index        int
	Instructions []Instruction
}

// TransactionMessage contains the parsed transaction message.
type TransactionMessage struct {
	AccountKeys  []AccountKey
	Instructions []Instruction
}

// AccountKey is one entry of the message account list.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// UnmarshalJSON accepts both the plain string form ("json" encoding)
// and the object form ("jsonParsed" encoding).
func (k *AccountKey) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &k.Pubkey)
	}
	type plain AccountKey
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*k = AccountKey(p)
	return nil
}

// Instruction is a top-level or inner instruction. Parsed is set when the
// node understood the program (system, spl-token, ...).
type Instruction struct {
	ProgramID string
	Program   string
	Accounts  []string
	Data      string
	Parsed    *ParsedInstruction
}

// ParsedInstruction is the node-decoded form of a known instruction.
type ParsedInstruction struct {
	Type string                 `json:"type"`
	Info map[string]interface{} `json:"info"`
}

// InfoString returns info[key] when it is a string.
func (p *ParsedInstruction) InfoString(key string) string {
	if p == nil || p.Info == nil {
		return ""
	}
	s, _ := p.Info[key].(string)
	return s
}

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       string `json:"data"` // base64 encoded
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
}

// Signer returns the first signer of the message (the fee payer).
func (t *Transaction) Signer() string {
	if t == nil || t.Message == nil {
		return ""
	}
	for _, k := range t.Message.AccountKeys {
		if k.Signer {
			return k.Pubkey
		}
	}
	if len(t.Message.AccountKeys) > 0 {
		return t.Message.AccountKeys[0].Pubkey
	}
	return ""
}

// rawTransaction is the getTransaction result envelope.
type rawTransaction struct {
	Slot        int64      `json:"slot"`
	BlockTime   *int64     `json:"blockTime"`
	Meta        *rawMeta   `json:"meta"`
	Transaction *rawTxBody `json:"transaction"`
}

type rawMeta struct {
	Err               interface{}        `json:"err"`
	LogMessages       []string           `json:"logMessages"`
	InnerInstructions []rawInnerInstrSet `json:"innerInstructions"`
}

type rawInnerInstrSet struct {
	Index        int              `json:"index"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawTxBody struct {
	Signatures []string   `json:"signatures"`
	Message    rawMessage `json:"message"`
}

type rawMessage struct {
	AccountKeys  []AccountKey     `json:"accountKeys"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawInstruction struct {
	ProgramID      string          `json:"programId"`
	ProgramIDIndex *int            `json:"programIdIndex"`
	Program        string          `json:"program"`
	Accounts       json.RawMessage `json:"accounts"`
	Data           string          `json:"data"`
	Parsed         json.RawMessage `json:"parsed"`
}

// DecodeTransaction converts a raw getTransaction result into a Transaction.
// A JSON null result (transaction unknown or not yet confirmed) yields nil, nil.
func DecodeTransaction(signature string, raw json.RawMessage) (*Transaction, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var result rawTransaction
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	tx := &Transaction{
		Slot:      result.Slot,
		Signature: signature,
	}
	if result.BlockTime != nil {
		tx.BlockTime = *result.BlockTime
	}

	var keys []AccountKey
	if result.Transaction != nil {
		keys = result.Transaction.Message.AccountKeys
		if tx.Signature == "" && len(result.Transaction.Signatures) > 0 {
			tx.Signature = result.Transaction.Signatures[0]
		}
		msg := &TransactionMessage{AccountKeys: keys}
		for _, ri := range result.Transaction.Message.Instructions {
			msg.Instructions = append(msg.Instructions, ri.convert(keys))
		}
		tx.Message = msg
	}

	if result.Meta != nil {
		meta := &TransactionMeta{
			Err:         result.Meta.Err,
			LogMessages: result.Meta.LogMessages,
		}
		for _, set := range result.Meta.InnerInstructions {
			inner := InnerInstructions{Index: set.Index}
			for _, ri := range set.Instructions {
				inner.Instructions = append(inner.Instructions, ri.convert(keys))
			}
			meta.InnerInstructions = append(meta.InnerInstructions, inner)
		}
		tx.Meta = meta
	}

	return tx, nil
}

func (ri rawInstruction) convert(keys []AccountKey) Instruction {
	inst := Instruction{
		ProgramID: ri.ProgramID,
		Program:   ri.Program,
		Data:      ri.Data,
	}
	if inst.ProgramID == "" && ri.ProgramIDIndex != nil && *ri.ProgramIDIndex < len(keys) {
		inst.ProgramID = keys[*ri.ProgramIDIndex].Pubkey
	}

	// accounts are base58 strings (jsonParsed) or indexes into the key list (json)
	if len(ri.Accounts) > 0 {
		var names []string
		if err := json.Unmarshal(ri.Accounts, &names); err == nil {
			inst.Accounts = names
		} else {
			var idx []int
			if err := json.Unmarshal(ri.Accounts, &idx); err == nil {
				for _, i := range idx {
					if i >= 0 && i < len(keys) {
						inst.Accounts = append(inst.Accounts, keys[i].Pubkey)
					}
				}
			}
		}
	}

	// parsed is an object for most programs and a bare string for memo
	if parsed := bytes.TrimSpace(ri.Parsed); len(parsed) > 0 && parsed[0] == '{' {
		var p ParsedInstruction
		if err := json.Unmarshal(ri.Parsed, &p); err == nil {
			inst.Parsed = &p
		}
	}
	return inst
}
