package solana

import "context"

// RPCClient defines the Solana RPC HTTP calls the gateway uses.
type RPCClient interface {
	// GetTransaction retrieves a transaction by signature. Returns nil, nil if not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetAccountInfo retrieves account info by public key. Returns nil, nil if not found.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)
}

// Commitment levels accepted by the node.
const (
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// GetTransactionParams builds the params of a jsonParsed getTransaction request.
func GetTransactionParams(signature, commitment string) []interface{} {
	return []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}
}
