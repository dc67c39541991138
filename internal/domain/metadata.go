package domain

// OnChainMetadata holds the fields read from a Metaplex metadata account.
type OnChainMetadata struct {
	Mint            string `json:"mint"`
	UpdateAuthority string `json:"updateAuthority"`
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	URI             string `json:"uri"`
}

// OffChainMetadata holds the JSON document linked by OnChainMetadata.URI.
type OffChainMetadata struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Twitter     string `json:"twitter,omitempty"`
	Telegram    string `json:"telegram,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Metadata is the result of a metadata resolution.
// OffChain is nil when the linked document could not be fetched.
type Metadata struct {
	OnChain  OnChainMetadata   `json:"onChain"`
	OffChain *OffChainMetadata `json:"offChain"`
}
