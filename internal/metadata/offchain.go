package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/solana"
)

// maxDocumentSize caps the off-chain JSON body.
const maxDocumentSize = 1 << 20

// offChainDocument is the subset of the Metaplex JSON standard the gateway reads.
// Social links live at top level or under "extensions" depending on the launcher.
type offChainDocument struct {
	Name        string         `json:"name"`
	Symbol      string         `json:"symbol"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	Twitter     string         `json:"twitter"`
	Telegram    string         `json:"telegram"`
	Website     string         `json:"website"`
	Extensions  *socialSection `json:"extensions"`
}

type socialSection struct {
	Twitter  string `json:"twitter"`
	Telegram string `json:"telegram"`
	Website  string `json:"website"`
}

// fetchOffChain GETs uri and decodes it. HTTP 429 is returned as solana.ErrRateLimited.
func fetchOffChain(ctx context.Context, client *http.Client, uri string) (*domain.OffChainMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("get %s: %w (429)", uri, solana.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}

	var doc offChainDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", uri, err)
	}

	md := &domain.OffChainMetadata{
		Name:        doc.Name,
		Symbol:      doc.Symbol,
		Description: doc.Description,
		Image:       doc.Image,
		Twitter:     doc.Twitter,
		Telegram:    doc.Telegram,
		Website:     doc.Website,
	}
	if ext := doc.Extensions; ext != nil {
		if md.Twitter == "" {
			md.Twitter = ext.Twitter
		}
		if md.Telegram == "" {
			md.Telegram = ext.Telegram
		}
		if md.Website == "" {
			md.Website = ext.Website
		}
	}
	return md, nil
}
