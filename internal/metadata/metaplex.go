package metadata

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"solana-feed-gateway/internal/domain"
)

// MetaplexProgramID is the Metaplex Token Metadata program.
const MetaplexProgramID = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"

// metadataV1Key is the account discriminator of a Metaplex Metadata account.
const metadataV1Key = 4

var (
	// ErrInvalidAddress is returned for a mint that is not a base58 32-byte key.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMalformedAccount is returned when metadata account data cannot be parsed.
	ErrMalformedAccount = errors.New("malformed metadata account")
)

// MetadataPDA derives the Metaplex metadata account for mint.
// Seeds: ["metadata", metaplex_program_id, mint]
func MetadataPDA(mint string) (string, error) {
	mintBytes, err := base58.Decode(mint)
	if err != nil || len(mintBytes) != 32 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, mint)
	}
	programBytes, err := base58.Decode(MetaplexProgramID)
	if err != nil {
		return "", fmt.Errorf("decode program id: %w", err)
	}

	seeds := [][]byte{
		[]byte("metadata"),
		programBytes,
		mintBytes,
	}
	return findProgramAddress(seeds, programBytes)
}

// findProgramAddress searches bumps from 255 down for the first off-curve hash.
func findProgramAddress(seeds [][]byte, programID []byte) (string, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(programID)
		h.Write([]byte("ProgramDerivedAddress"))
		sum := h.Sum(nil)

		if !isOnCurve(sum) {
			return base58.Encode(sum), nil
		}
	}
	return "", errors.New("no viable bump seed")
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// ParseMetadataAccount parses base64 Metaplex Metadata account data.
// Layout:
// - key: u8 (1 byte, 4 for MetadataV1)
// - updateAuthority: Pubkey (32 bytes)
// - mint: Pubkey (32 bytes)
// - name: String (4 + length bytes)
// - symbol: String (4 + length bytes)
// - uri: String (4 + length bytes)
// ...and more fields we don't read
func ParseMetadataAccount(data string) (*domain.OnChainMetadata, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrMalformedAccount, err)
	}
	if len(decoded) < 65 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAccount, len(decoded))
	}
	if decoded[0] != metadataV1Key {
		return nil, fmt.Errorf("%w: key %d", ErrMalformedAccount, decoded[0])
	}

	md := &domain.OnChainMetadata{
		UpdateAuthority: base58.Encode(decoded[1:33]),
		Mint:            base58.Encode(decoded[33:65]),
	}

	r := borshReader{buf: decoded, off: 65}
	if md.Name, err = r.string(200); err != nil {
		return nil, fmt.Errorf("%w: name: %v", ErrMalformedAccount, err)
	}
	if md.Symbol, err = r.string(50); err != nil {
		return nil, fmt.Errorf("%w: symbol: %v", ErrMalformedAccount, err)
	}
	if md.URI, err = r.string(400); err != nil {
		return nil, fmt.Errorf("%w: uri: %v", ErrMalformedAccount, err)
	}
	return md, nil
}

type borshReader struct {
	buf []byte
	off int
}

// string reads a u32-length-prefixed string, trimming the null padding Metaplex uses.
func (r *borshReader) string(maxLen uint32) (string, error) {
	if r.off+4 > len(r.buf) {
		return "", errors.New("truncated length")
	}
	n := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	if n > maxLen || r.off+int(n) > len(r.buf) {
		return "", fmt.Errorf("bad length %d", n)
	}
	s := strings.TrimRight(string(r.buf[r.off:r.off+int(n)]), "\x00")
	r.off += int(n)
	return strings.TrimSpace(s), nil
}
