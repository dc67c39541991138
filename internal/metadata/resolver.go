// Package metadata resolves Metaplex token metadata and its off-chain JSON document.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/observability"
	"solana-feed-gateway/internal/solana"
)

// Switcher rotates the owning watcher to the next endpoint.
type Switcher interface {
	SwitchEndpoints(ctx context.Context, reason error) error
}

// ClientFunc returns the RPC client of the current endpoint.
type ClientFunc func() solana.RPCClient

// Resolver fetches on-chain metadata and best-effort off-chain JSON for a mint.
type Resolver struct {
	client     ClientFunc
	switcher   Switcher
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// Option configures Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used for off-chain documents.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.http = c
	}
}

// WithRetryPolicy sets the attempt limit and backoff bounds.
func WithRetryPolicy(maxRetries int, base, maxDelay time.Duration) Option {
	return func(r *Resolver) {
		r.maxRetries = maxRetries
		r.baseDelay = base
		r.maxDelay = maxDelay
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a Resolver. switcher may be nil, in which case rate
// limits are retried with backoff on the same endpoint.
func NewResolver(client ClientFunc, switcher Switcher, opts ...Option) *Resolver {
	r := &Resolver{
		client:     client,
		switcher:   switcher,
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: solana.DefaultMaxRetries,
		baseDelay:  solana.DefaultRetryDelay,
		maxDelay:   solana.DefaultMaxDelay,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRetries < 1 {
		r.maxRetries = 1
	}
	r.logger = r.logger.Named("metadata")
	return r
}

// Resolve returns metadata for mint, or nil, nil when the mint has no
// metadata account. An off-chain failure other than rate limiting yields a
// result with OffChain == nil.
func (r *Resolver) Resolve(ctx context.Context, mint string) (*domain.Metadata, error) {
	pda, err := MetadataPDA(mint)
	if err != nil {
		r.metrics.RecordMetadataResolution("invalid")
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		md, err := r.resolveOnce(ctx, pda)
		if err == nil {
			r.record(md)
			return md, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrMalformedAccount) {
			r.metrics.RecordMetadataResolution("malformed")
			return nil, err
		}
		lastErr = err

		if attempt == r.maxRetries {
			break
		}

		if solana.IsRateLimited(err) && r.switcher != nil {
			r.logger.Warn("rate limited, switching endpoints",
				zap.String("mint", mint), zap.Int("attempt", attempt), zap.Error(err))
			if swErr := r.switcher.SwitchEndpoints(ctx, err); swErr != nil {
				return nil, fmt.Errorf("switch endpoints: %w", swErr)
			}
			continue
		}

		delay := solana.BackoffDelay(r.baseDelay, r.maxDelay, attempt)
		r.logger.Debug("metadata fetch failed, retrying",
			zap.String("mint", mint), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	r.metrics.RecordMetadataResolution("error")
	return nil, fmt.Errorf("resolve metadata for %s: %w", mint, lastErr)
}

// resolveOnce performs one on-chain read plus the off-chain fetch.
// Returns (nil, nil) for a missing account.
func (r *Resolver) resolveOnce(ctx context.Context, pda string) (*domain.Metadata, error) {
	start := time.Now()
	info, err := r.client().GetAccountInfo(ctx, pda)
	r.metrics.RecordRPCLatency("getAccountInfo", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("get metadata account: %w", err)
	}
	if info == nil {
		return nil, nil
	}

	onChain, err := ParseMetadataAccount(info.Data)
	if err != nil {
		return nil, err
	}

	md := &domain.Metadata{OnChain: *onChain}
	if onChain.URI == "" {
		return md, nil
	}

	off, err := fetchOffChain(ctx, r.http, onChain.URI)
	if err != nil {
		if solana.IsRateLimited(err) {
			return nil, err
		}
		r.logger.Debug("off-chain metadata unavailable",
			zap.String("mint", onChain.Mint), zap.String("uri", onChain.URI), zap.Error(err))
		return md, nil
	}
	md.OffChain = off
	return md, nil
}

func (r *Resolver) record(md *domain.Metadata) {
	switch {
	case md == nil:
		r.metrics.RecordMetadataResolution("absent")
	case md.OffChain == nil:
		r.metrics.RecordMetadataResolution("partial")
	default:
		r.metrics.RecordMetadataResolution("ok")
	}
}
