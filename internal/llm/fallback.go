package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danvaneijck/attache/internal/fault"
)

// ChainEntry is one (client, model) pair in the ordered fallback chain.
type ChainEntry struct {
	Client Client
	Model  string
}

// Attempt records one model call made by the chain, successful or not.
type Attempt struct {
	Vendor string
	Model  string
	Err    error
}

// Chain tries each configured (vendor, model) pair in order until one
// returns a completion. Classified provider failures (unavailable or
// rejected) advance the chain; anything else, including cancellation,
// aborts immediately.
type Chain struct {
	entries []ChainEntry
	logger  *slog.Logger
}

// NewChain builds a fallback chain. Entries whose vendor has no
// credentials must be filtered out by the caller before construction.
func NewChain(entries []ChainEntry, logger *slog.Logger) (*Chain, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("fallback chain is empty: no vendor has credentials configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{entries: entries, logger: logger}, nil
}

// Entries returns the configured chain in order.
func (c *Chain) Entries() []ChainEntry { return c.entries }

// Primary returns the first entry's model identifier.
func (c *Chain) Primary() ChainEntry { return c.entries[0] }

// Complete runs the request down the chain. The request's Model field
// is overridden by each entry. The returned attempts list holds one
// record per model call in order, so callers can log and persist
// exactly what was tried.
func (c *Chain) Complete(ctx context.Context, req Request) (*Completion, []Attempt, error) {
	attempts := make([]Attempt, 0, len(c.entries))

	for _, entry := range c.entries {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		entryReq := req
		entryReq.Model = entry.Model

		comp, err := entry.Client.Complete(ctx, entryReq)
		attempts = append(attempts, Attempt{
			Vendor: entry.Client.Vendor(),
			Model:  entry.Model,
			Err:    err,
		})
		if err == nil {
			return comp, attempts, nil
		}

		if !fault.Recoverable(err) {
			c.logger.Warn("model call failed with unrecoverable error",
				"vendor", entry.Client.Vendor(),
				"model", entry.Model,
				"error", err,
			)
			return nil, attempts, err
		}

		c.logger.Warn("model unavailable, advancing fallback chain",
			"vendor", entry.Client.Vendor(),
			"model", entry.Model,
			"error", err,
		)
	}

	last := attempts[len(attempts)-1]
	return nil, attempts, fault.New(fault.KindProviderUnavailable, last.Vendor,
		fmt.Errorf("all %d fallback entries failed, last: %w", len(attempts), last.Err))
}
