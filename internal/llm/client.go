package llm

import (
	"context"
	"net/http"

	"github.com/danvaneijck/attache/internal/fault"
)

// Request is one vendor-neutral completion request. Model is a vendor
// model identifier; the fallback chain overrides it per chain entry.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// DefaultMaxTokens is used when a request does not set a cap.
const DefaultMaxTokens = 4096

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// Client is implemented by each vendor adapter.
type Client interface {
	// Complete sends a completion request and returns the normalized
	// result. Errors are classified via the fault package.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Vendor returns the adapter's vendor name ("anthropic", "openai",
	// "ollama").
	Vendor() string

	// Ping checks that the vendor endpoint is reachable and the
	// credentials are accepted.
	Ping(ctx context.Context) error
}

// classifyStatus maps an HTTP status from a vendor API to a fault kind.
// 4xx means the request itself is bad and a different vendor would
// reject it the same way; the exceptions are 408 and 429, which are
// load conditions worth falling back on.
func classifyStatus(status int) fault.Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return fault.KindProviderUnavailable
	case status >= 400 && status < 500:
		return fault.KindProviderRejected
	default:
		return fault.KindProviderUnavailable
	}
}
