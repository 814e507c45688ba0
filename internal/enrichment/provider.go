// Package enrichment provides clients for external reputation services.
// Each client normalizes its provider's wire format into a Result; the
// pipelines never see provider JSON directly.
package enrichment

import (
	"context"
	"errors"
	"time"

	"github.com/pentoshi007/vortex/internal/ioc"
	"github.com/pentoshi007/vortex/internal/quota"
)

// ErrRateLimited signals a provider-side HTTP 429, independent of the
// local quota tracker. Callers should stop using the provider for the
// remainder of the run; the local counters are not touched.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// Result is the normalized outcome of one provider lookup. Exactly one of
// the payload fields is set, matching the provider that produced it.
type Result struct {
	Provider  quota.Provider
	VT        *ioc.VTResult
	AbuseIPDB *ioc.AbuseIPDBResult
}

// Client is the interface over external reputation services.
//
// Lookup returns (nil, nil) when the provider has no data for the value.
// Network errors, timeouts and malformed responses are downgraded to that
// same "no data" outcome inside the client; the only error surfaced to
// callers is ErrRateLimited. Clients never retry: retry policy belongs to
// the caller's next scheduled run.
type Client interface {
	Name() quota.Provider
	Supports(t ioc.Type) bool
	Lookup(ctx context.Context, t ioc.Type, value string) (*Result, error)
}

// ProviderConfig holds settings common to every provider client.
type ProviderConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}
