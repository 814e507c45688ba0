package enrichment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/ioc"
	"github.com/pentoshi007/vortex/internal/quota"
)

const vtDefaultBaseURL = "https://www.virustotal.com/api/v3"

// VirusTotalClient looks up indicators against the VirusTotal v3 API.
type VirusTotalClient struct {
	config     ProviderConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// DefaultVirusTotalConfig returns sensible defaults for the free tier.
func DefaultVirusTotalConfig() ProviderConfig {
	return ProviderConfig{
		APIKeyEnv: "VT_API_KEY",
		BaseURL:   vtDefaultBaseURL,
		Timeout:   15 * time.Second,
	}
}

// NewVirusTotalClient creates a VirusTotal client. The API key is read from
// the env var named in the config.
func NewVirusTotalClient(config ProviderConfig, logger *zap.Logger) (*VirusTotalClient, error) {
	if os.Getenv(config.APIKeyEnv) == "" {
		return nil, fmt.Errorf("VirusTotal API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = vtDefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &VirusTotalClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// Name returns the provider identifier.
func (c *VirusTotalClient) Name() quota.Provider {
	return quota.ProviderVirusTotal
}

// Supports reports whether VirusTotal can look up this indicator type.
// VirusTotal covers every type we track.
func (c *VirusTotalClient) Supports(t ioc.Type) bool {
	switch t {
	case ioc.TypeIP, ioc.TypeDomain, ioc.TypeURL, ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256:
		return true
	default:
		return false
	}
}

// Lookup fetches the current analysis stats for an indicator.
func (c *VirusTotalClient) Lookup(ctx context.Context, t ioc.Type, value string) (*Result, error) {
	path, ok := c.lookupPath(t, value)
	if !ok {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.config.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("x-apikey", os.Getenv(c.config.APIKeyEnv))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("VirusTotal lookup failed", zap.String("value", value), zap.Error(err))
		return nil, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusNotFound:
		return nil, nil
	default:
		c.logger.Debug("VirusTotal returned unexpected status",
			zap.String("value", value), zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var body vtObjectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Debug("VirusTotal response malformed", zap.String("value", value), zap.Error(err))
		return nil, nil
	}

	stats := body.Data.Attributes.LastAnalysisStats
	total := stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected + stats.Timeout
	return &Result{
		Provider: quota.ProviderVirusTotal,
		VT: &ioc.VTResult{
			Positives: stats.Malicious,
			Total:     total,
			ScanDate:  time.Now().UTC(),
			Permalink: vtPermalink(t, value),
		},
	}, nil
}

// lookupPath builds the v3 API path for an indicator type. URL lookups use
// the unpadded base64 of the URL as the object id.
func (c *VirusTotalClient) lookupPath(t ioc.Type, value string) (string, bool) {
	switch t {
	case ioc.TypeIP:
		return "/ip_addresses/" + url.PathEscape(value), true
	case ioc.TypeDomain:
		return "/domains/" + url.PathEscape(value), true
	case ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256:
		return "/files/" + url.PathEscape(value), true
	case ioc.TypeURL:
		id := strings.TrimRight(base64.StdEncoding.EncodeToString([]byte(value)), "=")
		return "/urls/" + id, true
	default:
		return "", false
	}
}

func vtPermalink(t ioc.Type, value string) string {
	kind := string(t)
	if t == ioc.TypeIP {
		kind = "ip-address"
	}
	return fmt.Sprintf("https://www.virustotal.com/gui/%s/%s", kind, value)
}

type vtObjectResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
				Timeout    int `json:"timeout"`
			} `json:"last_analysis_stats"`
			Reputation int `json:"reputation"`
		} `json:"attributes"`
	} `json:"data"`
}
