package enrichment

import (
	"context"
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

const (
	abuseIPDBDefaultBaseURL = "https://api.abuseipdb.com/api/v2"

	// abuseIPDBMaxAgeDays bounds how far back reports are considered.
	abuseIPDBMaxAgeDays = 90
)

// AbuseIPDBClient looks up IP addresses against the AbuseIPDB v2 API.
// AbuseIPDB only covers IPs; Supports rejects every other type.
type AbuseIPDBClient struct {
	config     ProviderConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// DefaultAbuseIPDBConfig returns sensible defaults for the free tier.
func DefaultAbuseIPDBConfig() ProviderConfig {
	return ProviderConfig{
		APIKeyEnv: "ABUSEIPDB_API_KEY",
		BaseURL:   abuseIPDBDefaultBaseURL,
		Timeout:   15 * time.Second,
	}
}

// NewAbuseIPDBClient creates an AbuseIPDB client. The API key is read from
// the env var named in the config.
func NewAbuseIPDBClient(config ProviderConfig, logger *zap.Logger) (*AbuseIPDBClient, error) {
	if os.Getenv(config.APIKeyEnv) == "" {
		return nil, fmt.Errorf("AbuseIPDB API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = abuseIPDBDefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &AbuseIPDBClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// Name returns the provider identifier.
func (c *AbuseIPDBClient) Name() quota.Provider {
	return quota.ProviderAbuseIPDB
}

// Supports reports whether AbuseIPDB can look up this indicator type.
func (c *AbuseIPDBClient) Supports(t ioc.Type) bool {
	return t == ioc.TypeIP
}

// Lookup fetches the abuse confidence score for an IP.
func (c *AbuseIPDBClient) Lookup(ctx context.Context, t ioc.Type, value string) (*Result, error) {
	if t != ioc.TypeIP {
		return nil, nil
	}

	q := url.Values{}
	q.Set("ipAddress", value)
	q.Set("maxAgeInDays", fmt.Sprintf("%d", abuseIPDBMaxAgeDays))

	endpoint := strings.TrimSuffix(c.config.BaseURL, "/") + "/check?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Key", os.Getenv(c.config.APIKeyEnv))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("AbuseIPDB lookup failed", zap.String("value", value), zap.Error(err))
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
		c.logger.Debug("AbuseIPDB returned unexpected status",
			zap.String("value", value), zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var body abuseIPDBCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Debug("AbuseIPDB response malformed", zap.String("value", value), zap.Error(err))
		return nil, nil
	}

	return &Result{
		Provider: quota.ProviderAbuseIPDB,
		AbuseIPDB: &ioc.AbuseIPDBResult{
			AbuseConfidence: body.Data.AbuseConfidenceScore,
			TotalReports:    body.Data.TotalReports,
			LastReported:    body.Data.LastReportedAt,
			CheckedAt:       time.Now().UTC(),
		},
	}, nil
}

type abuseIPDBCheckResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		TotalReports         int    `json:"totalReports"`
		LastReportedAt       string `json:"lastReportedAt"`
		CountryCode          string `json:"countryCode"`
		ISP                  string `json:"isp"`
	} `json:"data"`
}
