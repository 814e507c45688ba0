package enrichment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/ioc"
	"github.com/pentoshi007/vortex/internal/quota"
)

const abuseTestBody = `{
	"data": {
		"ipAddress": "118.25.6.39",
		"abuseConfidenceScore": 100,
		"totalReports": 760,
		"lastReportedAt": "2026-03-14T16:00:04+00:00",
		"countryCode": "CN",
		"isp": "Tencent Cloud Computing"
	}
}`

func newAbuseTestClient(t *testing.T, handler http.HandlerFunc) *AbuseIPDBClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	t.Setenv("TEST_ABUSE_KEY", "test-api-key")
	client, err := NewAbuseIPDBClient(ProviderConfig{
		APIKeyEnv: "TEST_ABUSE_KEY",
		BaseURL:   server.URL,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAbuseIPDBClient failed: %v", err)
	}
	return client
}

// TestNewAbuseIPDBClient_MissingAPIKey verifies fail-fast without a key.
func TestNewAbuseIPDBClient_MissingAPIKey(t *testing.T) {
	os.Unsetenv("TEST_ABUSE_MISSING")
	_, err := NewAbuseIPDBClient(ProviderConfig{APIKeyEnv: "TEST_ABUSE_MISSING"}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error without an API key")
	}
}

// TestAbuseIPDBClient_SupportsOnlyIPs verifies the type gate.
func TestAbuseIPDBClient_SupportsOnlyIPs(t *testing.T) {
	client := newAbuseTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if !client.Supports(ioc.TypeIP) {
		t.Error("AbuseIPDB should support IPs")
	}
	for _, typ := range []ioc.Type{ioc.TypeDomain, ioc.TypeURL, ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256} {
		if client.Supports(typ) {
			t.Errorf("AbuseIPDB should not support %s", typ)
		}
	}
}

// TestAbuseIPDBClient_Lookup verifies query parameters, auth header and
// payload normalization.
func TestAbuseIPDBClient_Lookup(t *testing.T) {
	var gotIP, gotMaxAge, gotKey string
	client := newAbuseTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotIP = r.URL.Query().Get("ipAddress")
		gotMaxAge = r.URL.Query().Get("maxAgeInDays")
		gotKey = r.Header.Get("Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(abuseTestBody))
	})

	result, err := client.Lookup(context.Background(), ioc.TypeIP, "118.25.6.39")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if gotIP != "118.25.6.39" {
		t.Errorf("unexpected ipAddress param %q", gotIP)
	}
	if gotMaxAge != "90" {
		t.Errorf("expected maxAgeInDays=90, got %q", gotMaxAge)
	}
	if gotKey != "test-api-key" {
		t.Errorf("unexpected Key header %q", gotKey)
	}

	if result == nil || result.AbuseIPDB == nil {
		t.Fatal("expected an AbuseIPDB result")
	}
	if result.Provider != quota.ProviderAbuseIPDB {
		t.Errorf("unexpected provider %q", result.Provider)
	}
	if result.AbuseIPDB.AbuseConfidence != 100 {
		t.Errorf("expected confidence 100, got %d", result.AbuseIPDB.AbuseConfidence)
	}
	if result.AbuseIPDB.TotalReports != 760 {
		t.Errorf("expected 760 reports, got %d", result.AbuseIPDB.TotalReports)
	}
	if result.AbuseIPDB.CheckedAt.IsZero() {
		t.Error("checked-at should be stamped")
	}
}

// TestAbuseIPDBClient_LookupNonIP verifies a non-IP is refused without a
// request.
func TestAbuseIPDBClient_LookupNonIP(t *testing.T) {
	called := false
	client := newAbuseTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	result, err := client.Lookup(context.Background(), ioc.TypeDomain, "evil.example")
	if err != nil || result != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", result, err)
	}
	if called {
		t.Error("no HTTP request should be made for unsupported types")
	}
}

// TestAbuseIPDBClient_LookupRateLimited verifies 429 maps to the
// sentinel error.
func TestAbuseIPDBClient_LookupRateLimited(t *testing.T) {
	client := newAbuseTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Lookup(context.Background(), ioc.TypeIP, "1.2.3.4")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

// TestAbuseIPDBClient_LookupNoData verifies error statuses and malformed
// bodies map to (nil, nil).
func TestAbuseIPDBClient_LookupNoData(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>nope</html>"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newAbuseTestClient(t, tc.handler)
			result, err := client.Lookup(context.Background(), ioc.TypeIP, "1.2.3.4")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if result != nil {
				t.Errorf("expected no data, got %+v", result)
			}
		})
	}
}
