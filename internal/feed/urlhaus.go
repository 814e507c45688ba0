// Package feed provides streaming row sources for external threat feeds.
// The only concrete source is the URLHaus recent-URLs CSV dump.
package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Row is one record from a tabular threat feed.
type Row struct {
	ID        string
	DateAdded string
	URL       string
	Status    string
	Threat    string
	Tags      []string
	Reporter  string
}

// Online reports whether the feed still considers the URL active.
func (r Row) Online() bool {
	return r.Status == "online"
}

// Iterator streams feed rows. Next returns io.EOF when the feed is
// exhausted; a malformed row is skipped by the iterator, never surfaced.
type Iterator interface {
	Next() (Row, error)
	Close() error
}

// Source opens a streaming read over a feed.
type Source interface {
	Name() string
	Open(ctx context.Context) (Iterator, error)
}

const urlhausDefaultFeedURL = "https://urlhaus.abuse.ch/downloads/csv_recent/"

// URLHaus CSV layout: id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter
const (
	urlhausColID       = 0
	urlhausColAdded    = 1
	urlhausColURL      = 2
	urlhausColStatus   = 3
	urlhausColThreat   = 5
	urlhausColTags     = 6
	urlhausColReporter = 8
	urlhausNumCols     = 9
)

// URLHausConfig holds URLHaus feed settings.
type URLHausConfig struct {
	FeedURL        string        `yaml:"feed_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultURLHausConfig returns sensible defaults.
func DefaultURLHausConfig() URLHausConfig {
	return URLHausConfig{
		FeedURL:        urlhausDefaultFeedURL,
		ConnectTimeout: 30 * time.Second,
	}
}

// URLHausSource streams the URLHaus recent CSV feed over HTTP.
type URLHausSource struct {
	config     URLHausConfig
	httpClient *http.Client
}

// NewURLHausSource creates a URLHaus feed source.
func NewURLHausSource(config URLHausConfig) *URLHausSource {
	if config.FeedURL == "" {
		config.FeedURL = urlhausDefaultFeedURL
	}
	// The timeout covers connection and response headers only; the body
	// is streamed for the lifetime of the run, bounded by the request
	// context.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = config.ConnectTimeout
	return &URLHausSource{
		config:     config,
		httpClient: &http.Client{Transport: transport},
	}
}

// Name returns the feed identifier used in indicator sources and tags.
func (s *URLHausSource) Name() string {
	return "urlhaus"
}

// Open issues the feed request and returns a streaming iterator over its
// rows. A non-200 response is a fatal (pipeline-level) error.
func (s *URLHausSource) Open(ctx context.Context) (Iterator, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating feed request: %w", err)
	}
	req.Header.Set("User-Agent", "vortex/1.0")

	resp, err := s.httpClient.Do(req) //nolint:bodyclose // closed by the iterator
	if err != nil {
		return nil, fmt.Errorf("fetching URLHaus feed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("URLHaus feed returned status %d", resp.StatusCode)
	}

	return NewCSVIterator(resp.Body), nil
}

// CSVIterator reads URLHaus-format CSV rows from a stream.
type CSVIterator struct {
	reader *csv.Reader
	closer io.Closer
}

// NewCSVIterator wraps a raw CSV stream. Comment lines starting with '#'
// (the URLHaus header block) are skipped by the reader.
func NewCSVIterator(rc io.ReadCloser) *CSVIterator {
	reader := csv.NewReader(rc)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return &CSVIterator{reader: reader, closer: rc}
}

// Next returns the next structurally valid row, skipping malformed lines.
// Returns io.EOF when the stream ends; a stream read failure (dropped
// connection) is surfaced so the caller can abort the run.
func (it *CSVIterator) Next() (Row, error) {
	for {
		record, err := it.reader.Read()
		if err == io.EOF {
			return Row{}, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// Parse errors are row-local; keep consuming the stream.
			continue
		}
		if err != nil {
			return Row{}, fmt.Errorf("reading feed stream: %w", err)
		}
		if len(record) < urlhausNumCols {
			continue
		}
		return Row{
			ID:        record[urlhausColID],
			DateAdded: record[urlhausColAdded],
			URL:       strings.TrimSpace(record[urlhausColURL]),
			Status:    record[urlhausColStatus],
			Threat:    record[urlhausColThreat],
			Tags:      splitTags(record[urlhausColTags]),
			Reporter:  record[urlhausColReporter],
		}, nil
	}
}

// Close releases the underlying stream.
func (it *CSVIterator) Close() error {
	return it.closer.Close()
}

func splitTags(raw string) []string {
	if raw == "" || raw == "None" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
