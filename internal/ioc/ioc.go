// Package ioc defines the deduplicated indicator model shared by the
// ingestion and enrichment pipelines. An indicator is uniquely identified
// by its (type, value) pair.
package ioc

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type classifies an indicator value.
type Type string

const (
	TypeIP     Type = "ip"
	TypeDomain Type = "domain"
	TypeURL    Type = "url"
	TypeMD5    Type = "md5"
	TypeSHA1   Type = "sha1"
	TypeSHA256 Type = "sha256"
)

// Types lists every valid indicator type.
var Types = []Type{TypeIP, TypeDomain, TypeURL, TypeMD5, TypeSHA1, TypeSHA256}

// Severity is the discretized risk tier derived from the numeric score.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Source records one contributing feed or channel. A given source name
// appears at most once per indicator; repeat observations bump LastSeen
// in place.
type Source struct {
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Ref       string    `json:"ref,omitempty"`
}

// VTResult is the normalized VirusTotal enrichment payload. A nil pointer
// on the indicator means "never enriched", not "clean".
type VTResult struct {
	Positives int       `json:"positives"`
	Total     int       `json:"total"`
	ScanDate  time.Time `json:"scan_date"`
	Permalink string    `json:"permalink,omitempty"`
}

// AbuseIPDBResult is the normalized AbuseIPDB enrichment payload.
type AbuseIPDBResult struct {
	AbuseConfidence int       `json:"abuse_confidence"`
	TotalReports    int       `json:"total_reports"`
	LastReported    string    `json:"last_reported,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Indicator is the deduplicated threat record.
type Indicator struct {
	ID        string           `json:"id"`
	Type      Type             `json:"type"`
	Value     string           `json:"value"`
	Sources   []Source         `json:"sources"`
	Score     int              `json:"score"`
	Severity  Severity         `json:"severity"`
	Tags      []string         `json:"tags,omitempty"`
	VT        *VTResult        `json:"vt,omitempty"`
	AbuseIPDB *AbuseIPDBResult `json:"abuseipdb,omitempty"`
	FirstSeen time.Time        `json:"first_seen"`
	LastSeen  time.Time        `json:"last_seen"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Key returns the canonical unique key for a (type, value) pair.
func Key(t Type, value string) string {
	return string(t) + ":" + value
}

// Key returns the indicator's canonical unique key.
func (i *Indicator) Key() string {
	return Key(i.Type, i.Value)
}

// HasSource reports whether the named source already contributed.
func (i *Indicator) HasSource(name string) bool {
	for _, s := range i.Sources {
		if s.Name == name {
			return true
		}
	}
	return false
}

// TouchSource refreshes LastSeen on an existing source entry, or appends a
// new entry when the source has not contributed before. Returns true when a
// new entry was added.
func (i *Indicator) TouchSource(name, ref string, now time.Time) bool {
	for idx := range i.Sources {
		if i.Sources[idx].Name == name {
			i.Sources[idx].LastSeen = now
			return false
		}
	}
	i.Sources = append(i.Sources, Source{
		Name:      name,
		FirstSeen: now,
		LastSeen:  now,
		Ref:       ref,
	})
	return true
}

// AddTags merges tags into the indicator, preserving insertion order and
// dropping duplicates and empty strings.
func (i *Indicator) AddTags(tags ...string) {
	seen := make(map[string]struct{}, len(i.Tags))
	for _, t := range i.Tags {
		seen[t] = struct{}{}
	}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		i.Tags = append(i.Tags, t)
	}
}

var (
	ipPattern     = regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`)
	hexPattern    = regexp.MustCompile(`^[a-fA-F0-9]+$`)
	domainPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
)

// DetectType classifies a raw value into an indicator type. Returns an
// empty Type when the value matches nothing we track.
func DetectType(value string) Type {
	value = strings.TrimSpace(value)

	if ipPattern.MatchString(value) {
		return TypeIP
	}

	if hexPattern.MatchString(value) {
		switch len(value) {
		case 32:
			return TypeMD5
		case 40:
			return TypeSHA1
		case 64:
			return TypeSHA256
		}
	}

	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") || strings.HasPrefix(value, "ftp://") {
		return TypeURL
	}

	if strings.Contains(value, ".") && domainPattern.MatchString(value) {
		return TypeDomain
	}

	return ""
}

// Normalize trims and classifies a raw submission, lower-casing values for
// the case-insensitive types. Hashes and domains compare case-insensitively;
// URLs do not.
func Normalize(rawType, rawValue string) (Type, string, error) {
	value := strings.TrimSpace(rawValue)
	if value == "" {
		return "", "", fmt.Errorf("indicator value is required")
	}

	t := Type(strings.ToLower(strings.TrimSpace(rawType)))
	if t == "" {
		t = DetectType(value)
	}

	switch t {
	case TypeIP, TypeURL:
	case TypeDomain, TypeMD5, TypeSHA1, TypeSHA256:
		value = strings.ToLower(value)
	default:
		return "", "", fmt.Errorf("could not determine indicator type for %q", rawValue)
	}

	return t, value, nil
}
