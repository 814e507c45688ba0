package ioc

import (
	"reflect"
	"testing"
	"time"
)

// TestDetectType classifies representative raw values.
func TestDetectType(t *testing.T) {
	cases := []struct {
		value string
		want  Type
	}{
		{"192.168.1.1", TypeIP},
		{"8.8.8.8", TypeIP},
		{"255.255.255.255", TypeIP},
		// An out-of-range octet is not an IP; numeric labels are still a
		// syntactically valid domain.
		{"256.1.1.1", TypeDomain},
		{"d41d8cd98f00b204e9800998ecf8427e", TypeMD5},
		{"da39a3ee5e6b4b0d3255bfef95601890afd80709", TypeSHA1},
		{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", TypeSHA256},
		{"deadbeef", ""},
		{"http://evil.example/payload", TypeURL},
		{"https://evil.example/", TypeURL},
		{"ftp://drop.example/x", TypeURL},
		{"evil.example", TypeDomain},
		{"sub.domain.example.com", TypeDomain},
		{"localhost", ""},
		{"", ""},
		{"   8.8.8.8   ", TypeIP},
	}
	for _, tc := range cases {
		if got := DetectType(tc.value); got != tc.want {
			t.Errorf("DetectType(%q): expected %q, got %q", tc.value, tc.want, got)
		}
	}
}

// TestNormalize verifies trimming, type detection and case folding.
func TestNormalize(t *testing.T) {
	cases := []struct {
		name      string
		rawType   string
		rawValue  string
		wantType  Type
		wantValue string
		wantErr   bool
	}{
		{"explicit type", "ip", "8.8.8.8", TypeIP, "8.8.8.8", false},
		{"detected hash lowercased", "", "D41D8CD98F00B204E9800998ECF8427E", TypeMD5, "d41d8cd98f00b204e9800998ecf8427e", false},
		{"domain lowercased", "", "Evil.Example.COM", TypeDomain, "evil.example.com", false},
		{"url keeps case", "", "http://Evil.example/Payload", TypeURL, "http://Evil.example/Payload", false},
		{"whitespace trimmed", "", "  8.8.8.8  ", TypeIP, "8.8.8.8", false},
		{"uppercase type accepted", "MD5", "ABCDEF0123456789ABCDEF0123456789", TypeMD5, "abcdef0123456789abcdef0123456789", false},
		{"empty value", "", "   ", "", "", true},
		{"undetectable", "", "not a real indicator!!", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotType, gotValue, err := Normalize(tc.rawType, tc.rawValue)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotType != tc.wantType || gotValue != tc.wantValue {
				t.Errorf("expected (%q, %q), got (%q, %q)", tc.wantType, tc.wantValue, gotType, gotValue)
			}
		})
	}
}

// TestKey verifies the canonical key format.
func TestKey(t *testing.T) {
	if got := Key(TypeIP, "8.8.8.8"); got != "ip:8.8.8.8" {
		t.Errorf("expected ip:8.8.8.8, got %q", got)
	}
	ind := &Indicator{Type: TypeURL, Value: "http://x.example/"}
	if got := ind.Key(); got != "url:http://x.example/" {
		t.Errorf("expected url:http://x.example/, got %q", got)
	}
}

// TestTouchSource verifies append-or-bump semantics: a known source only
// refreshes LastSeen, an unknown source is appended.
func TestTouchSource(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)

	ind := &Indicator{}
	if added := ind.TouchSource("urlhaus", "https://urlhaus.abuse.ch/url/1/", first); !added {
		t.Error("first touch should report a new source")
	}
	if added := ind.TouchSource("urlhaus", "different-ref", later); added {
		t.Error("second touch of the same source should not add an entry")
	}

	if len(ind.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(ind.Sources))
	}
	s := ind.Sources[0]
	if !s.FirstSeen.Equal(first) {
		t.Errorf("FirstSeen should be preserved, got %v", s.FirstSeen)
	}
	if !s.LastSeen.Equal(later) {
		t.Errorf("LastSeen should be bumped, got %v", s.LastSeen)
	}
	if s.Ref != "https://urlhaus.abuse.ch/url/1/" {
		t.Errorf("original ref should be preserved, got %q", s.Ref)
	}

	if added := ind.TouchSource("lookup", "", later); !added {
		t.Error("a different source name should append")
	}
	if len(ind.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(ind.Sources))
	}
}

// TestHasSource verifies membership checks.
func TestHasSource(t *testing.T) {
	ind := &Indicator{Sources: []Source{{Name: "urlhaus"}}}
	if !ind.HasSource("urlhaus") {
		t.Error("expected urlhaus to be present")
	}
	if ind.HasSource("lookup") {
		t.Error("lookup should be absent")
	}
}

// TestAddTags verifies ordered deduplication and empty-string filtering.
func TestAddTags(t *testing.T) {
	ind := &Indicator{Tags: []string{"elf", "mozi"}}
	ind.AddTags("mozi", "32-bit", "", "  ", "elf", "botnet")

	want := []string{"elf", "mozi", "32-bit", "botnet"}
	if !reflect.DeepEqual(ind.Tags, want) {
		t.Errorf("expected %v, got %v", want, ind.Tags)
	}
}
