package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

const sampleCSV = `################################################################
# abuse.ch URLhaus Database Dump (CSV - recent URLs only)      #
# Last updated: 2026-03-15 11:55:04 UTC                        #
#
# id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter
################################################################
"3544938","2026-03-15 11:53:04","http://117.196.120.66:39193/bin.sh","online","2026-03-15 11:53:04","malware_download","32-bit,elf,mips,Mozi","https://urlhaus.abuse.ch/url/3544938/","geenensp"
"3544937","2026-03-15 11:52:01","https://cdn.evil.example/loader.exe","offline","2026-03-15 11:52:01","malware_download","exe","https://urlhaus.abuse.ch/url/3544937/","anonymous"
"3544936","2026-03-15 11:51:30","http://malware.example/drop","online","2026-03-15 11:51:30","malware_download","None","https://urlhaus.abuse.ch/url/3544936/","tolisec"
"short","row"
"3544935","2026-03-15 11:50:12","http://botnet.example/x","online","2026-03-15 11:50:12","malware_download","","https://urlhaus.abuse.ch/url/3544935/","geenensp"
`

// TestCSVIterator_ParsesRows verifies field mapping, tag splitting, and
// that comment lines and short rows are skipped silently.
func TestCSVIterator_ParsesRows(t *testing.T) {
	it := NewCSVIterator(io.NopCloser(strings.NewReader(sampleCSV)))
	defer it.Close()

	var rows []Row
	for {
		row, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		rows = append(rows, row)
	}

	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}

	first := rows[0]
	if first.ID != "3544938" {
		t.Errorf("expected id 3544938, got %q", first.ID)
	}
	if first.URL != "http://117.196.120.66:39193/bin.sh" {
		t.Errorf("unexpected url %q", first.URL)
	}
	if !first.Online() {
		t.Error("first row should be online")
	}
	if first.Threat != "malware_download" {
		t.Errorf("unexpected threat %q", first.Threat)
	}
	wantTags := []string{"32-bit", "elf", "mips", "Mozi"}
	if !reflect.DeepEqual(first.Tags, wantTags) {
		t.Errorf("expected tags %v, got %v", wantTags, first.Tags)
	}
	if first.Reporter != "geenensp" {
		t.Errorf("unexpected reporter %q", first.Reporter)
	}

	if rows[1].Online() {
		t.Error("offline row should not report online")
	}
	if rows[2].Tags != nil {
		t.Errorf("tag value None should map to nil, got %v", rows[2].Tags)
	}
	if rows[3].Tags != nil {
		t.Errorf("empty tag field should map to nil, got %v", rows[3].Tags)
	}
}

// TestCSVIterator_EmptyFeed verifies EOF on a comment-only stream.
func TestCSVIterator_EmptyFeed(t *testing.T) {
	it := NewCSVIterator(io.NopCloser(strings.NewReader("# header only\n")))
	defer it.Close()

	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

// brokenStream serves its buffered bytes, then fails every read with a
// fixed error, like a connection dropped mid-download.
type brokenStream struct {
	data []byte
	err  error
}

func (s *brokenStream) Read(p []byte) (int, error) {
	if len(s.data) > 0 {
		n := copy(p, s.data)
		s.data = s.data[n:]
		return n, nil
	}
	return 0, s.err
}

// TestCSVIterator_StreamError verifies that a persistent stream read
// failure is surfaced to the caller instead of being skipped like a
// malformed row, which would loop forever on the dead stream.
func TestCSVIterator_StreamError(t *testing.T) {
	streamErr := errors.New("read tcp: connection reset by peer")
	row := `"1","2026-03-15 11:53:04","http://a.example/x","online","","malware_download","","","r"` + "\n"
	it := NewCSVIterator(io.NopCloser(&brokenStream{data: []byte(row), err: streamErr}))
	defer it.Close()

	if _, err := it.Next(); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	_, err := it.Next()
	if err == nil || err == io.EOF {
		t.Fatalf("expected a stream error, got %v", err)
	}
	if !errors.Is(err, streamErr) {
		t.Errorf("expected the underlying stream error, got %v", err)
	}
}

// TestURLHausSource_Open verifies a successful fetch streams rows.
func TestURLHausSource_Open(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "vortex/") {
			t.Errorf("unexpected user agent %q", ua)
		}
		io.WriteString(w, sampleCSV)
	}))
	defer server.Close()

	source := NewURLHausSource(URLHausConfig{FeedURL: server.URL})
	if source.Name() != "urlhaus" {
		t.Errorf("unexpected source name %q", source.Name())
	}

	it, err := source.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer it.Close()

	row, err := it.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if row.ID != "3544938" {
		t.Errorf("expected first row id 3544938, got %q", row.ID)
	}
}

// TestURLHausSource_OpenNon200 verifies that a non-200 response is a
// fatal open error.
func TestURLHausSource_OpenNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	source := NewURLHausSource(URLHausConfig{FeedURL: server.URL})
	if _, err := source.Open(context.Background()); err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}
