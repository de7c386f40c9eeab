package devproxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNoopInspector_DoesNothing(t *testing.T) {
	var insp NoopInspector
	u, _ := url.Parse("http://example.com/a")
	insp.onRequest(1, &http.Request{URL: u}, "")
	insp.onRespond(1, &Response{})
	insp.onRequestEnd(1, nil)
	insp.onResponseEnd(1, nil)
}

func newTestFileInspector(t *testing.T) *FileInspector {
	t.Helper()
	fi, err := NewFileInspector(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewFileInspector: %v", err)
	}
	fi.flushDelay = time.Millisecond
	return fi
}

func TestFileInspector_OnRequestRecordsEntry(t *testing.T) {
	fi := newTestFileInspector(t)

	u, _ := url.Parse("http://example.com/a?x=1")
	req := &http.Request{Method: "GET", Proto: "HTTP/1.1", URL: u, Header: http.Header{"X-Test": []string{"1"}}}

	fi.onRequest(1, req, "my-rule")

	entry, ok := fi.EntryBySeq(1)
	if !ok {
		t.Fatal("expected entry at seq 1")
	}
	if entry.Rule != "my-rule" {
		t.Errorf("Rule = %q, want %q", entry.Rule, "my-rule")
	}
	if entry.Req.Method != "GET" {
		t.Errorf("Req.Method = %q, want GET", entry.Req.Method)
	}
	if entry.CorrelationID.String() == "" {
		t.Error("expected a non-empty correlation ID")
	}
}

func TestFileInspector_OnRespondUpdatesEntry(t *testing.T) {
	fi := newTestFileInspector(t)

	u, _ := url.Parse("http://example.com/a")
	fi.onRequest(1, &http.Request{Method: "GET", URL: u}, "")
	fi.onRespond(1, &Response{StatusCode: 201, Header: http.Header{"Content-Type": []string{"text/plain"}}})

	entry, ok := fi.EntryBySeq(1)
	if !ok {
		t.Fatal("expected entry at seq 1")
	}
	if entry.Res == nil {
		t.Fatal("expected Res to be populated")
	}
	if entry.Res.Status != 201 {
		t.Errorf("Status = %d, want 201", entry.Res.Status)
	}
}

func TestFileInspector_OnRespond_UnknownSeqIsNoop(t *testing.T) {
	fi := newTestFileInspector(t)
	fi.onRespond(999, &Response{StatusCode: 200})
	if _, ok := fi.EntryBySeq(999); ok {
		t.Error("onRespond for an unseen seq should not create an entry")
	}
}

func TestFileInspector_Entries_OrderedBySeq(t *testing.T) {
	fi := newTestFileInspector(t)
	u, _ := url.Parse("http://example.com/a")

	fi.onRequest(1, &http.Request{URL: u}, "")
	fi.onRequest(2, &http.Request{URL: u}, "")
	fi.onRequest(3, &http.Request{URL: u}, "")

	entries := fi.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Errorf("entries[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestFileInspector_Flush_WritesIndexJSON(t *testing.T) {
	fi := newTestFileInspector(t)
	u, _ := url.Parse("http://example.com/a")
	fi.onRequest(1, &http.Request{URL: u}, "")

	fi.Flush()

	raw, err := os.ReadFile(filepath.Join(fi.Dir(), "index.json"))
	if err != nil {
		t.Fatalf("read index.json: %v", err)
	}

	var entries []*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("unmarshal index.json: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}

func TestFileInspector_CoalescesBurstIntoOneFlush(t *testing.T) {
	fi := newTestFileInspector(t)
	fi.flushDelay = 50 * time.Millisecond

	u, _ := url.Parse("http://example.com/a")
	for i := uint64(1); i <= 5; i++ {
		fi.onRequest(i, &http.Request{URL: u}, "")
	}

	time.Sleep(150 * time.Millisecond)

	raw, err := os.ReadFile(filepath.Join(fi.Dir(), "index.json"))
	if err != nil {
		t.Fatalf("read index.json: %v", err)
	}
	var entries []*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("unmarshal index.json: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("len(entries) = %d, want 5 (single coalesced flush)", len(entries))
	}
}

func TestFileInspector_RequestResponseSinks(t *testing.T) {
	fi := newTestFileInspector(t)

	w := fi.RequestSink(1)
	if w == nil {
		t.Fatal("RequestSink returned nil")
	}
	if _, err := w.Write([]byte("request body")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()

	r := fi.OpenRequestBody(1)
	if r == nil {
		t.Fatal("OpenRequestBody returned nil")
	}
	defer r.Close()

	buf := make([]byte, 32)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "request body" {
		t.Errorf("read = %q, want %q", buf[:n], "request body")
	}
}

func TestFileInspector_OpenRequestBody_Missing(t *testing.T) {
	fi := newTestFileInspector(t)
	if f := fi.OpenRequestBody(12345); f != nil {
		t.Error("expected nil for a seq with no recorded body")
	}
}

func TestNewFileInspector_TempDirWhenEmpty(t *testing.T) {
	fi, err := NewFileInspector("", false)
	if err != nil {
		t.Fatalf("NewFileInspector: %v", err)
	}
	defer os.RemoveAll(fi.Dir())

	if fi.Dir() == "" {
		t.Error("expected a non-empty allocated temp dir")
	}
	if _, err := os.Stat(fi.Dir()); err != nil {
		t.Errorf("expected temp dir to exist: %v", err)
	}
}

func TestFileInspector_Close_RemovesAutoAllocatedDirWhenNotKept(t *testing.T) {
	fi, err := NewFileInspector("", false)
	if err != nil {
		t.Fatalf("NewFileInspector: %v", err)
	}
	dir := fi.Dir()

	if err := fi.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected auto-allocated dir %q to be removed after Close, stat err = %v", dir, err)
	}
}

func TestFileInspector_Close_KeepsAutoAllocatedDirWhenKeepTrue(t *testing.T) {
	fi, err := NewFileInspector("", true)
	if err != nil {
		t.Fatalf("NewFileInspector: %v", err)
	}
	dir := fi.Dir()
	defer os.RemoveAll(dir)

	if err := fi.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected kept auto-allocated dir %q to survive Close: %v", dir, err)
	}
}

func TestFileInspector_Close_NeverRemovesCallerSuppliedDir(t *testing.T) {
	dir := t.TempDir()
	fi, err := NewFileInspector(dir, false)
	if err != nil {
		t.Fatalf("NewFileInspector: %v", err)
	}

	if err := fi.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected caller-supplied dir %q to survive Close regardless of keep: %v", dir, err)
	}
}
