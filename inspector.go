package devproxy

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Inspector observes the lifecycle of every dispatched request. Engine
// calls these hooks in strict order for a given seq: onRequest, onRespond,
// then onRequestEnd and onResponseEnd once their respective body streams
// terminate. Implementations must not block the caller for long; FileInspector
// does its I/O off the hot path via a coalescing flush timer.
//
// requestBodySink/responseBodySink return a writer that the raw body
// bytes should be teed into as they stream past, or nil if the inspector
// doesn't persist bodies. The caller closes the returned writer once the
// stream it's teeing has fully drained.
type Inspector interface {
	onRequest(seq uint64, req *http.Request, ruleName string)
	onRespond(seq uint64, resp *Response)
	onRequestEnd(seq uint64, err error)
	onResponseEnd(seq uint64, err error)
	requestBodySink(seq uint64) io.WriteCloser
	responseBodySink(seq uint64) io.WriteCloser
}

// NoopInspector discards every event. It's the Engine default so proxies
// that don't care about journaling pay nothing for it.
type NoopInspector struct{}

func (NoopInspector) onRequest(uint64, *http.Request, string) {}
func (NoopInspector) onRespond(uint64, *Response)              {}
func (NoopInspector) onRequestEnd(uint64, error)               {}
func (NoopInspector) onResponseEnd(uint64, error)              {}
func (NoopInspector) requestBodySink(uint64) io.WriteCloser    { return nil }
func (NoopInspector) responseBodySink(uint64) io.WriteCloser   { return nil }

// EntryRequest is the request-side half of a journal Entry.
type EntryRequest struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Version string      `json:"version"`
	Headers http.Header `json:"headers"`
}

// EntryResponse is the response-side half of a journal Entry, absent
// until onRespond fires.
type EntryResponse struct {
	Status        int         `json:"status"`
	StatusMessage string      `json:"statusMessage,omitempty"`
	Headers       http.Header `json:"headers"`
}

// Entry is one journal record, indexed by Seq. CorrelationID exists for
// external tooling to stitch an entry back to a trace; the engine itself
// never reads it.
type Entry struct {
	Seq           uint64         `json:"seq"`
	CorrelationID uuid.UUID      `json:"correlationId"`
	Rule          string         `json:"rule,omitempty"`
	Req           EntryRequest   `json:"req"`
	Res           *EntryResponse `json:"res,omitempty"`
}

// FileInspector is the on-disk journal: index.json holds the Entry array,
// and each request/response body is appended to its own <seq>.req /
// <seq>.res file as it streams.
//
// Grounded in the same struct-of-fields-then-structured-emit shape as
// accesslog.go's AccessLogger, generalized from one flat log line per
// request to a two-phase (request, then response) record that a
// journal-browsing API can query mid-flight.
type FileInspector struct {
	dir  string
	keep bool
	auto bool // true if dir was auto-allocated by NewFileInspector, not caller-supplied

	mu      sync.Mutex
	entries map[uint64]*Entry
	order   []uint64

	flushMu      sync.Mutex
	flushPending bool
	flushTimer   *time.Timer
	flushDelay   time.Duration
}

// NewFileInspector creates a journal rooted at dir. If dir is empty, a
// fresh temp directory is allocated. keep controls whether an
// auto-allocated temp directory survives Close.
func NewFileInspector(dir string, keep bool) (*FileInspector, error) {
	auto := dir == ""
	if auto {
		tmp, err := os.MkdirTemp("", "devproxy-inspect-")
		if err != nil {
			return nil, err
		}
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &FileInspector{
		dir:        dir,
		keep:       keep,
		auto:       auto,
		entries:    make(map[uint64]*Entry),
		flushDelay: 2000 * time.Millisecond,
	}, nil
}

// Dir reports the journal's root directory.
func (fi *FileInspector) Dir() string { return fi.dir }

func (fi *FileInspector) onRequest(seq uint64, req *http.Request, ruleName string) {
	e := &Entry{
		Seq:           seq,
		CorrelationID: uuid.New(),
		Rule:          ruleName,
		Req: EntryRequest{
			URL:     req.URL.String(),
			Method:  req.Method,
			Version: req.Proto,
			Headers: req.Header.Clone(),
		},
	}

	fi.mu.Lock()
	fi.entries[seq] = e
	fi.order = append(fi.order, seq)
	fi.mu.Unlock()

	fi.scheduleFlush()
}

func (fi *FileInspector) onRespond(seq uint64, resp *Response) {
	fi.mu.Lock()
	e, ok := fi.entries[seq]
	if ok {
		e.Res = &EntryResponse{
			Status:        resp.StatusCode,
			StatusMessage: resp.StatusMessage,
			Headers:       resp.Header.Clone(),
		}
	}
	fi.mu.Unlock()

	fi.scheduleFlush()
}

func (fi *FileInspector) onRequestEnd(seq uint64, err error) {}

func (fi *FileInspector) onResponseEnd(seq uint64, err error) {
	fi.scheduleFlush()
}

// RequestSink opens (creating if needed) the <seq>.req file for append,
// for callers teeing a request body to disk. Returns nil on error; a
// journal write failure must never abort the request it's describing.
func (fi *FileInspector) RequestSink(seq uint64) *os.File {
	return fi.openSink(seq, "req")
}

// ResponseSink opens the <seq>.res file for append.
func (fi *FileInspector) ResponseSink(seq uint64) *os.File {
	return fi.openSink(seq, "res")
}

// requestBodySink implements Inspector: it's RequestSink widened to
// io.WriteCloser, and nil-safe (a nil *os.File assigned to an interface
// is non-nil, so callers must compare against the concrete nilness here).
func (fi *FileInspector) requestBodySink(seq uint64) io.WriteCloser {
	f := fi.RequestSink(seq)
	if f == nil {
		return nil
	}
	return f
}

// responseBodySink implements Inspector; see requestBodySink.
func (fi *FileInspector) responseBodySink(seq uint64) io.WriteCloser {
	f := fi.ResponseSink(seq)
	if f == nil {
		return nil
	}
	return f
}

func (fi *FileInspector) openSink(seq uint64, ext string) *os.File {
	path := filepath.Join(fi.dir, entryFileName(seq, ext))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	return f
}

// OpenRequestBody opens the <seq>.req file for reading, for the
// journal-browsing API. Returns nil if no such file exists.
func (fi *FileInspector) OpenRequestBody(seq uint64) *os.File {
	return fi.openRead(seq, "req")
}

// OpenResponseBody opens the <seq>.res file for reading.
func (fi *FileInspector) OpenResponseBody(seq uint64) *os.File {
	return fi.openRead(seq, "res")
}

func (fi *FileInspector) openRead(seq uint64, ext string) *os.File {
	path := filepath.Join(fi.dir, entryFileName(seq, ext))
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	return f
}

func entryFileName(seq uint64, ext string) string {
	return strconv.FormatUint(seq, 10) + "." + ext
}

// scheduleFlush arms a coalescing timer: a burst of onRequest/onRespond
// calls within the delay window produces a single index.json write.
func (fi *FileInspector) scheduleFlush() {
	fi.flushMu.Lock()
	defer fi.flushMu.Unlock()

	if fi.flushPending {
		return
	}
	fi.flushPending = true
	fi.flushTimer = time.AfterFunc(fi.flushDelay, fi.flush)
}

func (fi *FileInspector) flush() {
	fi.flushMu.Lock()
	fi.flushPending = false
	fi.flushMu.Unlock()

	fi.mu.Lock()
	snapshot := make([]*Entry, 0, len(fi.order))
	for _, seq := range fi.order {
		if e, ok := fi.entries[seq]; ok {
			snapshot = append(snapshot, e)
		}
	}
	fi.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}

	_ = os.WriteFile(filepath.Join(fi.dir, "index.json"), raw, 0o644)
}

// Flush forces an immediate journal write, bypassing the coalescing
// timer. Callers use this on shutdown to guarantee the final state hits
// disk.
func (fi *FileInspector) Flush() {
	fi.flushMu.Lock()
	if fi.flushTimer != nil {
		fi.flushTimer.Stop()
	}
	fi.flushPending = false
	fi.flushMu.Unlock()

	fi.flush()
}

// Entries returns a snapshot of the journal ordered by seq, for the
// journal-browsing API.
func (fi *FileInspector) Entries() []*Entry {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	out := make([]*Entry, 0, len(fi.order))
	for _, seq := range fi.order {
		if e, ok := fi.entries[seq]; ok {
			out = append(out, e)
		}
	}
	return out
}

// EntryBySeq returns the entry for seq, if present.
func (fi *FileInspector) EntryBySeq(seq uint64) (*Entry, bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	e, ok := fi.entries[seq]
	return e, ok
}

// Close flushes the journal to disk, then removes the journal directory
// if it was auto-allocated (dir == "" at NewFileInspector time) and keep
// is false. A caller-supplied dir is never removed — only an
// auto-allocated temp directory is ever a candidate for cleanup, since
// deleting a directory the caller named themselves would be surprising.
func (fi *FileInspector) Close() error {
	fi.Flush()
	if fi.auto && !fi.keep {
		return os.RemoveAll(fi.dir)
	}
	return nil
}
