package devproxy

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// cacheHead is the on-disk JSON shape of a cache entry's head file.
type cacheHead struct {
	StatusCode    int         `json:"statusCode"`
	StatusMessage string      `json:"statusMessage,omitempty"`
	Headers       http.Header `json:"headers"`
	UpdateTime    int64       `json:"updateTime"`
}

// fresh reports whether the entry is still within ttlSeconds of updateTime.
// A zero ttl never expires.
func (h cacheHead) fresh(ttlSeconds int) bool {
	if ttlSeconds <= 0 {
		return true
	}
	deadline := h.UpdateTime + int64(ttlSeconds)*1000
	return deadline >= time.Now().UnixMilli()
}

// CacheStore is the content-addressed on-disk store backing the `cache`
// rule handler. Layout:
//
//	<root>/<host><path>/<method>[.<md5(query)>].head
//	<root>/<host><path>/<method>[.<md5(query)>].body
//
// Directory creation is lazy: the constructor does not create root itself,
// only the first write does (creating a missing directory rather than
// failing against one).
type CacheStore struct {
	root string

	mu      sync.Mutex
	entries int
}

// NewCacheStore creates a store rooted at dir. If dir is empty, a ".cache"
// directory adjacent to the binary is used; if the binary's path cannot be
// determined, ".cache" in the working directory is used instead.
func NewCacheStore(dir string) *CacheStore {
	if dir == "" {
		dir = ".cache"
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Join(filepath.Dir(exe), ".cache")
		}
	}
	return &CacheStore{root: dir}
}

// baseName is the file basename for an entry: the method, or the method
// and a query hash joined by ".".
func baseName(method, queryHash string) string {
	if queryHash == "" {
		return method
	}
	return method + "." + queryHash
}

func splitEntryKey(host, path, query string, cacheByQuery bool) (dir, queryHash string) {
	dir = filepath.Join(host, path)
	if cacheByQuery && query != "" {
		sum := md5.Sum([]byte(query))
		queryHash = hex.EncodeToString(sum[:])
	}
	return dir, queryHash
}

func (c *CacheStore) entryPaths(host, path, query, method string, cacheByQuery bool) (headPath, bodyPath string) {
	dir, hash := splitEntryKey(host, path, query, cacheByQuery)
	base := baseName(method, hash)
	full := filepath.Join(c.root, dir)
	return filepath.Join(full, base+".head"), filepath.Join(full, base+".body")
}

// Load reads a cache entry's head and body, returning (head, body, ok). ok is false if the
// head file does not exist; any other read/parse error is also treated as
// a miss, never an error.
func (c *CacheStore) Load(host, path, query, method string, cacheByQuery bool) (cacheHead, []byte, bool) {
	headPath, bodyPath := c.entryPaths(host, path, query, method, cacheByQuery)

	raw, err := os.ReadFile(headPath)
	if err != nil {
		return cacheHead{}, nil, false
	}

	var head cacheHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return cacheHead{}, nil, false
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		body = nil
	}

	return head, body, true
}

// Store writes the head and body files for an entry, creating the entry's
// directory if needed. The head is written before the body: callers
// should only call Store once the full body is available.
func (c *CacheStore) Store(host, path, query, method string, cacheByQuery bool, statusCode int, statusMessage string, header http.Header, body []byte) error {
	headPath, bodyPath := c.entryPaths(host, path, query, method, cacheByQuery)

	if err := os.MkdirAll(filepath.Dir(headPath), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	head := cacheHead{
		StatusCode:    statusCode,
		StatusMessage: statusMessage,
		Headers:       header,
		UpdateTime:    time.Now().UnixMilli(),
	}

	raw, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("marshal cache head: %w", err)
	}

	if err := os.WriteFile(headPath, raw, 0o644); err != nil {
		return fmt.Errorf("write cache head: %w", err)
	}

	if err := os.WriteFile(bodyPath, body, 0o644); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}

	c.mu.Lock()
	c.entries++
	c.mu.Unlock()

	return nil
}

// Clear removes the entire cache directory recursively. It is idempotent:
// calling it when the directory is already absent is not an error.
func (c *CacheStore) Clear() error {
	c.mu.Lock()
	c.entries = 0
	c.mu.Unlock()
	return os.RemoveAll(c.root)
}

// Stats reports the number of entries written since the store was opened
// or last cleared.
func (c *CacheStore) Stats() (entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}

// CacheRule is the stateful handler behind the `cache` rule name. It maps
// an in-flight request's seq to the entry key selected at request time,
// so the response hook knows where to write.
//
// Scoped per instance rather than kept in a package-level map: a
// process running more than one Engine must not have their cache
// bookkeeping leak into each other.
type CacheRule struct {
	NoResponseHook

	Store        *CacheStore
	Dir          string // raw directory requested at construction; empty means "use the configured default"
	TTLSeconds   int
	TTLExplicit  bool // true if TTLSeconds came from an explicit rule-string arg, not the legacy shorthand
	CacheByQuery bool
	Metrics      *Metrics

	mu      sync.Mutex
	pending map[uint64]pendingEntry
}

type pendingEntry struct {
	host, path, query, method string
}

// NewCacheRule builds a CacheRule writing into dir (passed to
// NewCacheStore) with the given freshness TTL in seconds. ttlSeconds <= 0
// means entries never expire.
func NewCacheRule(dir string, ttlSeconds int) *CacheRule {
	return &CacheRule{
		Store:      NewCacheStore(dir),
		Dir:        dir,
		TTLSeconds: ttlSeconds,
		pending:    make(map[uint64]pendingEntry),
	}
}

// OnRequest implements Handler.
func (c *CacheRule) OnRequest(ctx HookContext) RuleResult {
	req := ctx.Req
	host := stripPort(req.Host)
	path := req.URL.Path
	query := req.URL.RawQuery
	method := req.Method

	head, body, ok := c.Store.Load(host, path, query, method, c.CacheByQuery)
	if ok && head.fresh(c.TTLSeconds) {
		if c.Metrics != nil {
			c.Metrics.RecordCacheHit()
		}
		return Synth(&Response{
			StatusCode:    head.StatusCode,
			StatusMessage: head.StatusMessage,
			Header:        head.Headers,
			Body:          body,
		})
	}

	if c.Metrics != nil {
		c.Metrics.RecordCacheMiss()
	}

	c.mu.Lock()
	c.pending[ctx.Seq] = pendingEntry{host: host, path: path, query: query, method: method}
	c.mu.Unlock()

	return Passthrough()
}

// OnResponse implements the response-side half of the Handler interface,
// writing the fetched response to disk.
//
// A response that actually reached a cache miss (the common case) arrives
// here with its body still an unread Stream, not Body: Engine.fetch never
// buffers an upstream response before handing it off. So the write can't
// happen now — it has to happen once the stream has actually been read,
// which only occurs later as it's drained to the client. Stream gets
// wrapped in a teeBody that mirrors every byte into an in-memory buffer;
// the buffer is only written to disk from its onClose callback, by which
// point the full body has necessarily passed through. If the response
// already carries an inline Body (no Stream — a handler synthesized it, or
// a caller built one directly, as in tests), it's stored immediately.
func (c *CacheRule) OnResponse(ctx ResponseHookContext) {
	c.mu.Lock()
	entry, ok := c.pending[ctx.Seq]
	delete(c.pending, ctx.Seq)
	c.mu.Unlock()

	if !ok {
		return
	}

	res := ctx.Res

	if res.Stream != nil {
		var buf bytes.Buffer
		tb := newTeeBody(res.Stream, &buf)
		tb.onClose = func(err error) {
			if err != nil {
				return
			}
			c.write(entry, res.StatusCode, res.StatusMessage, res.Header, buf.Bytes())
		}
		res.Stream = tb
		return
	}

	c.write(entry, res.StatusCode, res.StatusMessage, res.Header, res.Body)
}

func (c *CacheRule) write(entry pendingEntry, statusCode int, statusMessage string, header http.Header, body []byte) {
	_ = c.Store.Store(entry.host, entry.path, entry.query, entry.method, c.CacheByQuery,
		statusCode, statusMessage, header, body)

	if c.Metrics != nil {
		c.Metrics.SetCacheEntries(c.Store.Stats())
	}
}

// Clear removes the on-disk cache directory.
func (c *CacheRule) Clear() error {
	return c.Store.Clear()
}

func stripPort(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		return hostport[:i]
	}
	return hostport
}
