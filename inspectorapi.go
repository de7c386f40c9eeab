package devproxy

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// InspectorAPI exposes the journal kept by a FileInspector over REST, for
// browsing intercepted traffic live. Adapted from admin.go's chi-router
// shape: a sub-router mounted at a path prefix, JSON responses throughout.
type InspectorAPI struct {
	Inspector *FileInspector

	// PathPrefix is the URL path prefix for journal routes (default "/api").
	PathPrefix string

	router chi.Router
}

// NewInspectorAPI creates an InspectorAPI backed by insp.
func NewInspectorAPI(insp *FileInspector) *InspectorAPI {
	a := &InspectorAPI{Inspector: insp, PathPrefix: "/api"}
	a.buildRouter()
	return a
}

func (a *InspectorAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/entries", a.handleListEntries)
	r.Get("/entries/{seq}", a.handleGetEntry)
	r.Get("/entries/{seq}/req", a.handleEntryBody(a.Inspector.OpenRequestBody))
	r.Get("/entries/{seq}/res", a.handleEntryBody(a.Inspector.OpenResponseBody))

	a.router = r
}

// Handler returns an http.Handler for the journal-browsing routes.
func (a *InspectorAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler.
func (a *InspectorAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

type entriesResponse struct {
	Count   int      `json:"count"`
	Entries []*Entry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *InspectorAPI) handleListEntries(w http.ResponseWriter, _ *http.Request) {
	entries := a.Inspector.Entries()
	a.writeJSON(w, http.StatusOK, entriesResponse{Count: len(entries), Entries: entries})
}

func (a *InspectorAPI) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	seq, ok := parseSeq(r)
	if !ok {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid seq"})
		return
	}

	entry, ok := a.Inspector.EntryBySeq(seq)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no entry at that seq"})
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

// handleEntryBody builds a handler that streams the raw body file opened
// by open (OpenRequestBody or OpenResponseBody) for seq.
func (a *InspectorAPI) handleEntryBody(open func(seq uint64) *os.File) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, ok := parseSeq(r)
		if !ok {
			a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid seq"})
			return
		}

		f := open(seq)
		if f == nil {
			a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no body recorded at that seq"})
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.Copy(w, f)
	}
}

func parseSeq(r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "seq")
	seq, err := strconv.ParseUint(raw, 10, 64)
	return seq, err == nil
}

func (a *InspectorAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
