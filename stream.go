package devproxy

import "io"

// teeBody wraps a response body so that every byte read by the primary
// consumer (the client connection) is also written to zero or more
// sideWriters (the cache file, the inspector's raw body file) as it
// streams, without buffering the whole body in memory.
//
// Built on io.TeeReader/io.MultiWriter rather than a hand-rolled fan-out:
// the standard library already expresses "read once, write to N sinks"
// exactly, and none of the inspected proxies layer anything beyond it for
// this case.
type teeBody struct {
	io.ReadCloser
	sideWriters []io.Writer
	onClose     func(err error)
}

// newTeeBody returns a ReadCloser that mirrors src's bytes into sinks as
// they're read. onClose, if non-nil, runs once when Close is called,
// receiving the first error observed from either Read or the side writes
// (nil if the stream drained cleanly).
func newTeeBody(src io.ReadCloser, sinks ...io.Writer) *teeBody {
	return &teeBody{ReadCloser: src, sideWriters: sinks}
}

func (t *teeBody) Read(p []byte) (int, error) {
	if len(t.sideWriters) == 0 {
		return t.ReadCloser.Read(p)
	}
	r := io.TeeReader(t.ReadCloser, io.MultiWriter(t.sideWriters...))
	return r.Read(p)
}

func (t *teeBody) Close() error {
	err := t.ReadCloser.Close()
	if t.onClose != nil {
		t.onClose(err)
	}
	return err
}

// drainTo copies src to w fully, closing src when done. Used for the
// inline (non-streamed) body path where the caller already has the full
// payload and just needs it flushed to one sink.
func drainTo(w io.Writer, src io.ReadCloser) error {
	defer src.Close()
	_, err := io.Copy(w, src)
	return err
}

// sinkWriter adapts a fallible sink (a cache file, an inspector file) so
// a write error doesn't abort the primary stream: it records the first
// error and silently discards further writes, because losing a cache
// entry or journal record must never cost the client its response.
type sinkWriter struct {
	w    io.Writer
	err  error
	done bool
}

func newSinkWriter(w io.Writer) *sinkWriter { return &sinkWriter{w: w} }

func (s *sinkWriter) Write(p []byte) (int, error) {
	if s.done {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
		s.done = true
		return len(p), nil
	}
	return n, nil
}

// Err returns the first write error observed, if the sink gave up.
func (s *sinkWriter) Err() error { return s.err }
