package devproxy

import (
	"net/http"
)

// emitResponse writes resp to w, notifying insp at the response boundary
// and again once the body finishes streaming. It is the single place a
// Response crosses from engine-internal shape to wire bytes, whether the
// response was synthesized by a handler or fetched upstream.
//
// A response body is consumed exactly once: if resp.Stream is set, it's
// piped straight to w via io.Copy's equivalent (http.ResponseWriter
// satisfies io.Writer), never buffered whole in memory first. If insp
// persists raw bodies, the stream is teed into its response sink as it
// drains via stream.go's teeBody, so the client, the journal, and (for a
// matched cache rule, wired upstream in Engine.fetch) the cache body file
// all see the same bytes off a single read. The sink is wrapped in a
// sinkWriter so a failing journal write (disk full, permission error)
// can't surface as a Read error through the tee and abort the client's
// response.
func emitResponse(w http.ResponseWriter, seq uint64, resp *Response, insp Inspector, report func(ErrorKind, error)) {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}

	insp.onRespond(seq, resp)

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = vv
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	sink := insp.responseBodySink(seq)

	if resp.Stream != nil {
		stream := resp.Stream
		if sink != nil {
			tb := newTeeBody(stream, newSinkWriter(sink))
			tb.onClose = func(error) { _ = sink.Close() }
			stream = tb
		}
		err := drainTo(w, stream)
		insp.onResponseEnd(seq, err)
		if err != nil {
			report(ErrForward, err)
		}
		return
	}

	var err error
	if len(resp.Body) > 0 {
		_, err = w.Write(resp.Body)
		if err != nil {
			report(ErrForward, err)
		}
	}
	if sink != nil {
		if len(resp.Body) > 0 {
			_, _ = sink.Write(resp.Body)
		}
		_ = sink.Close()
	}
	insp.onResponseEnd(seq, err)
}
