package devproxy

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// certGetter is satisfied by both CertMinter and CertRotator.
type certGetter interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// ListenerPair runs the plain HTTP listener and, when a root CA is
// configured, a second ephemeral internal TLS listener that terminates
// CONNECT tunnels. A CONNECT request is bridged from the plain listener
// to the internal TLS listener rather than having its hijacked connection
// wrapped in-process, so the TLS handshake and subsequent requests run
// through the same accept loop and http.Server machinery as any other
// connection.
type ListenerPair struct {
	Engine    *Engine
	Certs     certGetter
	ErrorSink ErrorSink

	// Health, Metrics, and InspectorAPI, when set, are served directly off
	// the plain listener at fixed paths, ahead of proxy dispatch — the
	// same "known local paths win before falling through to the proxy
	// loop" shape as proxy.go's ServeHTTP.
	Health       *HealthChecker
	MetricsMux   http.Handler
	InspectorAPI http.Handler

	plain net.Listener
	tls   net.Listener
	srv   *http.Server
}

// NewListenerPair builds a pair bound to the given engine. Certs may be
// nil: with no CA configured, CONNECT requests are answered with
// "https proxy not enabled!" and the plain listener serves HTTP only.
func NewListenerPair(engine *Engine, certs certGetter) *ListenerPair {
	return &ListenerPair{Engine: engine, Certs: certs}
}

func (lp *ListenerPair) reportError(kind ErrorKind, err error) {
	if lp.ErrorSink != nil {
		lp.ErrorSink(kind, err)
	}
}

// ListenAndServe starts the plain listener at addr and, if Certs is set,
// the internal TLS listener on an ephemeral loopback port. It blocks
// serving the plain listener until Shutdown or a fatal accept error.
func (lp *ListenerPair) ListenAndServe(addr string) error {
	plain, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	lp.plain = plain

	if lp.Certs != nil {
		tlsListener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			_ = plain.Close()
			return err
		}
		lp.tls = tlsListener
		go lp.serveTLS()
	}

	lp.srv = &http.Server{Handler: http.HandlerFunc(lp.serveHTTP)}
	return lp.srv.Serve(plain)
}

// Addr returns the plain listener's bound address, valid once
// ListenAndServe has started listening.
func (lp *ListenerPair) Addr() net.Addr {
	if lp.plain == nil {
		return nil
	}
	return lp.plain.Addr()
}

func (lp *ListenerPair) serveTLS() {
	tlsConfig := &tls.Config{
		GetCertificate: lp.Certs.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
	srv := &http.Server{Handler: http.HandlerFunc(lp.serveHTTPS)}
	ln := tls.NewListener(lp.tls, tlsConfig)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lp.reportError(ErrHTTPS, err)
	}
}

func (lp *ListenerPair) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		lp.handleConnect(w, r)
		return
	}

	if lp.Health != nil {
		switch r.URL.Path {
		case "/healthz":
			lp.Health.HandleHealthz(w, r)
			return
		case "/readyz":
			lp.Health.HandleReadyz(w, r)
			return
		}
	}
	if lp.MetricsMux != nil && r.URL.Path == "/metrics" {
		lp.MetricsMux.ServeHTTP(w, r)
		return
	}
	if lp.InspectorAPI != nil && strings.HasPrefix(r.URL.Path, "/api/") {
		lp.InspectorAPI.ServeHTTP(w, r)
		return
	}

	lp.Engine.Dispatch(w, r, "http")
}

func (lp *ListenerPair) serveHTTPS(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "websocket upgrade not supported", http.StatusNotImplemented)
		return
	}
	lp.Engine.Dispatch(w, r, "https")
}

// handleConnect hijacks the client connection and bridges it to the
// internal TLS listener, exactly mirroring proxy.go's flow up through the
// 200 response but dialing a second listener instead of wrapping in place.
func (lp *ListenerPair) handleConnect(w http.ResponseWriter, r *http.Request) {
	if lp.Engine.Metrics != nil {
		lp.Engine.Metrics.RecordRequest(r.Method, "https")
		lp.Engine.Metrics.IncActiveConns()
		defer lp.Engine.Metrics.DecActiveConns()
	}

	if lp.tls == nil {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "https proxy not enabled!", http.StatusServiceUnavailable)
			return
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = conn.Write([]byte("https proxy not enabled!"))
		_ = conn.Close()
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, rw, err := hijacker.Hijack()
	if err != nil {
		lp.reportError(ErrConnect, err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		lp.reportError(ErrConnect, err)
		_ = clientConn.Close()
		return
	}

	upstream, err := net.DialTimeout("tcp", lp.tls.Addr().String(), 5*time.Second)
	if err != nil {
		lp.reportError(ErrConnect, err)
		_ = clientConn.Close()
		return
	}

	// Any bytes the client already sent past the CONNECT line (buffered by
	// the hijacked bufio.Reader) must reach the TLS listener first, or the
	// start of the client's handshake is lost.
	if n := rw.Reader.Buffered(); n > 0 {
		buf := make([]byte, n)
		_, _ = io.ReadFull(rw.Reader, buf)
		if _, err := upstream.Write(buf); err != nil {
			lp.reportError(ErrConnect, err)
			_ = clientConn.Close()
			_ = upstream.Close()
			return
		}
	}

	pipe(clientConn, upstream, lp.reportError)
}

// pipe bidirectionally copies between a and b until either side closes,
// then closes both. Connection-reset and broken-pipe errors on teardown
// are expected and swallowed; anything else is reported as Connect.
func pipe(a, b net.Conn, report func(ErrorKind, error)) {
	done := make(chan struct{}, 2)

	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if err != nil && !isBenignTeardown(err) {
			report(ErrConnect, err)
		}
		done <- struct{}{}
	}

	go cp(a, b)
	go cp(b, a)

	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}

func isBenignTeardown(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// Shutdown stops both the plain and internal TLS listeners.
func (lp *ListenerPair) Shutdown() error {
	var firstErr error
	if lp.tls != nil {
		if err := lp.tls.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if lp.srv != nil {
		if err := lp.srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
