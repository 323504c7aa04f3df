// Package server exposes the verifier and the registry over HTTP/1.1 and
// HTTP/3.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/linker"
	"github.com/orizon-lang/bcverify/internal/registry"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 16 << 20

// Options configures a Server.
type Options struct {
	// Addr is the TCP address for HTTP/1.1 (HTTPS when TLS is set).
	Addr string
	// HTTP3Addr is the UDP address for HTTP/3. It requires TLS.
	HTTP3Addr string
	TLS       *tls.Config
	// Token, when set, is required as a bearer token on publish.
	Token        string
	MaxBodyBytes int64
	AccessLog    bool
}

// Server serves verification and registry requests.
type Server struct {
	verifier *verifier.Verifier
	registry *registry.Registry
	opts     Options
	metrics  *metricsRecorder
	mux      *http.ServeMux
}

// New builds a server. reg may be nil, in which case the registry
// endpoints answer 503 and verification links against nothing.
func New(v *verifier.Verifier, reg *registry.Registry, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{verifier: v, registry: reg, opts: opts, metrics: newMetricsRecorder(opts.AccessLog)}
	s.mux = s.buildMux()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) buildMux() *http.ServeMux {
	m := s.metrics
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", m.wrap("healthz", s.handleHealth))
	mux.HandleFunc("POST /v1/verify", m.wrap("verify", s.handleVerify))
	mux.HandleFunc("POST /v1/publish", m.wrap("publish", s.handlePublish))
	mux.HandleFunc("GET /v1/modules", m.wrap("modules", s.handleModules))
	mux.HandleFunc("GET /v1/modules/{id}", m.wrap("module", s.handleModule))
	mux.HandleFunc("GET /metrics", m.wrap("metrics", m.serveMetrics))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	c := s.verifier.Config()
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, http.StatusOK, struct {
		OK          bool   `json:"ok"`
		Protocol    uint64 `json:"protocol_version"`
		Fingerprint string `json:"config_fingerprint"`
		Registry    bool   `json:"registry"`
	}{true, c.ProtocolVersion, c.Fingerprint(), s.registry != nil})
}

// handleVerify verifies one module sent in either encoding. The verdict is
// returned with 200 whether or not the module was accepted.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		httpError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	m, err := bc.Decode(body)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	var deps linker.Resolver = linker.NewModules()
	if s.registry != nil {
		if deps, err = s.registry.Latest(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
	}
	verdict, err := s.verifier.VerifyModule(r.Context(), m, deps)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.metrics.verdict(verdict.Accepted, verdict.Diagnostics)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, http.StatusOK, verdict)
}

// PublishRequest is the body of /v1/publish. Each module's Data holds the
// module in either encoding.
type PublishRequest struct {
	Modules []PublishModule `json:"modules"`
}

// PublishModule is one module of a publish request.
type PublishModule struct {
	Version      registry.Version      `json:"version"`
	Dependencies []registry.Dependency `json:"dependencies,omitempty"`
	Data         []byte                `json:"data"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		httpError(w, http.StatusServiceUnavailable, errors.New("registry disabled"))
		return
	}
	if !s.authorized(r) {
		httpError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var req PublishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	subs := make([]registry.Submission, len(req.Modules))
	for i, pm := range req.Modules {
		m, err := bc.Decode(pm.Data)
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Errorf("module %d: %w", i, err))
			return
		}
		subs[i] = registry.Submission{Module: m, Version: pm.Version, Dependencies: pm.Dependencies}
	}
	res, err := s.registry.Publish(r.Context(), subs)
	if err != nil {
		var conflict *registry.ConflictError
		var cycle *registry.CycleError
		switch {
		case errors.As(err, &conflict), errors.As(err, &cycle), errors.Is(err, registry.ErrVersionExists):
			httpError(w, http.StatusConflict, err)
		default:
			httpError(w, http.StatusBadRequest, err)
		}
		return
	}
	for _, v := range res.Bundle.Verdicts {
		s.metrics.verdict(v.Accepted, v.Diagnostics)
	}
	status := http.StatusOK
	if !res.Bundle.Accepted {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, status, res)
}

// handleModules lists manifests. With ?module= it lists the versions of one
// module, and with ?module=&constraint= it returns the matching record.
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		httpError(w, http.StatusServiceUnavailable, errors.New("registry disabled"))
		return
	}
	q := r.URL.Query()
	store := s.registry.Store()
	if q.Get("module") == "" {
		all, err := store.All(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, r, http.StatusOK, all)
		return
	}
	id, err := bc.ParseModuleID(q.Get("module"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if q.Get("constraint") == "" {
		list, err := store.List(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, r, http.StatusOK, list)
		return
	}
	c, err := semver.NewConstraint(q.Get("constraint"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := store.Find(r.Context(), id, c)
	s.writeRecord(w, r, rec, err, false)
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		httpError(w, http.StatusServiceUnavailable, errors.New("registry disabled"))
		return
	}
	rec, err := s.registry.Store().Get(r.Context(), registry.ContentID(r.PathValue("id")))
	s.writeRecord(w, r, rec, err, true)
}

func (s *Server) writeRecord(w http.ResponseWriter, r *http.Request, rec registry.Record, err error, immutable bool) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.NotFound(w, r)
	case err != nil:
		httpError(w, http.StatusInternalServerError, err)
	default:
		if immutable {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}
		writeJSON(w, r, http.StatusOK, rec)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	const p = "Bearer "
	ah := r.Header.Get("Authorization")
	if !strings.HasPrefix(ah, p) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(ah[len(p):]), []byte(s.opts.Token)) == 1
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{err.Error()})
}

// writeJSON writes v with a weak ETag and answers 304 on If-None-Match.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	etag := fmt.Sprintf("W/\"%x\"", sha3.Sum256(b))
	if inm := r.Header.Get("If-None-Match"); inm != "" && code == http.StatusOK {
		for _, t := range strings.Split(inm, ",") {
			if strings.TrimSpace(t) == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Content-Type", "application/json")
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (s *Server) httpServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		TLSConfig:         s.opts.TLS,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    16 << 10,
	}
}

// Serve listens on the configured addresses until ctx is done, then shuts
// down gracefully. ready, if not nil, receives the bound addresses.
func (s *Server) Serve(ctx context.Context, ready func(tcp, udp net.Addr)) error {
	if s.opts.HTTP3Addr != "" && s.opts.TLS == nil {
		return errors.New("http3 requires a TLS configuration")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	hs := s.httpServer(s.opts.Addr)

	var (
		h3 *http3.Server
		pc net.PacketConn
	)
	if s.opts.HTTP3Addr != "" {
		if pc, err = net.ListenPacket("udp", s.opts.HTTP3Addr); err != nil {
			ln.Close()
			return err
		}
		h3 = &http3.Server{Addr: s.opts.HTTP3Addr, TLSConfig: http3.ConfigureTLSConfig(s.opts.TLS), Handler: s.mux}
		if ua, ok := pc.LocalAddr().(*net.UDPAddr); ok {
			h3.Port = ua.Port
		}
		// Advertise HTTP/3 to HTTP/1.1 and HTTP/2 clients.
		inner := hs.Handler
		hs.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = h3.SetQUICHeaders(w.Header())
			inner.ServeHTTP(w, r)
		})
	}
	var udpAddr net.Addr
	if pc != nil {
		udpAddr = pc.LocalAddr()
	}
	if ready != nil {
		ready(ln.Addr(), udpAddr)
	}
	log.Infof("serving on %s (tls=%v http3=%v)", ln.Addr(), s.opts.TLS != nil, h3 != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if s.opts.TLS != nil {
			err = hs.ServeTLS(ln, "", "")
		} else {
			err = hs.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if h3 != nil {
		g.Go(func() error {
			err := h3.Serve(pc)
			if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := hs.Shutdown(shutCtx)
		if h3 != nil {
			_ = h3.Close()
			_ = pc.Close()
		}
		log.Infof("server stopped")
		return err
	})
	return g.Wait()
}

// Fingerprint returns the configuration fingerprint clients should compare
// before trusting verdicts from this server.
func (s *Server) Fingerprint() string { return s.verifier.Config().Fingerprint() }
