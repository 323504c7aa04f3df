package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

type endpointMetrics struct {
	c2xx   uint64
	c4xx   uint64
	c5xx   uint64
	cOther uint64
	// latency buckets (seconds): 0.01, 0.05, 0.1, 0.5, 1.0, +Inf
	b001  uint64
	b005  uint64
	b010  uint64
	b050  uint64
	b100  uint64
	bInf  uint64
	sumNS uint64
	cnt   uint64
}

type metricsRecorder struct {
	inflight  int64
	accepted  uint64
	rejected  uint64
	mu        sync.Mutex
	by        map[string]*endpointMetrics
	codes     map[verrors.StatusCode]uint64
	accessLog bool
}

func newMetricsRecorder(accessLog bool) *metricsRecorder {
	mr := &metricsRecorder{
		by:        make(map[string]*endpointMetrics),
		codes:     make(map[verrors.StatusCode]uint64),
		accessLog: accessLog,
	}
	for _, k := range []string{"healthz", "verify", "publish", "modules", "module", "metrics"} {
		mr.by[k] = &endpointMetrics{}
	}
	return mr
}

func (m *metricsRecorder) endpoint(name string) *endpointMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.by[name]
	if !ok {
		em = &endpointMetrics{}
		m.by[name] = em
	}
	return em
}

func (m *metricsRecorder) observe(name string, code int, d time.Duration) {
	em := m.endpoint(name)
	switch code / 100 {
	case 2:
		atomic.AddUint64(&em.c2xx, 1)
	case 4:
		atomic.AddUint64(&em.c4xx, 1)
	case 5:
		atomic.AddUint64(&em.c5xx, 1)
	default:
		atomic.AddUint64(&em.cOther, 1)
	}
	switch sec := d.Seconds(); {
	case sec <= 0.01:
		atomic.AddUint64(&em.b001, 1)
	case sec <= 0.05:
		atomic.AddUint64(&em.b005, 1)
	case sec <= 0.10:
		atomic.AddUint64(&em.b010, 1)
	case sec <= 0.50:
		atomic.AddUint64(&em.b050, 1)
	case sec <= 1.0:
		atomic.AddUint64(&em.b100, 1)
	default:
		atomic.AddUint64(&em.bInf, 1)
	}
	atomic.AddUint64(&em.cnt, 1)
	atomic.AddUint64(&em.sumNS, uint64(d.Nanoseconds()))
}

// verdict records one module verdict and its error codes.
func (m *metricsRecorder) verdict(accepted bool, diags verrors.List) {
	if accepted {
		atomic.AddUint64(&m.accepted, 1)
	} else {
		atomic.AddUint64(&m.rejected, 1)
	}
	m.mu.Lock()
	for _, d := range diags.Errors() {
		m.codes[d.Code]++
	}
	m.mu.Unlock()
}

type statusWriter struct {
	rw   http.ResponseWriter
	code int
	n    int
}

func (s *statusWriter) Header() http.Header  { return s.rw.Header() }
func (s *statusWriter) WriteHeader(code int) { s.code = code; s.rw.WriteHeader(code) }
func (s *statusWriter) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	n, err := s.rw.Write(b)
	s.n += n
	return n, err
}

// wrap applies security headers, request ids, panic recovery, metrics and
// optional access logging.
func (m *metricsRecorder) wrap(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, r)
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = genReqID()
		}
		w.Header().Set("X-Request-ID", rid)

		start := time.Now()
		atomic.AddInt64(&m.inflight, 1)
		defer atomic.AddInt64(&m.inflight, -1)
		sw := &statusWriter{rw: w}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("panic: %v request_id=%s", rec, rid)
					if sw.code == 0 {
						sw.WriteHeader(http.StatusInternalServerError)
					}
				}
			}()
			h(sw, r)
		}()
		if sw.code == 0 {
			sw.code = http.StatusOK
		}
		d := time.Since(start)
		m.observe(name, sw.code, d)
		if m.accessLog {
			log.Infof("%s %s -> %d %dB in %s from %s request_id=%s", r.Method, r.URL.RequestURI(), sw.code, sw.n, d, r.RemoteAddr, rid)
		}
	}
}

func (m *metricsRecorder) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	var b strings.Builder
	fmt.Fprintf(&b, "# TYPE bcverify_inflight gauge\nbcverify_inflight %d\n", atomic.LoadInt64(&m.inflight))
	fmt.Fprintf(&b, "# TYPE bcverify_modules_total counter\n")
	fmt.Fprintf(&b, "bcverify_modules_total{verdict=\"accepted\"} %d\n", atomic.LoadUint64(&m.accepted))
	fmt.Fprintf(&b, "bcverify_modules_total{verdict=\"rejected\"} %d\n", atomic.LoadUint64(&m.rejected))

	m.mu.Lock()
	codes := make([]verrors.StatusCode, 0, len(m.codes))
	for c := range m.codes {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	fmt.Fprintf(&b, "# TYPE bcverify_diagnostics_total counter\n")
	for _, c := range codes {
		fmt.Fprintf(&b, "bcverify_diagnostics_total{code=\"%s\",category=\"%s\"} %d\n", c, c.Category(), m.codes[c])
	}
	names := make([]string, 0, len(m.by))
	for name := range m.by {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	fmt.Fprintf(&b, "# TYPE bcverify_requests_total counter\n")
	for _, name := range names {
		em := m.endpoint(name)
		fmt.Fprintf(&b, "bcverify_requests_total{handler=\"%s\",class=\"2xx\"} %d\n", name, atomic.LoadUint64(&em.c2xx))
		fmt.Fprintf(&b, "bcverify_requests_total{handler=\"%s\",class=\"4xx\"} %d\n", name, atomic.LoadUint64(&em.c4xx))
		fmt.Fprintf(&b, "bcverify_requests_total{handler=\"%s\",class=\"5xx\"} %d\n", name, atomic.LoadUint64(&em.c5xx))
		fmt.Fprintf(&b, "bcverify_requests_total{handler=\"%s\",class=\"other\"} %d\n", name, atomic.LoadUint64(&em.cOther))
	}
	fmt.Fprintf(&b, "# TYPE bcverify_request_duration_seconds histogram\n")
	for _, name := range names {
		em := m.endpoint(name)
		// Buckets are cumulative.
		cum := uint64(0)
		for _, bucket := range []struct {
			le string
			n  *uint64
		}{{"0.01", &em.b001}, {"0.05", &em.b005}, {"0.1", &em.b010}, {"0.5", &em.b050}, {"1", &em.b100}, {"+Inf", &em.bInf}} {
			cum += atomic.LoadUint64(bucket.n)
			fmt.Fprintf(&b, "bcverify_request_duration_seconds_bucket{handler=\"%s\",le=\"%s\"} %d\n", name, bucket.le, cum)
		}
		fmt.Fprintf(&b, "bcverify_request_duration_seconds_sum{handler=\"%s\"} %.6f\n", name, float64(atomic.LoadUint64(&em.sumNS))/1e9)
		fmt.Fprintf(&b, "bcverify_request_duration_seconds_count{handler=\"%s\"} %d\n", name, atomic.LoadUint64(&em.cnt))
	}
	_, _ = w.Write([]byte(b.String()))
}

// genReqID returns a random 16-byte hex string.
func genReqID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// setSecurityHeaders applies basic security headers per response.
func setSecurityHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	if r.TLS != nil {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
}
