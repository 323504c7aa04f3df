package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	"github.com/orizon-lang/bcverify/internal/config"
	"github.com/orizon-lang/bcverify/internal/registry"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

func newServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	v, err := verifier.New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	s := New(v, registry.New(registry.NewInMemoryStore(), v), opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func coin(returns []bc.SignatureToken) *bc.Module {
	b := bctest.NewModule("0x1", "coin")
	b.Func(bctest.Fn{Name: "zero", Returns: returns, Visibility: bc.VisibilityPublic, Code: []bc.Instruction{bctest.LdU64(0), bctest.Op(bc.OpRet)}})
	return b.Build()
}

func encode(t *testing.T, m *bc.Module) []byte {
	t.Helper()
	b, err := bc.EncodeCBOR(m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	s, ts := newServer(t, Options{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		OK          bool   `json:"ok"`
		Fingerprint string `json:"config_fingerprint"`
	}
	decodeBody(t, resp, &out)
	if !out.OK || out.Fingerprint != s.Fingerprint() {
		t.Errorf("unexpected health response: %+v", out)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestVerify(t *testing.T) {
	_, ts := newServer(t, Options{})
	for _, tt := range []struct {
		name     string
		module   *bc.Module
		accepted bool
	}{
		{"accepted", coin([]bc.SignatureToken{bc.U64}), true},
		{"rejected", coin(nil), false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/verify", "application/cbor", bytes.NewReader(encode(t, tt.module)))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			var verdict verifier.Verdict
			decodeBody(t, resp, &verdict)
			if verdict.Accepted != tt.accepted {
				t.Errorf("expected accepted=%v, got %s", tt.accepted, spew.Sdump(verdict))
			}
		})
	}

	resp, err := http.Post(ts.URL+"/v1/verify", "application/json", strings.NewReader("not a module"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func publish(t *testing.T, url, token string, req PublishRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	hr, _ := http.NewRequest(http.MethodPost, url+"/v1/publish", bytes.NewReader(body))
	hr.Header.Set("Content-Type", "application/json")
	if token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(hr)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestPublishAndFetch(t *testing.T) {
	_, ts := newServer(t, Options{Token: "secret"})
	req := PublishRequest{Modules: []PublishModule{{Version: "1.0.0", Data: encode(t, coin([]bc.SignatureToken{bc.U64}))}}}

	resp := publish(t, ts.URL, "", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = publish(t, ts.URL, "secret", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res registry.PublishResult
	decodeBody(t, resp, &res)
	id, ok := res.Published["0x1::coin"]
	if !ok {
		t.Fatalf("expected coin to be published, got %s", spew.Sdump(res))
	}

	resp = publish(t, ts.URL, "secret", PublishRequest{Modules: []PublishModule{{Version: "1.1.0", Data: encode(t, coin(nil))}}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a rejected module, got %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/v1/modules/" + string(id))
	if err != nil {
		t.Fatal(err)
	}
	etag := resp.Header.Get("ETag")
	var rec registry.Record
	decodeBody(t, resp, &rec)
	if rec.ID != id || rec.Manifest.Version != "1.0.0" {
		t.Errorf("unexpected record: %s", spew.Sdump(rec.Manifest))
	}

	hr, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/modules/"+string(id), nil)
	hr.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(hr)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("expected 304, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/modules?module=0x1::coin&constraint=^1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	decodeBody(t, resp, &rec)
	if rec.ID != id {
		t.Errorf("expected %s, got %s", id, rec.ID)
	}

	resp, err = http.Get(ts.URL + "/v1/modules/bcm1-missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	_, ts := newServer(t, Options{})
	resp, err := http.Post(ts.URL+"/v1/verify", "application/cbor", bytes.NewReader(encode(t, coin(nil))))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`bcverify_modules_total{verdict="rejected"} 1`,
		`bcverify_requests_total{handler="verify",class="2xx"} 1`,
		`bcverify_diagnostics_total{code="`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics to contain %q, got:\n%s", want, body)
		}
	}
}

func TestServeHTTP3(t *testing.T) {
	tlsCfg, err := GenerateSelfSignedTLS([]string{"127.0.0.1", "localhost"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	v, err := verifier.New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	s := New(v, nil, Options{Addr: "127.0.0.1:0", HTTP3Addr: "127.0.0.1:0", TLS: tlsCfg})

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, func(_, udp net.Addr) { addrs <- udp }) }()

	var udp net.Addr
	select {
	case udp = <-addrs:
	case err := <-done:
		cancel()
		t.Skip("http3 not supported here:", err)
	}

	cli := HTTP3Client(&tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}, 5*time.Second)
	defer CloseHTTP3Client(cli)
	resp, err := cli.Get("https://" + udp.String() + "/healthz")
	if err != nil {
		cancel()
		<-done
		t.Skip("http3 dial failed:", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"ok":true`) {
		t.Errorf("unexpected body: %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
