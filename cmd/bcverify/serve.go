package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/orizon-lang/bcverify/internal/cli"
	"github.com/orizon-lang/bcverify/internal/registry"
	"github.com/orizon-lang/bcverify/internal/server"
	"github.com/orizon-lang/bcverify/internal/verifier"
	"github.com/orizon-lang/bcverify/internal/watch"
)

// TokenEnv supplies the publish token when -token is not given.
const TokenEnv = "BCVERIFY_SERVER_TOKEN"

func cmdServe(ctx context.Context, e *env, args []string) int {
	fs := e.flags("serve")
	addr := fs.String("addr", "127.0.0.1:8080", "TCP listen address")
	h3Addr := fs.String("http3", "", "UDP listen address for HTTP/3 (requires TLS)")
	certFile := fs.String("tls-cert", "", "TLS certificate file")
	keyFile := fs.String("tls-key", "", "TLS key file")
	selfSigned := fs.Bool("self-signed", false, "serve TLS with a generated self-signed certificate")
	storeDir := fs.String("store", "", "file registry directory (in-memory when empty)")
	noRegistry := fs.Bool("no-registry", false, "disable the registry endpoints")
	token := fs.String("token", "", "bearer token required for publishing (env "+TokenEnv+")")
	maxBody := fs.Int64("max-body", server.DefaultMaxBodyBytes, "maximum request body in bytes")
	accessLog := fs.Bool("access-log", true, "log every request")
	if code, ok := parse(fs, args); !ok {
		return code
	}

	tlsCfg, err := serverTLS(*certFile, *keyFile, *selfSigned, *addr)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}
	if *h3Addr != "" && tlsCfg == nil {
		e.log.Error("-http3 requires -tls-cert/-tls-key or -self-signed")
		return cli.ExitUsage
	}
	if *token == "" {
		*token = e.getenv(TokenEnv)
	}

	v, err := verifier.New(e.cfg)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}
	var reg *registry.Registry
	if !*noRegistry {
		var store registry.Store = registry.NewInMemoryStore()
		if *storeDir != "" {
			fstore, err := registry.OpenFileStore(*storeDir)
			if err != nil {
				e.log.Error("%v", err)
				return cli.ExitFailure
			}
			store = fstore
		}
		reg = registry.New(store, v)
	}

	srv := server.New(v, reg, server.Options{
		Addr:         *addr,
		HTTP3Addr:    *h3Addr,
		TLS:          tlsCfg,
		Token:        *token,
		MaxBodyBytes: *maxBody,
		AccessLog:    *accessLog,
	})
	e.log.Info("config fingerprint %s", srv.Fingerprint())
	err = srv.Serve(ctx, func(tcp, udp net.Addr) {
		e.log.Info("listening on %s", tcp)
		if udp != nil {
			e.log.Info("listening for HTTP/3 on %s", udp)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	return cli.ExitOK
}

// serverTLS returns the TLS configuration selected by the flags, or nil
// for plain HTTP.
func serverTLS(certFile, keyFile string, selfSigned bool, addr string) (*tls.Config, error) {
	switch {
	case selfSigned && (certFile != "" || keyFile != ""):
		return nil, errors.New("-self-signed cannot be combined with -tls-cert/-tls-key")
	case selfSigned:
		hosts := []string{"localhost", "127.0.0.1", "::1"}
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" && !slices.Contains(hosts, host) {
			hosts = append(hosts, host)
		}
		return server.GenerateSelfSignedTLS(hosts, 7*24*time.Hour)
	case certFile != "" && keyFile != "":
		return server.LoadTLSConfig(certFile, keyFile)
	case certFile != "" || keyFile != "":
		return nil, errors.New("-tls-cert and -tls-key must be given together")
	}
	return nil, nil
}

func cmdWatch(ctx context.Context, e *env, args []string) int {
	fs := e.flags("watch")
	var deps listFlag
	fs.Var(&deps, "deps", "module file or directory providing dependencies (repeatable)")
	store := fs.String("registry", "", "file registry whose latest modules provide dependencies")
	debounce := fs.Duration("debounce", watch.DefaultDebounce, "quiet period before re-verifying a file")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return cli.ExitUsage
	}

	v, err := verifier.New(e.cfg)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}
	external, err := loadDependencies(ctx, v, deps, *store)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	w, err := watch.New(fs.Arg(0), v, watch.WithDebounce(*debounce), watch.WithDependencies(external))
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	err = w.Run(ctx, func(r watch.Result) { printResult(e, r) })
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	return cli.ExitOK
}

func printResult(e *env, r watch.Result) {
	ts := time.Now().Format("15:04:05")
	if r.Err != nil {
		fmt.Fprintf(e.stdout, "%s %s: %v\n", ts, r.Path, r.Err)
		return
	}
	status := "accepted"
	if !r.Verdict.Accepted {
		status = "rejected"
	}
	fmt.Fprintf(e.stdout, "%s %s (%s): %s\n", ts, r.Path, r.Verdict.Module, status)
	for _, d := range r.Verdict.Diagnostics {
		fmt.Fprintf(e.stdout, "    %s\n", d)
	}
}
