package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btclog"
)

func TestSetLevels(t *testing.T) {
	var buf bytes.Buffer
	l, err := SetupLogging(&buf, "warn,VRFY=trace,srvr=off")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]btclog.Level{
		SubsystemVerifier: btclog.LevelTrace,
		SubsystemServer:   btclog.LevelOff,
		SubsystemRegistry: btclog.LevelWarn,
		SubsystemCLI:      btclog.LevelWarn,
	}
	for tag, lvl := range want {
		if got := l.Subsystem(tag).Level(); got != lvl {
			t.Errorf("%s: expected %v, got %v", tag, lvl, got)
		}
	}
	if l.Subsystem("NOPE") != btclog.Disabled {
		t.Error("expected the disabled logger for an unknown tag")
	}
}

func TestSetLevelsErrors(t *testing.T) {
	for _, spec := range []string{"loud", "VRFY=loud", "NOPE=info"} {
		if _, err := SetupLogging(&bytes.Buffer{}, spec); err == nil {
			t.Errorf("%q: expected an error", spec)
		}
	}
}

func TestLevelFromEnvironment(t *testing.T) {
	t.Setenv(LogLevelEnv, "debug")
	l, err := SetupLogging(&bytes.Buffer{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.Subsystem(SubsystemLoader).Level(); got != btclog.LevelDebug {
		t.Errorf("expected debug, got %v", got)
	}
}

func TestLoggerFacade(t *testing.T) {
	var buf bytes.Buffer
	l, err := SetupLogging(&buf, "info")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger := NewLogger(l.Subsystem(SubsystemCLI))
	logger.Debug("hidden")
	logger.Warn("verified %d modules", 3)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug output to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[WRN] BCVF: verified 3 modules") {
		t.Errorf("expected a tagged warning, got %q", out)
	}
}

func TestPrintVersionJSON(t *testing.T) {
	var buf bytes.Buffer
	PrintVersion(&buf, "bcverify", GetVersionInfo(3), true)
	var out struct {
		Tool string      `json:"tool"`
		Info VersionInfo `json:"version_info"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Tool != "bcverify" || out.Info.Version != Version || out.Info.ProtocolVersion != 3 {
		t.Errorf("unexpected version output: %+v", out)
	}
}
