package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestProtocolPresets(t *testing.T) {
	for _, tt := range []struct {
		version uint64
		mode    AcquiresMode
		trans   bool
	}{
		{1, AcquiresStrict, true},
		{2, AcquiresMayTouch, true},
		{3, AcquiresMayTouch, false},
	} {
		c, err := ForProtocol(tt.version)
		if err != nil {
			t.Fatalf("protocol %d: %v", tt.version, err)
		}
		if err := c.Validate(); err != nil {
			t.Errorf("protocol %d: expected a valid preset, got %v", tt.version, err)
		}
		if c.Acquires.Mode != tt.mode || c.Acquires.Transitive != tt.trans {
			t.Errorf("protocol %d: expected %s/transitive=%v, got %+v", tt.version, tt.mode, tt.trans, c.Acquires)
		}
	}
	if _, err := ForProtocol(99); err == nil {
		t.Error("expected an unknown protocol to be rejected")
	}
	if Default().ProtocolVersion != LatestProtocolVersion {
		t.Errorf("expected the default to use protocol %d", LatestProtocolVersion)
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.MaxLoopDepth = 0
	c.MaxLocals = 300
	c.Acquires.Mode = "lenient"
	err := c.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"max_loop_depth must be positive", "max_locals cannot exceed 256", `unknown acquires mode "lenient"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err)
		}
	}
}

func TestFingerprintIgnoresHostSettings(t *testing.T) {
	a := Default()
	b := Default()
	b.Parallelism = 16
	b.ReportUnreachableCode = !a.ReportUnreachableCode
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("expected host-local settings to leave the fingerprint unchanged")
	}
	b.MaxLoopDepth++
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("expected a consensus limit to change the fingerprint")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BCVERIFY_PARALLELISM":      "4",
		"BCVERIFY_PROTOCOL_VERSION": "1",
	}
	c := Default()
	if err := c.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if c.ProtocolVersion != 1 || c.Parallelism != 4 {
		t.Errorf("expected protocol 1 with parallelism 4, got %+v", c)
	}

	env["BCVERIFY_PARALLELISM"] = "many"
	if err := c.ApplyEnv(func(k string) string { return env[k] }); err == nil {
		t.Error("expected a parse error")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifier.json")
	c, _ := ForProtocol(2)
	c.MaxLoopDepth = 7
	if err := c.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fingerprint() != c.Fingerprint() {
		t.Errorf("expected %+v, got %+v", c, got)
	}
}
