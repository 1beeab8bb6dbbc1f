package cubenode

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if want := netip.MustParseAddrPort("[::]:9850"); c.Addr != want {
		t.Errorf("Addr = %v, want %v", c.Addr, want)
	}
	if c.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", c.ConnectTimeout)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
	if !c.LogStdout {
		t.Error("LogStdout default should be true")
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"CUBE_ADDR=127.0.0.1:20000",
		"CUBE_BOOTSTRAP_INN=127.0.0.1:20001",
		"CUBE_DENY_PREFIXES=10.0.0.0/8,192.168.0.0/16",
		"CUBE_CONNECT_TIMEOUT=5s",
		"CUBE_LOG_LEVEL=warn",
	}, false)
	if err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if want := netip.MustParseAddrPort("127.0.0.1:20000"); c.Addr != want {
		t.Errorf("Addr = %v, want %v", c.Addr, want)
	}
	if want := netip.MustParseAddrPort("127.0.0.1:20001"); c.BootstrapINN != want {
		t.Errorf("BootstrapINN = %v, want %v", c.BootstrapINN, want)
	}
	if len(c.DenyPrefixes) != 2 {
		t.Fatalf("DenyPrefixes = %v, want 2 entries", c.DenyPrefixes)
	}
	if c.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", c.ConnectTimeout)
	}
	if c.LogLevel != zerolog.WarnLevel {
		t.Errorf("LogLevel = %v, want warn", c.LogLevel)
	}
}

func TestUnmarshalEnvRejectsUnknownVar(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"CUBE_NOT_A_REAL_VAR=1"}, false)
	if err == nil {
		t.Fatal("expected an error for an unknown CUBE_ variable")
	}
}

func TestUnmarshalEnvIncrementalKeepsDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"CUBE_ADDR=127.0.0.1:30000"}, false); err != nil {
		t.Fatalf("initial UnmarshalEnv: %v", err)
	}
	if err := c.UnmarshalEnv([]string{"CUBE_LOG_LEVEL=error"}, true); err != nil {
		t.Fatalf("incremental UnmarshalEnv: %v", err)
	}
	if want := netip.MustParseAddrPort("127.0.0.1:30000"); c.Addr != want {
		t.Errorf("incremental update should not reset Addr, got %v", c.Addr)
	}
	if c.LogLevel != zerolog.ErrorLevel {
		t.Errorf("LogLevel = %v, want error", c.LogLevel)
	}
}
