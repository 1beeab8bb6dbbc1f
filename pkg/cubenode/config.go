// Package cubenode wires pkg/cubestate, pkg/dispatch, and pkg/admission
// into the node-level API spec.md §6 describes: connect, send, broadcast,
// recv, shutdown, and the am_willing/neighbor_disconnected policy hooks.
package cubenode

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds a cube node's configuration. The env struct tag contains the
// environment variable name and the default value if missing, or empty (if
// not ?=). String arrays are comma-separated, matching pkg/atlas/config.go's
// convention.
type Config struct {
	// The address to listen for inbound cube links on.
	Addr netip.AddrPort `env:"CUBE_ADDR=:9850"`

	// The transport address of an existing node to bootstrap admission
	// through. If empty, this node starts a fresh single-node cube at
	// address 0 and waits for inbound Connect calls instead.
	BootstrapINN netip.AddrPort `env:"CUBE_BOOTSTRAP_INN"`

	// Hex-encoded AES key (32, 48, or 64 hex characters for AES-128/192/256)
	// used to seal every frame exchanged over cube links. If empty, frames
	// are sent in the clear. If it begins with @, it is treated as the name
	// of a systemd credential to load.
	EnvelopeKey string `env:"CUBE_ENVELOPE_KEY" sdcreds:"load,trimspace"`

	// Comma-separated list of transport address prefixes (CIDR) this node
	// will refuse admission requests from, reloaded on SIGHUP. An empty list
	// accepts everyone (am_willing always true).
	DenyPrefixes []string `env:"CUBE_DENY_PREFIXES"`

	// How long a Connect call will wait for the admission protocol to
	// complete before giving up.
	ConnectTimeout time.Duration `env:"CUBE_CONNECT_TIMEOUT=30s"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"CUBE_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"CUBE_LOG_STDOUT=true"`

	// Whether to use pretty logs.
	LogStdoutPretty bool `env:"CUBE_LOG_STDOUT_PRETTY=true"`

	// The address to serve /metrics on. If empty, no metrics server is
	// started.
	MetricsAddr string `env:"CUBE_METRICS_ADDR"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values
// will not be set for missing env vars, but only for empty ones. Grounded
// on pkg/atlas/config.go's reflection-based UnmarshalEnv.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "CUBE_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			v, err := sdcreds(v, ctf.Tag.Get("sdcreds"))
			if err != nil {
				return fmt.Errorf("env %s: expand systemd credentials: %w", key, err)
			}
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
