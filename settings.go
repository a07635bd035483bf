// Package quicbind implements the UDP endpoint binding layer of a QUIC
// stack: the layer directly above the UDP datapath and below per-connection
// state machines. It classifies arriving datagrams, routes them to a
// connection (creating one if needed), and emits the version-independent
// stateless responses a QUIC endpoint must produce (Version Negotiation,
// Stateless Reset, Retry).
package quicbind

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/hashicorp/go-envparse"
)

// Settings is the binding layer's policy surface.
// The env struct tag gives the environment variable name and, after a `?=`,
// its default if missing.
type Settings struct {
	// MaxStatelessOps bounds the number of pending stateless operations a
	// single binding may have in flight at once.
	MaxStatelessOps int `env:"QUICBIND_MAX_STATELESS_OPS?=64"`

	// StatelessOpExpiryMS is how long a pending stateless operation may
	// remain in the cache before it is aged out.
	StatelessOpExpiryMS int64 `env:"QUICBIND_STATELESS_OP_EXPIRY_MS?=500"`

	// RetryMemoryLimit is the fraction (out of MaxUint16) of total process
	// memory devoted to handshakes above which new connections are forced
	// through Retry.
	RetryMemoryLimit uint16 `env:"QUICBIND_RETRY_MEMORY_LIMIT?=16384"`

	// CIDTotalLength is the length, in bytes, of locally-issued connection
	// IDs, including the one allocated for a Retry. Values below
	// wire.QUICIVLength weaken Retry nonce diversity (see DESIGN.md's Open
	// Question decision) and should be avoided.
	CIDTotalLength int `env:"QUICBIND_CID_TOTAL_LENGTH?=16"`
}

// DefaultSettings returns the defaults given in the env struct tags,
// equivalent to loading an empty environment.
func DefaultSettings() Settings {
	var s Settings
	if err := s.unmarshalEnv(nil, false); err != nil {
		panic(err) // defaults are fixed at compile time; can't fail
	}
	return s
}

// LoadSettingsEnviron parses `KEY=VALUE` lines (as produced by an
// EnvironmentFile) and overlays them on the defaults.
func LoadSettingsEnviron(r io.Reader) (Settings, error) {
	m, err := envparse.Parse(r)
	if err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	es := make([]string, 0, len(m))
	for k, v := range m {
		es = append(es, k+"="+v)
	}
	var s Settings
	if err := s.unmarshalEnv(es, false); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) unmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}
	cv := reflect.ValueOf(s).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, val, _ := strings.Cut(env, "=")
		key = strings.TrimSuffix(key, "?")
		if v, exists := em[key]; exists {
			val = v
			delete(em, key)
		} else if incremental {
			continue
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case uint16:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 16); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		default:
			return fmt.Errorf("unhandled settings field type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
