package binding

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Config holds the tunables spec.md §6 enumerates. The env struct tag
// mirrors pkg/atlas.Config's convention exactly: the environment variable
// name, with an optional "?=default" suffix for explicitly-settable-empty
// defaults.
type Config struct {
	// ShareBinding: if false, the binding is exclusive (spec.md §3).
	ShareBinding bool `env:"MSQUIC_SHARE_BINDING=true"`

	// LocalAddress/RemoteAddress: optional bind/connect addresses. A valid
	// RemoteAddress makes the binding "connected".
	LocalAddress  netip.AddrPort `env:"MSQUIC_LOCAL_ADDRESS"`
	RemoteAddress netip.AddrPort `env:"MSQUIC_REMOTE_ADDRESS"`

	// CompartmentID: network-stack scope applied while creating the
	// datapath binding and reverted afterwards (spec.md §9; a no-op
	// outside Windows, see pkg/datapath/compartment_windows.go).
	CompartmentID int `env:"MSQUIC_COMPARTMENT_ID"`

	StatelessOpExpiration           time.Duration `env:"MSQUIC_STATELESS_OP_EXPIRATION=200ms"`
	MaxBindingStatelessOperations   int           `env:"MSQUIC_MAX_BINDING_STATELESS_OPERATIONS=1000"`
	RecommendedStatelessResetLength int           `env:"MSQUIC_RECOMMENDED_STATELESS_RESET_PACKET_LENGTH=43"`
	MinStatelessResetLength         int           `env:"MSQUIC_MIN_STATELESS_RESET_PACKET_LENGTH=21"`
	StatelessResetTokenLength       int           `env:"MSQUIC_STATELESS_RESET_TOKEN_LENGTH=16"`
	ConnectionIDLength              int           `env:"MSQUIC_CONNECTION_ID_LENGTH=10"`
	MinInitialCIDLength             int           `env:"MSQUIC_MIN_INITIAL_CID_LENGTH=8"`

	// RetryMemoryLimit is the numerator of a fraction of TotalMemory (out
	// of UINT16Max) above which new handshakes require a Retry, per
	// spec.md §4.5.
	RetryMemoryLimit int `env:"MSQUIC_RETRY_MEMORY_LIMIT=65"`

	WorkerCount     int `env:"MSQUIC_WORKER_COUNT=4"`
	WorkerQueueSize int `env:"MSQUIC_WORKER_QUEUE_SIZE=256"`
}

// UINT16Max matches spec.md §4.5/§6's "retry_memory_limit * total_memory /
// UINT16_MAX" formula.
const UINT16Max = 1<<16 - 1

// DefaultConfig returns a Config populated the same way UnmarshalEnv(nil)
// would: every field at its documented default.
func DefaultConfig() Config {
	var c Config
	_ = c.UnmarshalEnv(nil)
	return c
}

// UnmarshalEnv parses es (a list of "KEY=VALUE" strings, e.g. os.Environ())
// into c, following the field-by-field reflect-driven approach of
// pkg/atlas.Config.UnmarshalEnv: every field with an `env:"..."` tag is set
// from the matching variable if present, or from the tag's default
// otherwise.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok && strings.HasPrefix(k, "MSQUIC_") {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, val, _ := strings.Cut(env, "=")
		key = strings.TrimSuffix(key, "?")

		if v, exists := em[key]; exists {
			val = v
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
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
		case time.Duration:
			if val == "" {
				cvf.Set(reflect.ValueOf(time.Duration(0)))
			} else if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("env %s: unsupported field type %s", key, ctf.Type)
		}
	}
	return nil
}
