// Package elproxy implements an EchoLink proxy server: a multi-slot relay
// that authenticates EchoLink clients over TCP and forwards TCP and UDP
// traffic on their behalf to arbitrary EchoLink hosts, using a small binary
// framing protocol over each client's single control connection.
package elproxy

import (
	"fmt"
	"io"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
)

// Config is the immutable-after-load configuration for a Proxy. Fields in
// the first group come from the positional config file named on the command
// line (the KEY=value grammar, parsed with go-envparse since its grammar -
// KEY=value pairs, '#' comments, blank-means-unset - matches exactly).
// Fields in the second group are ambient/operational knobs read from the
// process environment, following the teacher's ATLAS_*-prefixed env vars.
type Config struct {
	// --- config file fields ---

	Port                            uint16
	Password                        string
	BindAddress                     string
	ExternalBindAddress             string
	AdditionalExternalBindAddresses []string
	CallsignsAllowed                string
	CallsignsDenied                 string
	RegistrationName                string
	RegistrationComment             string

	// RegistrationAddress, if set, is advertised to the directory service
	// in place of the primary external bind address (for proxies behind
	// NAT or port forwarding).
	RegistrationAddress string

	// --- ambient environment fields ---

	LogLevel        zerolog.Level `env:"ELPROXY_LOG_LEVEL=info"`
	LogStdout       bool          `env:"ELPROXY_LOG_STDOUT=true"`
	LogStdoutPretty bool          `env:"ELPROXY_LOG_STDOUT_PRETTY=true"`
	LogFile         string        `env:"ELPROXY_LOG_FILE"`

	// AdminAddr, if set, serves /metrics and /healthz on its own listener,
	// separate from the EchoLink-facing port.
	AdminAddr     string `env:"ELPROXY_ADMIN_ADDR"`
	MetricsSecret string `env:"ELPROXY_METRICS_SECRET"`

	// IP2Location, if set, enables optional GeoIP enrichment of log lines.
	IP2Location string `env:"ELPROXY_IP2LOCATION"`

	// RegistrationHARDir is read from the environment but nothing uses it:
	// Proxy never sets the registration reporter's SaveHAR hook, so no HAR
	// archives are written.
	RegistrationHARDir string `env:"ELPROXY_REGISTRATION_HAR_DIR"`

	// RegistrationInterval overrides the default 10-minute reporting
	// period; used by tests.
	RegistrationInterval time.Duration `env:"ELPROXY_REGISTRATION_INTERVAL=10m"`

	// RegistrationHost overrides the directory service host:port; used by
	// tests to point at a stub.
	RegistrationHost string `env:"ELPROXY_REGISTRATION_HOST=www.echolink.org:80"`
}

const defaultPort = 8100

// defaultConfig returns a Config with every optional config-file field
// explicitly defaulted. The ambient fields get their defaults from their env
// tags in UnmarshalEnv.
func defaultConfig() Config {
	return Config{
		Port:                            defaultPort,
		Password:                        "",
		BindAddress:                     "",
		ExternalBindAddress:             "",
		AdditionalExternalBindAddresses: nil,
		CallsignsAllowed:                "",
		CallsignsDenied:                 "",
		RegistrationName:                "",
		RegistrationComment:             "",
		RegistrationAddress:             "",
	}
}

// ParseConfigFile parses the KEY=value config file format: '#' comments,
// trimmed whitespace, blank value means unset. Unknown keys are ignored.
func ParseConfigFile(r io.Reader) (*Config, error) {
	kv, err := envparse.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: parse config file: %w", ErrBadConfig, err)
	}

	c := defaultConfig()

	if v, ok := kv["Port"]; ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: Port: %w", ErrBadConfig, err)
		}
		c.Port = uint16(n)
	}
	if v, ok := kv["Password"]; ok {
		c.Password = v
	}
	if v, ok := kv["BindAddress"]; ok {
		c.BindAddress = v
	}
	if v, ok := kv["ExternalBindAddress"]; ok {
		c.ExternalBindAddress = v
	}
	if v, ok := kv["AdditionalExternalBindAddresses"]; ok && v != "" {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.AdditionalExternalBindAddresses = append(c.AdditionalExternalBindAddresses, a)
			}
		}
	}
	if v, ok := kv["CallsignsAllowed"]; ok {
		c.CallsignsAllowed = v
	}
	if v, ok := kv["CallsignsDenied"]; ok {
		c.CallsignsDenied = v
	}
	if v, ok := kv["RegistrationName"]; ok {
		c.RegistrationName = v
	}
	if v, ok := kv["RegistrationComment"]; ok {
		c.RegistrationComment = v
	}
	if v, ok := kv["RegistrationAddress"]; ok {
		c.RegistrationAddress = v
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks a password is required (the literal "notset" is rejected,
// matching the original's placeholder), and that if additional external bind
// addresses are configured, the primary one must be set and not the
// wildcard.
func (c *Config) Validate() error {
	if c.Password == "" || c.Password == "notset" {
		return fmt.Errorf("%w: Password is required", ErrBadConfig)
	}
	if len(c.AdditionalExternalBindAddresses) > 0 {
		if c.ExternalBindAddress == "" || c.ExternalBindAddress == "0.0.0.0" {
			return fmt.Errorf("%w: ExternalBindAddress must be set (and not 0.0.0.0) when AdditionalExternalBindAddresses is used", ErrBadConfig)
		}
	}
	for _, a := range c.externalBindAddrs() {
		if a != "" {
			if _, err := netip.ParseAddr(a); err != nil {
				return fmt.Errorf("%w: invalid external bind address %q: %w", ErrBadConfig, a, err)
			}
		}
	}
	return nil
}

// IsPublic reports whether the configured password is the literal "PUBLIC"
// sentinel, which doesn't relax the authentication handshake but does flag
// the server as public in registration reports.
func (c *Config) IsPublic() bool {
	return c.Password == "PUBLIC"
}

// externalBindAddrs returns the primary bind address followed by the
// additional ones, in configuration order - one entry per slot.
func (c *Config) externalBindAddrs() []string {
	addrs := make([]string, 0, 1+len(c.AdditionalExternalBindAddresses))
	addrs = append(addrs, c.ExternalBindAddress)
	addrs = append(addrs, c.AdditionalExternalBindAddresses...)
	return addrs
}

// SlotCount returns 1 + len(AdditionalExternalBindAddresses).
func (c *Config) SlotCount() int {
	return 1 + len(c.AdditionalExternalBindAddresses)
}

// UnmarshalEnv fills in c's ambient fields (those tagged `env:"..."`) from
// es (typically os.Environ()), applying the tag's default if the variable is
// unset. This mirrors the teacher's Config.UnmarshalEnv, simplified to the
// handful of scalar kinds elproxy actually needs.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok && strings.HasPrefix(k, "ELPROXY_") {
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
		if v, exists := em[key]; exists {
			val = v
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if b, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(b)
			} else {
				return fmt.Errorf("env %s: parse bool %q: %w", key, val, err)
			}
		case time.Duration:
			if val == "" {
				cvf.Set(reflect.ValueOf(time.Duration(0)))
			} else if d, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(d))
			} else {
				return fmt.Errorf("env %s: parse duration %q: %w", key, val, err)
			}
		case zerolog.Level:
			if lvl, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(lvl))
			} else {
				return fmt.Errorf("env %s: parse log level %q: %w", key, val, err)
			}
		default:
			return fmt.Errorf("env %s: unhandled field type %T", key, cvf.Interface())
		}
	}
	return nil
}
