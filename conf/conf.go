package conf

import (
	"strconv"
	"strings"
	"time"

	"github.com/spirit-labs/chanrpc/channame"
	"github.com/spirit-labs/chanrpc/errors"
)

const (
	DefaultListenAddress           = "127.0.0.1:7740"
	DefaultPrefix                  = "chanrpc"
	DefaultMaxQueuedMessages       = 1024
	DefaultMaxFrameSize            = 4 * 1024 * 1024
	DefaultCallTimeout             = 5 * time.Minute
	DefaultSubChannelTimeout       = 10 * time.Second
	DefaultStreamIdleTimeout       = 20 * time.Second
	DefaultMaxConcurrentCalls      = 1000
	DefaultRetiredSessionCacheSize = 10000
	DefaultMetricsBind             = "localhost:9102"
	DefaultMetricsEnabled          = false
	DefaultLifecycleAddress        = "localhost:8913"
	DefaultLifecycleEnabled        = false
)

var validKinds = map[string]struct{}{
	"unary":         {},
	"client-stream": {},
	"server-stream": {},
	"bidi-stream":   {},
}

type Config struct {
	ListenAddress *string
	TLSConfig     TLSConfig `embed:"" prefix:"tls-"`

	// Connection manager config
	Prefix                  *string
	MaxQueuedMessages       *int
	MaxFrameSize            *ParseableInt
	CallTimeout             *time.Duration
	SubChannelTimeout       *time.Duration
	StreamIdleTimeout       *time.Duration
	MaxConcurrentCalls      *int
	RetiredSessionCacheSize *int

	// Proxy config
	ProxyTargets []string `name:"proxy-target" help:"Remote gRPC service to re-expose, as <service>=<host:port>"`
	ProxyMethods []string `name:"proxy-method" help:"Method of a proxied service, as <service>/<method>=<unary|client-stream|server-stream|bidi-stream>"`

	MetricsBind    *string `help:"Bind address for Prometheus metrics."`
	MetricsEnabled *bool

	LifecycleAddress *string `help:"Bind address for the startup, readiness and liveness HTTP endpoints."`
	LifecycleEnabled *bool
}

type ParseableInt int

// UnmarshalText Kong uses default Json Unmrashalling which unmarshalls numbers as float64 which can result in loss of precision
// or failure to parse - this ensures large int fields are parsed correctly
// the field needs to be quoted as a string in the config
func (p *ParseableInt) UnmarshalText(text []byte) error {
	s := string(text)
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*p = ParseableInt(i)
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddress == nil {
		c.ListenAddress = addressOf(DefaultListenAddress)
	}
	if c.Prefix == nil {
		c.Prefix = addressOf(DefaultPrefix)
	}
	if c.MaxQueuedMessages == nil || *c.MaxQueuedMessages == 0 {
		c.MaxQueuedMessages = addressOf(DefaultMaxQueuedMessages)
	}
	if c.MaxFrameSize == nil {
		c.MaxFrameSize = addressOf(ParseableInt(DefaultMaxFrameSize))
	}
	if c.CallTimeout == nil {
		c.CallTimeout = addressOf(DefaultCallTimeout)
	}
	if c.SubChannelTimeout == nil {
		c.SubChannelTimeout = addressOf(DefaultSubChannelTimeout)
	}
	if c.StreamIdleTimeout == nil {
		c.StreamIdleTimeout = addressOf(DefaultStreamIdleTimeout)
	}
	if c.MaxConcurrentCalls == nil {
		c.MaxConcurrentCalls = addressOf(DefaultMaxConcurrentCalls)
	}
	if c.RetiredSessionCacheSize == nil {
		c.RetiredSessionCacheSize = addressOf(DefaultRetiredSessionCacheSize)
	}
	if c.MetricsBind == nil {
		c.MetricsBind = addressOf(DefaultMetricsBind)
	}
	if c.MetricsEnabled == nil {
		c.MetricsEnabled = addressOf(DefaultMetricsEnabled)
	}
	if c.LifecycleAddress == nil {
		c.LifecycleAddress = addressOf(DefaultLifecycleAddress)
	}
	if c.LifecycleEnabled == nil {
		c.LifecycleEnabled = addressOf(DefaultLifecycleEnabled)
	}
}

func (c *Config) Validate() error { //nolint:gocyclo
	if c.ListenAddress == nil || *c.ListenAddress == "" {
		return errors.NewInvalidConfigurationError("listen-address must be specified")
	}
	if c.Prefix == nil {
		return errors.NewInvalidConfigurationError("prefix must be specified")
	}
	if err := channame.ValidatePrefix(*c.Prefix); err != nil {
		return errors.NewInvalidConfigurationError("prefix must not contain spaces")
	}
	if c.MaxQueuedMessages != nil && *c.MaxQueuedMessages < 1 {
		return errors.NewInvalidConfigurationError("max-queued-messages must be > 0")
	}
	if c.MaxFrameSize != nil && *c.MaxFrameSize < 1024 {
		return errors.NewInvalidConfigurationError("max-frame-size must be >= 1024")
	}
	if c.CallTimeout != nil && *c.CallTimeout <= 0 {
		return errors.NewInvalidConfigurationError("call-timeout must be > 0")
	}
	if c.SubChannelTimeout != nil && *c.SubChannelTimeout < time.Millisecond {
		return errors.NewInvalidConfigurationError("sub-channel-timeout must be >= 1ms")
	}
	if c.StreamIdleTimeout != nil && *c.StreamIdleTimeout < 0 {
		return errors.NewInvalidConfigurationError("stream-idle-timeout must be >= 0")
	}
	if c.MaxConcurrentCalls != nil && *c.MaxConcurrentCalls < 1 {
		return errors.NewInvalidConfigurationError("max-concurrent-calls must be > 0")
	}
	if c.RetiredSessionCacheSize != nil && *c.RetiredSessionCacheSize < 1 {
		return errors.NewInvalidConfigurationError("retired-session-cache-size must be > 0")
	}
	if c.MetricsEnabled != nil && *c.MetricsEnabled && (c.MetricsBind == nil || *c.MetricsBind == "") {
		return errors.NewInvalidConfigurationError("metrics-bind must be specified if metrics-enabled is true")
	}
	if c.LifecycleEnabled != nil && *c.LifecycleEnabled && (c.LifecycleAddress == nil || *c.LifecycleAddress == "") {
		return errors.NewInvalidConfigurationError("lifecycle-address must be specified if lifecycle-enabled is true")
	}
	if c.TLSConfig.Enabled {
		if c.TLSConfig.CertPath == "" {
			return errors.NewInvalidConfigurationError("tls-cert-path must be specified if tls-enabled is true")
		}
		if c.TLSConfig.KeyPath == "" {
			return errors.NewInvalidConfigurationError("tls-key-path must be specified if tls-enabled is true")
		}
		if _, ok := clientAuthTypeMap[c.TLSConfig.ClientAuth]; !ok {
			return errors.NewInvalidConfigurationError("tls-client-auth is not a valid client auth mode")
		}
		if c.TLSConfig.ClientAuth != ClientAuthModeNoClientCert && c.TLSConfig.ClientAuth != ClientAuthModeUnspecified &&
			c.TLSConfig.ClientCertsPath == "" {
			return errors.NewInvalidConfigurationError("tls-client-certs-path must be provided if client auth is enabled")
		}
	}
	if _, err := c.ProxyServices(); err != nil {
		return err
	}
	return nil
}

type ProxyService struct {
	Name    string
	Address string
	Methods []ProxyMethod
}

type ProxyMethod struct {
	Name string
	Kind string
}

// ProxyServices parses ProxyTargets and ProxyMethods. Every target must have at least one method and every method must
// belong to a target.
func (c *Config) ProxyServices() ([]ProxyService, error) {
	var services []ProxyService
	index := map[string]int{}
	for _, target := range c.ProxyTargets {
		name, address, ok := strings.Cut(target, "=")
		name, address = strings.TrimSpace(name), strings.TrimSpace(address)
		if !ok || name == "" || address == "" {
			return nil, errors.NewInvalidConfigurationError("proxy-target must be of the form <service>=<host:port>")
		}
		if _, exists := index[name]; exists {
			return nil, errors.NewInvalidConfigurationError("proxy-target " + name + " is specified more than once")
		}
		index[name] = len(services)
		services = append(services, ProxyService{Name: name, Address: address})
	}
	for _, m := range c.ProxyMethods {
		fullName, kind, ok := strings.Cut(m, "=")
		service, method, ok2 := strings.Cut(strings.TrimSpace(fullName), "/")
		kind = strings.TrimSpace(kind)
		if !ok || !ok2 || service == "" || method == "" {
			return nil, errors.NewInvalidConfigurationError("proxy-method must be of the form <service>/<method>=<kind>")
		}
		if _, valid := validKinds[kind]; !valid {
			return nil, errors.NewInvalidConfigurationError("proxy-method " + fullName + " has invalid kind " + kind)
		}
		i, exists := index[service]
		if !exists {
			return nil, errors.NewInvalidConfigurationError("proxy-method " + fullName + " has no proxy-target")
		}
		services[i].Methods = append(services[i].Methods, ProxyMethod{Name: method, Kind: kind})
	}
	for _, s := range services {
		if len(s.Methods) == 0 {
			return nil, errors.NewInvalidConfigurationError("proxy-target " + s.Name + " has no proxy-method")
		}
	}
	return services, nil
}

func addressOf[T any](v T) *T {
	return &v
}
