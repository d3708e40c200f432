package connmgr

import (
	"context"
	"time"

	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/errors"
)

// SessionInfo identifies a session being validated.
type SessionInfo struct {
	ID   string
	Name string
	Peer string
}

// ValidateFunc approves a session before any of its requests are handled. A non-nil error rejects the session.
type ValidateFunc func(ctx context.Context, session SessionInfo) error

type Conf struct {
	// CallTimeout bounds every call served by a host.
	CallTimeout time.Duration
	// SubChannelTimeout bounds how long an offered stream channel waits for its counterpart to connect.
	SubChannelTimeout time.Duration
	// StreamIdleTimeout fails a stream read that waits longer than this for an item. Zero disables it.
	StreamIdleTimeout       time.Duration
	MaxConcurrentCalls      int
	RetiredSessionCacheSize int
	SessionValidator        ValidateFunc
}

func NewConf() Conf {
	return Conf{
		CallTimeout:             conf.DefaultCallTimeout,
		SubChannelTimeout:       conf.DefaultSubChannelTimeout,
		MaxConcurrentCalls:      conf.DefaultMaxConcurrentCalls,
		RetiredSessionCacheSize: conf.DefaultRetiredSessionCacheSize,
	}
}

// ConfFromConfig takes the connection manager settings from a daemon config that has had defaults applied.
func ConfFromConfig(cfg *conf.Config) Conf {
	c := NewConf()
	if cfg.CallTimeout != nil {
		c.CallTimeout = *cfg.CallTimeout
	}
	if cfg.SubChannelTimeout != nil {
		c.SubChannelTimeout = *cfg.SubChannelTimeout
	}
	if cfg.StreamIdleTimeout != nil {
		c.StreamIdleTimeout = *cfg.StreamIdleTimeout
	}
	if cfg.MaxConcurrentCalls != nil {
		c.MaxConcurrentCalls = *cfg.MaxConcurrentCalls
	}
	if cfg.RetiredSessionCacheSize != nil {
		c.RetiredSessionCacheSize = *cfg.RetiredSessionCacheSize
	}
	return c
}

func (c *Conf) Validate() error {
	if c.CallTimeout <= 0 {
		return errors.NewInvalidConfigurationError("call timeout must be > 0")
	}
	if c.SubChannelTimeout <= 0 {
		return errors.NewInvalidConfigurationError("sub-channel timeout must be > 0")
	}
	if c.StreamIdleTimeout < 0 {
		return errors.NewInvalidConfigurationError("stream idle timeout must be >= 0")
	}
	if c.MaxConcurrentCalls < 1 {
		return errors.NewInvalidConfigurationError("max concurrent calls must be > 0")
	}
	if c.RetiredSessionCacheSize < 1 {
		return errors.NewInvalidConfigurationError("retired session cache size must be > 0")
	}
	return nil
}
