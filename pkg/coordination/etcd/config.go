package etcd

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Config holds the connection settings of the etcd backend.
type Config struct {
	Endpoints       []string
	DialTimeout     time.Duration
	SessionTTL      time.Duration // lifetime of ephemeral nodes after the connection is lost
	RetryCount      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	Username        string
	Password        string
	Logger          *zap.Logger
}

// Sanitize fills in defaults for unset fields.
func (c *Config) Sanitize() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.SessionTTL < time.Second {
		c.SessionTTL = 10 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.RetryMaxBackoff < c.RetryBackoff {
		c.RetryMaxBackoff = c.RetryBackoff
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("coordination/etcd: at least one endpoint is required")
	}
	return nil
}
