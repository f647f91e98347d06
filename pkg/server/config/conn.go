package config

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultConnIdleTimeout      = 30 * time.Second
	_defaultConnStepTimeout      = time.Millisecond
	_defaultConnPollInterval     = 100 * time.Millisecond
	_defaultConnWriteTimeout     = 5 * time.Second
	_defaultConnHandshakeTimeout = 5 * time.Second
	_defaultConnBufferSize       = 2048
	_defaultConnStatus           = http.StatusOK
	_defaultConnBody             = ""

	_minConnBufferSize = 64
)

// Conn is the configuration for conn.Conn
type Conn struct {
	// IdleTimeout closes connections which received nothing for this long. 0 means never.
	IdleTimeout time.Duration
	// StepTimeout bounds the read of one cooperative step.
	StepTimeout time.Duration
	// PollInterval bounds each read of a worker.
	PollInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// BufferSize is the largest request head accepted, in bytes.
	BufferSize int

	Status int
	Body   string
}

func NewConn() *Conn {
	return &Conn{}
}

func (c *Conn) Validate() error {
	if c.IdleTimeout < 0 {
		return errors.Errorf("invalid idle timeout `%s`", c.IdleTimeout)
	}
	if c.StepTimeout <= 0 {
		return errors.Errorf("invalid step timeout `%s`", c.StepTimeout)
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("invalid poll interval `%s`", c.PollInterval)
	}
	if c.WriteTimeout < 0 {
		return errors.Errorf("invalid write timeout `%s`", c.WriteTimeout)
	}
	if c.HandshakeTimeout < 0 {
		return errors.Errorf("invalid handshake timeout `%s`", c.HandshakeTimeout)
	}
	if c.BufferSize < _minConnBufferSize {
		return errors.Errorf("invalid buffer size `%d`, at least %d", c.BufferSize, _minConnBufferSize)
	}
	if http.StatusText(c.Status) == "" {
		return errors.Errorf("invalid status `%d`", c.Status)
	}
	return nil
}

func connConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Duration("conn-idle-timeout", _defaultConnIdleTimeout, "time after which an idle connection is closed (zero for no timeout)")
	fs.Duration("conn-step-timeout", _defaultConnStepTimeout, "maximum time a cooperative step waits for data")
	fs.Duration("conn-poll-interval", _defaultConnPollInterval, "maximum time a worker waits for data before checking for pending connections")
	fs.Duration("conn-write-timeout", _defaultConnWriteTimeout, "maximum time to write one response (zero for no timeout)")
	fs.Duration("conn-handshake-timeout", _defaultConnHandshakeTimeout, "maximum time of a TLS handshake (zero for no timeout)")
	fs.Int("conn-buffer-size", _defaultConnBufferSize, "size in bytes of the per-connection read buffer, also the largest request head accepted")
	fs.Int("conn-status", _defaultConnStatus, "status code of every response")
	fs.String("conn-body", _defaultConnBody, "body of every response")
	_ = v.BindPFlag("conn.idleTimeout", fs.Lookup("conn-idle-timeout"))
	_ = v.BindPFlag("conn.stepTimeout", fs.Lookup("conn-step-timeout"))
	_ = v.BindPFlag("conn.pollInterval", fs.Lookup("conn-poll-interval"))
	_ = v.BindPFlag("conn.writeTimeout", fs.Lookup("conn-write-timeout"))
	_ = v.BindPFlag("conn.handshakeTimeout", fs.Lookup("conn-handshake-timeout"))
	_ = v.BindPFlag("conn.bufferSize", fs.Lookup("conn-buffer-size"))
	_ = v.BindPFlag("conn.status", fs.Lookup("conn-status"))
	_ = v.BindPFlag("conn.body", fs.Lookup("conn-body"))
}
