package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultTLSEnable         = false
	_defaultTLSTicketLifetime = 24 * time.Hour
)

// TLS is the configuration for serving over TLS
type TLS struct {
	Enable   bool
	CertFile string
	KeyFile  string
	// TicketLifetime is how long a session ticket key encrypts new tickets.
	TicketLifetime time.Duration
}

func NewTLS() *TLS {
	return &TLS{}
}

func (t *TLS) Validate() error {
	if !t.Enable {
		return nil
	}
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("both certificate and key files are required")
	}
	if t.TicketLifetime <= 0 {
		return errors.Errorf("invalid ticket lifetime `%s`", t.TicketLifetime)
	}
	return nil
}

func tlsConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Bool("tls-enable", _defaultTLSEnable, "whether to serve over TLS")
	fs.String("tls-cert-file", "", "path to the PEM encoded certificate")
	fs.String("tls-key-file", "", "path to the PEM encoded private key")
	fs.Duration("tls-ticket-lifetime", _defaultTLSTicketLifetime, "time a session ticket key is used before it is rotated")
	_ = v.BindPFlag("tls.enable", fs.Lookup("tls-enable"))
	_ = v.BindPFlag("tls.certFile", fs.Lookup("tls-cert-file"))
	_ = v.BindPFlag("tls.keyFile", fs.Lookup("tls-key-file"))
	_ = v.BindPFlag("tls.ticketLifetime", fs.Lookup("tls-ticket-lifetime"))
}
