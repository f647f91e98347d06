package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Status is the configuration for the status endpoint
type Status struct {
	// Addr is the address the status endpoint listens on. Empty disables it.
	Addr string
}

func NewStatus() *Status {
	return &Status{}
}

func statusConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("status-addr", "", "address of the status and metrics endpoint (empty to disable)")
	_ = v.BindPFlag("status.addr", fs.Lookup("status-addr"))
}
