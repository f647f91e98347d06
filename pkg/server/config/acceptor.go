package config

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/acceptor/pkg/acceptor"
)

const (
	_defaultAcceptorPort            uint16 = 80
	_defaultAcceptorBindAddress            = "0.0.0.0"
	_defaultAcceptorMaxConnections         = 4
	_defaultAcceptorDispatch               = acceptor.ModeCooperative
	_defaultAcceptorLoopBudget             = 100 * time.Millisecond
	_defaultAcceptorSweepInterval          = time.Millisecond
	_defaultAcceptorShutdownTimeout        = time.Duration(0)
)

// Acceptor is the configuration for acceptor.Server
type Acceptor struct {
	Port           uint16
	BindAddress    string
	MaxConnections int
	// Dispatch is either "cooperative" or "worker".
	Dispatch string
	// WorkerLimit is the maximum number of live workers in worker mode. 0 means MaxConnections.
	WorkerLimit int
	// WorkerPoolSize is the capacity of the worker goroutine pool. 0 means WorkerLimit.
	WorkerPoolSize int
	// LoopBudget is the time given to each scheduling round.
	LoopBudget time.Duration
	// SweepInterval is the pause between two close sweeps when stopping.
	SweepInterval time.Duration
	// ShutdownTimeout bounds stopping, after which connections are aborted. 0 means no bound.
	ShutdownTimeout time.Duration
	// DefaultHeaders are "Name: Value" pairs added to every response, in order.
	DefaultHeaders []string
}

// HeaderField is one parsed default header.
type HeaderField struct {
	Name  string
	Value string
}

func NewAcceptor() *Acceptor {
	return &Acceptor{}
}

// Adjust fills the worker settings derived from the connection limit.
func (a *Acceptor) Adjust() {
	if a.WorkerLimit == 0 {
		a.WorkerLimit = a.MaxConnections
	}
	if a.WorkerPoolSize == 0 {
		a.WorkerPoolSize = a.WorkerLimit
	}
}

func (a *Acceptor) Validate() error {
	if net.ParseIP(a.BindAddress) == nil {
		return errors.Errorf("invalid bind address `%s`", a.BindAddress)
	}
	if a.MaxConnections <= 0 {
		return errors.Errorf("invalid max connections `%d`", a.MaxConnections)
	}
	if a.Dispatch != acceptor.ModeCooperative && a.Dispatch != acceptor.ModeWorker {
		return errors.Errorf("invalid dispatch mode `%s`", a.Dispatch)
	}
	if a.WorkerLimit < 0 {
		return errors.Errorf("invalid worker limit `%d`", a.WorkerLimit)
	}
	if a.WorkerPoolSize < 0 {
		return errors.Errorf("invalid worker pool size `%d`", a.WorkerPoolSize)
	}
	if a.LoopBudget <= 0 {
		return errors.Errorf("invalid loop budget `%s`", a.LoopBudget)
	}
	if a.SweepInterval <= 0 {
		return errors.Errorf("invalid sweep interval `%s`", a.SweepInterval)
	}
	if a.ShutdownTimeout < 0 {
		return errors.Errorf("invalid shutdown timeout `%s`", a.ShutdownTimeout)
	}
	if _, err := a.Headers(); err != nil {
		return errors.Wrap(err, "parse default headers")
	}
	return nil
}

// Headers parses DefaultHeaders keeping their order.
func (a *Acceptor) Headers() ([]HeaderField, error) {
	fields := make([]HeaderField, 0, len(a.DefaultHeaders))
	for _, h := range a.DefaultHeaders {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t\r\n") {
			return nil, errors.Errorf("invalid header `%s`", h)
		}
		fields = append(fields, HeaderField{Name: name, Value: strings.TrimSpace(value)})
	}
	return fields, nil
}

func acceptorConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Uint16("port", _defaultAcceptorPort, "port to accept connections on")
	fs.String("bind-address", _defaultAcceptorBindAddress, "IPv4 or IPv6 address to bind the listener to")
	fs.Int("max-connections", _defaultAcceptorMaxConnections, "number of connection slots, also the listen backlog")
	fs.String("dispatch", _defaultAcceptorDispatch, "how admitted connections run, \"cooperative\" or \"worker\"")
	fs.Int("worker-limit", 0, "maximum number of live workers in worker mode (default ${max-connections})")
	fs.Int("worker-pool-size", 0, "capacity of the worker goroutine pool (default ${worker-limit})")
	fs.Duration("loop-budget", _defaultAcceptorLoopBudget, "time given to each scheduling round")
	fs.Duration("sweep-interval", _defaultAcceptorSweepInterval, "pause between two close sweeps when stopping")
	fs.Duration("shutdown-timeout", _defaultAcceptorShutdownTimeout, "time after which remaining connections are aborted when stopping (zero for no limit)")
	fs.StringSlice("default-headers", nil, "\"Name: Value\" headers added to every response")
	_ = v.BindPFlag("acceptor.port", fs.Lookup("port"))
	_ = v.BindPFlag("acceptor.bindAddress", fs.Lookup("bind-address"))
	_ = v.BindPFlag("acceptor.maxConnections", fs.Lookup("max-connections"))
	_ = v.BindPFlag("acceptor.dispatch", fs.Lookup("dispatch"))
	_ = v.BindPFlag("acceptor.workerLimit", fs.Lookup("worker-limit"))
	_ = v.BindPFlag("acceptor.workerPoolSize", fs.Lookup("worker-pool-size"))
	_ = v.BindPFlag("acceptor.loopBudget", fs.Lookup("loop-budget"))
	_ = v.BindPFlag("acceptor.sweepInterval", fs.Lookup("sweep-interval"))
	_ = v.BindPFlag("acceptor.shutdownTimeout", fs.Lookup("shutdown-timeout"))
	_ = v.BindPFlag("acceptor.defaultHeaders", fs.Lookup("default-headers"))
}
