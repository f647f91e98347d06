package acceptor

import (
	"context"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/acceptor/pkg/util/logutil"
	"github.com/AutoMQ/acceptor/pkg/util/traceutil"
)

// Dispatch modes.
const (
	ModeCooperative = "cooperative"
	ModeWorker      = "worker"
)

// ErrWorkersExhausted is returned by a worker dispatcher which already runs as many workers as allowed.
var ErrWorkersExhausted = errors.New("workers exhausted")

// Dispatcher decides where an admitted connection runs.
// A Server uses exactly one Dispatcher for its whole life.
type Dispatcher interface {
	// Name returns the dispatch mode.
	Name() string

	// Dispatch starts an admitted, initialized connection. A non-nil error means
	// the connection could not be started and its slot must be rolled back.
	// pending is the server's admission signal.
	Dispatch(c Conn, pending <-chan struct{}) error

	// Step gives a connection one unit of work from the server's own goroutine.
	Step(c Conn)

	// Close releases the dispatcher. Running connections are not waited for.
	Close()
}

// NewDispatcher creates a dispatcher by mode name.
func NewDispatcher(ctx context.Context, mode string, cfg WorkerConfig, logger *zap.Logger) (Dispatcher, error) {
	switch mode {
	case ModeCooperative:
		return NewCooperative(), nil
	case ModeWorker:
		return NewWorkerPool(ctx, cfg, logger), nil
	default:
		return nil, errors.Errorf("unknown dispatch mode `%s`", mode)
	}
}

type cooperative struct{}

// NewCooperative returns a dispatcher which runs every connection inline: the accept
// happens inside Dispatch and each Loop call steps every connection once.
func NewCooperative() Dispatcher {
	return cooperative{}
}

func (cooperative) Name() string {
	return ModeCooperative
}

func (cooperative) Dispatch(c Conn, _ <-chan struct{}) error {
	return errors.Wrap(c.Accept(), "accept connection")
}

func (cooperative) Step(c Conn) {
	c.Step()
}

func (cooperative) Close() {}

// WorkerConfig configures a worker dispatcher.
type WorkerConfig struct {
	// Limit is the maximum number of workers alive at the same time.
	Limit int
	// PoolSize is the capacity of the underlying goroutine pool.
	PoolSize int
}

// WorkerPool runs each connection on its own worker.
type WorkerPool struct {
	limit int
	pool  gopool.Pool
	tasks cmap.ConcurrentMap[string, Conn]

	ctx    context.Context
	cancel context.CancelFunc

	lg *zap.Logger
}

// NewWorkerPool creates a worker dispatcher. Workers stop serving when ctx is done or Close is called.
func NewWorkerPool(ctx context.Context, cfg WorkerConfig, logger *zap.Logger) *WorkerPool {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = cfg.Limit
	}
	w := &WorkerPool{
		limit: cfg.Limit,
		pool:  gopool.NewPool("acceptor-worker", int32(poolSize), gopool.NewConfig()),
		tasks: cmap.New[Conn](),
		lg:    logger,
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.pool.SetPanicHandler(func(_ context.Context, e interface{}) {
		logger.Error("panic in connection worker", zap.Reflect("recover", e), zap.Stack("stack"))
	})
	return w
}

func (w *WorkerPool) Name() string {
	return ModeWorker
}

// Dispatch starts a worker which accepts the connection and then serves it until it terminates.
func (w *WorkerPool) Dispatch(c Conn, pending <-chan struct{}) error {
	if w.ctx.Err() != nil {
		return errors.Wrap(w.ctx.Err(), "dispatch connection")
	}
	if w.limit > 0 && w.live() >= w.limit {
		return ErrWorkersExhausted
	}

	id := uuid.NewString()
	w.tasks.Set(id, c)
	w.pool.CtxGo(w.ctx, func() {
		w.run(id, c, pending)
	})
	w.lg.Debug("started connection worker", zap.String("trace-id", id))
	return nil
}

func (w *WorkerPool) run(id string, c Conn, pending <-chan struct{}) {
	ctx := traceutil.WithTraceID(w.ctx, id)
	logger := traceutil.Logger(ctx, w.lg)
	defer w.tasks.Remove(id)
	defer logutil.LogPanic(logger)

	if err := c.Accept(); err != nil {
		logger.Warn("failed to accept connection in worker", zap.Error(err))
		return
	}
	c.Serve(ctx, pending)
	logger.Debug("ending connection worker")
}

// live counts workers whose connection has not terminated yet. A worker may stay
// registered for a moment after its connection terminated.
func (w *WorkerPool) live() int {
	n := 0
	w.tasks.IterCb(func(_ string, c Conn) {
		if !c.IsTerminated() {
			n++
		}
	})
	return n
}

// Step is a no-op, workers serve their own connections.
func (*WorkerPool) Step(Conn) {}

// Running returns the number of live workers.
func (w *WorkerPool) Running() int {
	return w.tasks.Count()
}

// Close cancels the context handed to every worker.
func (w *WorkerPool) Close() {
	w.cancel()
}
