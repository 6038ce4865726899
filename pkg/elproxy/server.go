package elproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// proxyState is the orchestrator's lifecycle, per the documented state
// machine: Uninitialized -> Initialized -> Open -> Running ->
// Shutdown requested -> Closed -> Freed. Freed has no Go representation
// beyond the Proxy value becoming eligible for garbage collection once
// nothing references it anymore, the way the design notes call for
// dropping the source's PIMPL/opaque-state pattern entirely.
type proxyState int

const (
	stateUninitialized proxyState = iota
	stateInitialized
	stateOpen
	stateRunning
	stateShutdownRequested
	stateClosed
)

// Proxy is the EchoLink proxy server orchestrator: it owns the slot pool,
// worker pool, listener, and registration reporter, and drives their
// lifecycle in lock-step.
type Proxy struct {
	config    *Config
	logger    zerolog.Logger
	callsigns *callsignFilter
	metrics   *proxyMetrics
	geoip     *geoIPMgr

	reload []func()

	mu    sync.Mutex
	state proxyState

	pool         *slotPool
	workers      *workerPool
	workersList  []*clientWorker
	registration *registration
	listener     net.Listener
}

// NewProxy validates c and constructs a Proxy in the Initialized state; no
// sockets are opened yet.
func NewProxy(c *Config) (*Proxy, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	p := &Proxy{config: c, state: stateInitialized}

	l, reopen, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	p.logger = l
	if reopen != nil {
		p.reload = append(p.reload, reopen)
	}

	cf, err := newCallsignFilter(c.CallsignsAllowed, c.CallsignsDenied)
	if err != nil {
		return nil, fmt.Errorf("%w: compile callsign filter: %v", ErrBadConfig, err)
	}
	p.callsigns = cf

	if c.IP2Location != "" {
		mgr := new(geoIPMgr)
		if err := mgr.Load(c.IP2Location); err != nil {
			return nil, fmt.Errorf("%w: load ip2location database: %v", ErrBadConfig, err)
		}
		p.geoip = mgr
		p.reload = append(p.reload, func() {
			if err := mgr.Load(""); err != nil {
				p.logger.Err(err).Msg("failed to reload ip2location database")
			}
		})
	}

	return p, nil
}

// Open constructs the slot pool, worker pool, and registration reporter,
// and binds every slot's outbound sockets. No listening socket is opened
// and no goroutines are started yet.
func (p *Proxy) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateInitialized {
		return fmt.Errorf("%w: Open called out of order", ErrBadConfig)
	}

	p.metrics = newProxyMetrics(
		func() float64 { return p.pool.total() },
		func() float64 { return p.pool.used() },
		func() float64 { return p.workers.idleCount() },
	)

	addrs := p.config.externalBindAddrs()
	slots := make([]*slot, 0, len(addrs))
	for i, addr := range addrs {
		s, err := newSlot(i, addr, p.logger, p.metrics)
		if err != nil {
			for _, done := range slots {
				done.stop()
			}
			return fmt.Errorf("open slot %d: %w", i, err)
		}
		s.onDrop = (*slot).dropClient
		slots = append(slots, s)
	}
	p.pool = newSlotPool(slots)

	p.workers = newWorkerPool()
	p.workersList = make([]*clientWorker, 0, len(slots))
	for i := range slots {
		cw := newClientWorker(i, p)
		p.workersList = append(p.workersList, cw)
	}

	p.registration = newRegistration(p.config, p.logger.With().Str("component", "registration").Logger(), p.metrics)

	p.state = stateOpen
	return nil
}

// Start spawns every slot's forwarders, every client worker, the
// registration reporter, and opens the listening socket, then begins
// accepting connections in the background.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateOpen {
		return fmt.Errorf("%w: Start called out of order", ErrBadConfig)
	}

	for _, s := range p.pool.slots {
		if err := s.start(); err != nil {
			return fmt.Errorf("start slot: %w", err)
		}
	}
	for _, w := range p.workersList {
		if err := w.start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		p.workers.pushIdle(w)
	}
	if err := p.registration.start(); err != nil {
		return fmt.Errorf("start registration: %w", err)
	}

	ln, err := listen(ctx, p.config.BindAddress, int(p.config.Port))
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrBadConfig, err)
	}
	p.listener = ln

	go acceptLoop(ln, p.logger, p.pool, p.workers)

	p.state = stateRunning
	p.logger.Info().Str("bind", ln.Addr().String()).Int("slots", len(p.pool.slots)).Msg("listening")
	return nil
}

// Addr returns the EchoLink-facing listener's address. It is only valid
// once Start has returned successfully; callers that need the ephemeral
// port assigned by Port: 0 (as test harnesses do) should call this after
// Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// requestRegistrationUpdate tells the registration reporter to recompute
// and immediately re-send its status, based on the current slot occupancy.
func (p *Proxy) requestRegistrationUpdate() {
	if p.registration == nil {
		return
	}
	p.registration.update(int(p.pool.used()), int(p.pool.total()))
}

// Shutdown stops accepting new clients and marks the proxy as going away in
// its next registration report; already-connected clients keep being
// served until they disconnect.
func (p *Proxy) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return fmt.Errorf("%w: Shutdown called out of order", ErrBadConfig)
	}

	p.pool.Shutdown()
	if p.registration != nil {
		p.registration.markOff()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.state = stateShutdownRequested
	return nil
}

// Close drops every connected client, stops every worker and slot
// forwarder, and releases all resources. It blocks until every goroutine
// has exited.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateShutdownRequested && p.state != stateRunning {
		return fmt.Errorf("%w: Close called out of order", ErrBadConfig)
	}
	if p.state == stateRunning {
		p.pool.Shutdown()
		if p.listener != nil {
			p.listener.Close()
		}
	}

	for _, s := range p.pool.slots {
		s.dropClient()
	}
	for _, w := range p.workersList {
		w.w.Join()
	}
	for _, s := range p.pool.slots {
		s.stop()
	}
	if p.registration != nil {
		p.registration.join()
	}

	p.state = stateClosed
	return nil
}

// HandleSIGHUP re-runs every reload hook (log file reopen, GeoIP database
// reload) without otherwise disturbing server state, mirroring the
// teacher's Server.HandleSIGHUP.
func (p *Proxy) HandleSIGHUP() {
	for _, fn := range p.reload {
		if fn != nil {
			fn()
		}
	}
}

// ServeAdmin serves /metrics and /healthz on addr until ctx is canceled.
// It's optional: elproxy runs fine with no admin listener configured.
func (p *Proxy) ServeAdmin(ctx context.Context, addr string) error {
	mux := newAdminMux(p.metrics, p.config.MetricsSecret, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.state == stateRunning
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errch:
		return err
	}
}

func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{Out: os.Stdout}, c.LogLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				}
				return nil
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}
