package gridnet

import (
	"fmt"
	"log"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
)

// ServiceState advances monotonically through the lifecycle.
type ServiceState int32

const (
	ServiceInitial ServiceState = iota
	ServiceStarting
	ServiceStarted
	ServiceStopping
	ServiceStopped
)

func (s ServiceState) String() string {
	switch s {
	case ServiceInitial:
		return "initial"
	case ServiceStarting:
		return "starting"
	case ServiceStarted:
		return "started"
	case ServiceStopping:
		return "stopping"
	case ServiceStopped:
		return "stopped"
	}
	return "unknown"
}

// ServiceEvent is a lifecycle notification delivered on the dispatcher.
type ServiceEvent int

const (
	ServiceEventStarted ServiceEvent = iota
	ServiceEventStopping
	ServiceEventStopped
)

// dispatcherDrain is the grace period given to the dispatcher on shutdown.
const dispatcherDrain = time.Second

// Service owns exactly one service goroutine, which performs all connection
// and channel state transitions, and one event dispatcher goroutine, which
// performs all listener callbacks. Other goroutines interact by posting work.
type Service struct {
	name   string
	cfg    *Config
	logger *log.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	state     ServiceState
	accepting bool
	startErr  error
	queue     []func()

	acceptingCh chan struct{}
	stoppingCh  chan struct{}
	stoppedCh   chan struct{}

	dispatcher *Dispatcher

	receivers map[string]Receiver
	conns     map[*Connection]struct{}
	listeners []func(ServiceEvent)

	timerStop chan struct{}
	timerWG   sync.WaitGroup
}

// NewService creates a service in the Initial state.
func NewService(name string, opts ...Option) *Service {
	cfg := applyConfig(opts)
	s := &Service{
		name:        name,
		cfg:         cfg,
		logger:      cfg.logger,
		acceptingCh: make(chan struct{}),
		stoppingCh:  make(chan struct{}),
		stoppedCh:   make(chan struct{}),
		receivers:   make(map[string]Receiver),
		conns:       make(map[*Connection]struct{}),
		timerStop:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.dispatcher = NewDispatcher(cfg.logger, cfg.cloggedCount, cfg.cloggedDelay)
	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Config returns the service configuration.
func (s *Service) Config() *Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Service) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the service and dispatcher goroutines and blocks until the
// service is accepting clients or the start has failed.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != ServiceInitial {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: service %s is %s", ErrServiceStartFailed, s.name, state)
	}
	if err := s.cfg.Validate(); err != nil {
		s.state = ServiceStopped
		close(s.stoppingCh)
		close(s.stoppedCh)
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrServiceStartFailed, err)
	}
	s.state = ServiceStarting
	s.cond.Broadcast()
	s.mu.Unlock()

	go s.dispatcher.Run()
	go s.serviceLoop()

	// The first task the loop runs flips the service to Started and opens
	// the acceptance gate.
	s.Post(func() {
		s.mu.Lock()
		s.state = ServiceStarted
		s.accepting = true
		close(s.acceptingCh)
		s.cond.Broadcast()
		s.mu.Unlock()
		s.emit(ServiceEventStarted)
		s.logger.Printf("[INFO] gridnet: service %s started", s.name)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for !(s.state == ServiceStarted && s.accepting) && s.startErr == nil && s.state != ServiceStopped {
		s.cond.Wait()
	}
	if s.startErr != nil {
		return fmt.Errorf("%w: %v", ErrServiceStartFailed, s.startErr)
	}
	if s.state != ServiceStarted {
		return fmt.Errorf("%w: service %s stopped during start", ErrServiceStartFailed, s.name)
	}
	return nil
}

// recordStartFailure records the cause surfaced by Start.
func (s *Service) recordStartFailure(err error) {
	s.mu.Lock()
	if s.startErr == nil {
		s.startErr = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Post enqueues work for the service goroutine. The queue is unbounded FIFO.
func (s *Service) Post(task func()) {
	s.mu.Lock()
	if s.state == ServiceStopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, task)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// serviceLoop is the service thread. It drains the task queue and exits once
// the service is stopping and no work remains.
func (s *Service) serviceLoop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.state < ServiceStopping {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.state >= ServiceStopping {
			s.mu.Unlock()
			s.finishStop()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.runTask(task)
	}
}

func (s *Service) runTask(task func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("[ERR] gridnet: service %s task panic: %v", s.name, r)
		}
		elapsed := time.Since(start)
		metrics.MeasureSince([]string{"gridnet", "service", "task"}, start)
		if s.cfg.taskHungThreshold > 0 && elapsed > s.cfg.taskHungThreshold {
			s.logger.Printf("[WARN] gridnet: service %s task ran %s, over hung threshold %s",
				s.name, elapsed, s.cfg.taskHungThreshold)
		}
	}()
	task()
}

// schedule posts task every interval until the service stops. It backs the
// connection ping timers.
func (s *Service) schedule(interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	s.timerWG.Add(1)
	go func() {
		defer s.timerWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Post(task)
			case <-s.timerStop:
				return
			}
		}
	}()
}

// WaitAcceptingClients blocks until the service accepts clients. It is the
// public barrier used by client operations. timeout <= 0 waits indefinitely.
func (s *Service) WaitAcceptingClients(timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-s.acceptingCh:
		return nil
	case <-s.stoppingCh:
		return ErrNotReady
	case <-deadline:
		return ErrNotReady
	}
}

// IsAccepting reports whether client operations are admitted.
func (s *Service) IsAccepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// RegisterReceiver makes a named receiver available to peers opening
// channels toward this side.
func (s *Service) RegisterReceiver(name string, r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers[name] = r
}

// LookupReceiver returns the receiver registered under name.
func (s *Service) LookupReceiver(name string) (Receiver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receivers[name]
	return r, ok
}

// AddLifecycleListener registers a listener for service lifecycle events.
// Listeners run on the dispatcher.
func (s *Service) AddLifecycleListener(l func(ServiceEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) emit(ev ServiceEvent) {
	s.mu.Lock()
	listeners := make([]func(ServiceEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l := l
		s.dispatcher.Post(func() { l(ev) })
	}
}

// Dispatch posts an event callback to the dispatcher thread.
func (s *Service) Dispatch(ev func()) {
	s.dispatcher.Post(ev)
}

func (s *Service) registerConnection(c *Connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// connectionClosed is the manager notification invoked when a connection
// reaches the closed state.
func (s *Service) connectionClosed(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown requests a graceful stop and blocks until the service is stopped.
// Connections are closed while the service thread still runs; only then does
// the thread drain out and stop.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	switch s.state {
	case ServiceInitial:
		s.state = ServiceStopped
		close(s.stoppingCh)
		close(s.stoppedCh)
		s.cond.Broadcast()
		s.mu.Unlock()
		return nil
	case ServiceStopping, ServiceStopped:
		s.mu.Unlock()
		<-s.stoppedCh
		return nil
	}
	s.accepting = false
	close(s.stoppingCh)
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.emit(ServiceEventStopping)

	var errs *multierror.Error
	for _, c := range conns {
		if err := c.Close(); err != nil && err != ErrConnectionClosed {
			errs = multierror.Append(errs, err)
		}
	}

	s.mu.Lock()
	s.state = ServiceStopping
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.stoppedCh
	return errs.ErrorOrNil()
}

// finishStop runs once on the service thread as it exits.
func (s *Service) finishStop() {
	close(s.timerStop)
	s.timerWG.Wait()

	s.emit(ServiceEventStopped)
	// The dispatcher is stopped last and given a bounded drain.
	s.dispatcher.Stop(dispatcherDrain)

	s.mu.Lock()
	s.state = ServiceStopped
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.stoppedCh)

	s.logger.Printf("[INFO] gridnet: service %s stopped", s.name)
}
