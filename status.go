package gridnet

import (
	"sync"
	"time"
)

// Status is the handle for one pending request. It is fulfilled at most once,
// by the matching response, a deadline, cancellation, or channel close.
type Status struct {
	requestID int64
	channel   *Channel

	mu       sync.Mutex
	done     chan struct{}
	response Message
	err      error
	timer    *time.Timer
}

func newStatus(ch *Channel, requestID int64) *Status {
	return &Status{
		requestID: requestID,
		channel:   ch,
		done:      make(chan struct{}),
	}
}

// RequestID returns the correlation ID assigned to the request.
func (s *Status) RequestID() int64 { return s.requestID }

// arm starts the deadline timer. A non-positive timeout leaves the request
// without a deadline.
func (s *Status) arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDoneLocked() {
		return
	}
	s.timer = time.AfterFunc(timeout, func() {
		s.fail(ErrTimeout)
	})
}

// complete fulfills the slot with a response. Reports whether this call won;
// a slot that already holds a result drops the surplus response.
func (s *Status) complete(resp Message) bool {
	return s.finish(resp, nil)
}

// fail fulfills the slot with an error.
func (s *Status) fail(err error) bool {
	return s.finish(nil, err)
}

func (s *Status) finish(resp Message, err error) bool {
	s.mu.Lock()
	if s.isDoneLocked() {
		s.mu.Unlock()
		return false
	}
	s.response = resp
	s.err = err
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.done)
	s.mu.Unlock()

	if s.channel != nil {
		s.channel.unregisterRequest(s.requestID)
	}
	return true
}

func (s *Status) isDoneLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Cancel fails the request with cause, if it has not completed. Cancelling a
// completed slot is a no-op; no cancellation is sent to the peer.
func (s *Status) Cancel(cause error) {
	if cause == nil {
		cause = ErrChannelClosed
	}
	s.fail(cause)
}

// Done returns a channel closed when the slot is fulfilled.
func (s *Status) Done() <-chan struct{} { return s.done }

// Await blocks for the response. timeout == 0 uses the service default;
// timeout < 0 waits without a deadline.
func (s *Status) Await(timeout time.Duration) (Message, error) {
	if timeout == 0 && s.channel != nil {
		timeout = s.channel.defaultTimeout()
	}
	if timeout < 0 {
		<-s.done
		return s.result()
	}
	if timeout == 0 {
		timeout = -1 // no service default configured, wait indefinitely
		<-s.done
		return s.result()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.result()
	case <-timer.C:
		s.fail(ErrTimeout)
		return s.result()
	}
}

func (s *Status) result() (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response, s.err
}
