package gridnet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
)

// ChannelState is the lifecycle state of a Channel.
type ChannelState int32

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	}
	return "unknown"
}

// Receiver handles unsolicited inbound messages on a channel: requests from
// the peer and notifications. Responses never reach the receiver; they
// complete pending request slots.
type Receiver interface {
	// OnMessage is invoked on the service thread. requestID is non-zero
	// when the peer expects a response via Channel.Respond.
	OnMessage(ch *Channel, msg Message, requestID int64)
	// OnChannelClosed is invoked once when the channel closes.
	OnChannelClosed(ch *Channel, cause error)
}

// Channel is one logical, ordered message stream multiplexed over a
// Connection. Channel 0 is reserved for connection control.
type Channel struct {
	id         int32
	conn       *Connection
	factory    MessageFactory
	serializer Serializer
	receiver   Receiver
	// principal is the identity established when the channel was opened.
	principal string

	state atomic.Int32

	mu      sync.Mutex
	pending map[int64]*Status
	nextReq int64
	// lastInReq is the highest request ID received from the peer; peers
	// assign request IDs monotonically, so a repeat is a protocol fault.
	lastInReq int64
}

func newChannel(conn *Connection, id int32, factory MessageFactory, serializer Serializer, receiver Receiver, principal string) *Channel {
	ch := &Channel{
		id:         id,
		conn:       conn,
		factory:    factory,
		serializer: serializer,
		receiver:   receiver,
		principal:  principal,
		pending:    make(map[int64]*Status),
	}
	ch.state.Store(int32(ChannelOpening))
	return ch
}

// ID returns the channel ID, unique within its connection.
func (c *Channel) ID() int32 { return c.id }

// Connection returns the owning connection.
func (c *Channel) Connection() *Connection { return c.conn }

// MessageFactory returns the factory negotiated for this channel.
func (c *Channel) MessageFactory() MessageFactory { return c.factory }

// Serializer returns the serializer in effect for this channel.
func (c *Channel) Serializer() Serializer { return c.serializer }

// Principal returns the identity associated with the channel.
func (c *Channel) Principal() string { return c.principal }

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState { return ChannelState(c.state.Load()) }

// NewMessage allocates an empty message of the given type via the channel's
// factory.
func (c *Channel) NewMessage(typeID int32) (Message, error) {
	return c.factory.New(typeID)
}

func (c *Channel) defaultTimeout() time.Duration {
	if c.conn == nil {
		return 0
	}
	return c.conn.cfg.requestTimeout
}

// nextRequestID generates the next outbound request ID. IDs are positive and
// monotonic per channel.
func (c *Channel) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextReq++
	return c.nextReq
}

// Send transmits a notification message. It fails with ErrChannelClosed when
// the channel is not open.
func (c *Channel) Send(msg Message) error {
	if c.State() != ChannelOpen {
		return fmt.Errorf("%w: channel %d is %s", ErrChannelClosed, c.id, c.State())
	}
	return c.conn.sendMessage(c, msg, 0)
}

// Request transmits a request message and returns its Status handle. The
// request is registered in the pending table before the frame is handed to
// the connection, so a fast response cannot race its own registration.
func (c *Channel) Request(msg Message) (*Status, error) {
	if c.State() != ChannelOpen {
		return nil, fmt.Errorf("%w: channel %d is %s", ErrChannelClosed, c.id, c.State())
	}

	reqID := c.nextRequestID()
	status := newStatus(c, reqID)

	c.mu.Lock()
	c.pending[reqID] = status
	c.mu.Unlock()

	if d := c.defaultTimeout(); d > 0 {
		status.arm(d)
	}

	if err := c.conn.sendMessage(c, msg, reqID); err != nil {
		status.fail(err)
		return nil, err
	}
	return status, nil
}

// RequestWithTimeout sends msg and arms the slot with an explicit deadline,
// overriding the service default. timeout < 0 disables the deadline.
func (c *Channel) RequestWithTimeout(msg Message, timeout time.Duration) (*Status, error) {
	if c.State() != ChannelOpen {
		return nil, fmt.Errorf("%w: channel %d is %s", ErrChannelClosed, c.id, c.State())
	}

	reqID := c.nextRequestID()
	status := newStatus(c, reqID)

	c.mu.Lock()
	c.pending[reqID] = status
	c.mu.Unlock()

	if timeout > 0 {
		status.arm(timeout)
	} else if timeout == 0 {
		if d := c.defaultTimeout(); d > 0 {
			status.arm(d)
		}
	}

	if err := c.conn.sendMessage(c, msg, reqID); err != nil {
		status.fail(err)
		return nil, err
	}
	return status, nil
}

// Respond sends a response for a previously received request. On the wire a
// response carries the negated request ID.
func (c *Channel) Respond(requestID int64, msg Message) error {
	if c.State() != ChannelOpen {
		return fmt.Errorf("%w: channel %d is %s", ErrChannelClosed, c.id, c.State())
	}
	if requestID <= 0 {
		return fmt.Errorf("%w: response for invalid request id %d", ErrProtocol, requestID)
	}
	return c.conn.sendMessage(c, msg, -requestID)
}

// unregisterRequest removes a completed slot from the pending table.
func (c *Channel) unregisterRequest(requestID int64) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// receive routes one inbound message. It runs on the service thread.
// A response (negative wire request ID) completes its pending slot; surplus
// responses are dropped and counted. Requests and notifications go to the
// receiver, or are dropped with a protocol warning when none is registered.
func (c *Channel) receive(msg Message, wireRequestID int64) {
	if wireRequestID < 0 {
		reqID := -wireRequestID
		c.mu.Lock()
		status, ok := c.pending[reqID]
		c.mu.Unlock()
		if !ok || !status.complete(msg) {
			metrics.IncrCounter([]string{"gridnet", "channel", "dropped_responses"}, 1)
			c.conn.logger().Printf("[WARN] gridnet: channel %d dropping response for unknown request %d", c.id, reqID)
		}
		return
	}

	if wireRequestID > 0 {
		c.mu.Lock()
		dup := wireRequestID <= c.lastInReq
		if !dup {
			c.lastInReq = wireRequestID
		}
		c.mu.Unlock()
		if dup {
			c.conn.shutdown(true, fmt.Errorf("%w: duplicate request id %d on channel %d",
				ErrProtocol, wireRequestID, c.id))
			return
		}
	}

	if c.receiver == nil {
		c.conn.logger().Printf("[WARN] gridnet: channel %d dropping %T, no receiver registered", c.id, msg)
		return
	}
	c.receiver.OnMessage(c, msg, wireRequestID)
}

// Close closes the channel from user code, notifying the peer.
func (c *Channel) Close() error {
	return c.close(true, nil)
}

// close transitions the channel to closed, failing all pending requests with
// ErrChannelClosed(cause). When notify is set and the connection still
// permits it, a close notification is sent via Channel 0.
func (c *Channel) close(notify bool, cause error) error {
	if !c.state.CompareAndSwap(int32(ChannelOpen), int32(ChannelClosing)) {
		if !c.state.CompareAndSwap(int32(ChannelOpening), int32(ChannelClosing)) {
			return nil
		}
	}

	c.mu.Lock()
	pending := make([]*Status, 0, len(c.pending))
	for _, st := range c.pending {
		pending = append(pending, st)
	}
	c.pending = make(map[int64]*Status)
	c.mu.Unlock()

	err := fmt.Errorf("%w: channel %d", ErrChannelClosed, c.id)
	if cause != nil {
		err = fmt.Errorf("%w: channel %d: %v", ErrChannelClosed, c.id, cause)
	}
	for _, st := range pending {
		st.fail(err)
	}

	if c.conn != nil {
		c.conn.unregisterChannel(c, notify, cause)
	}

	c.state.Store(int32(ChannelClosed))
	if c.receiver != nil {
		c.receiver.OnChannelClosed(c, cause)
	}
	return nil
}
