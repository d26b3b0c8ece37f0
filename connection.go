package gridnet

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	ConnCreated ConnectionState = iota
	ConnOpening
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnCreated:
		return "created"
	case ConnOpening:
		return "opening"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// Authorizer validates the identity token presented in an open handshake.
type Authorizer func(identity []byte) error

// Connection multiplexes many channels over one full-duplex byte pipe. All
// channel table mutations happen on the service thread; user goroutines
// bracket their use of channels with the gate.
type Connection struct {
	cfg       *Config
	svc       *Service
	transport io.ReadWriteCloser
	reader    *bufio.Reader
	writeMu   sync.Mutex

	initiator  bool
	id         uuid.UUID
	serializer Serializer
	authorizer Authorizer

	state atomic.Int32

	mu            sync.Mutex
	peerID        uuid.UUID
	channels      map[int32]*Channel
	pendingAccept map[int32]*Channel
	factories     map[string]MessageFactory
	rng           *rand.Rand
	acceptDone    chan error

	gate  *Gate
	stats Metrics

	channel0 *Channel

	// pingStatus is the outstanding liveness request, nil when none.
	pingStatus *Status
	pingSentAt int64

	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error
}

func newConnection(svc *Service, transport io.ReadWriteCloser, initiator bool) *Connection {
	cfg := svc.Config()
	serializer, _ := LookupSerializer(cfg.serializerName)
	c := &Connection{
		cfg:           cfg,
		svc:           svc,
		transport:     transport,
		reader:        bufio.NewReader(transport),
		initiator:     initiator,
		id:            uuid.New(),
		serializer:    serializer,
		channels:      make(map[int32]*Channel),
		pendingAccept: make(map[int32]*Channel),
		factories:     make(map[string]MessageFactory),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		gate:          NewGate(),
		stats:         cfg.metrics,
		closedCh:      make(chan struct{}),
	}
	c.state.Store(int32(ConnCreated))

	factory, _ := controlProtocol.Factory(controlProtocol.CurrentVersion)
	c.channel0 = newChannel(c, 0, factory, serializer, &controlReceiver{conn: c}, "")
	c.channel0.state.Store(int32(ChannelOpen))
	c.channels[0] = c.channel0
	return c
}

// Connect opens an initiator connection over transport: it starts the read
// loop, performs the open handshake on Channel 0 and returns once the
// connection is open.
func (s *Service) Connect(transport io.ReadWriteCloser) (*Connection, error) {
	if err := s.WaitAcceptingClients(s.cfg.connectTimeout); err != nil {
		return nil, err
	}
	c := newConnection(s, transport, true)
	s.registerConnection(c)
	c.state.Store(int32(ConnOpening))
	go c.readLoop()

	if err := c.openHandshake(); err != nil {
		c.shutdown(false, err)
		return nil, err
	}
	c.finishOpen()
	return c, nil
}

// Accept opens an acceptor connection over transport: it waits for the
// peer's open request, negotiates protocols and returns once open.
func (s *Service) Accept(transport io.ReadWriteCloser) (*Connection, error) {
	if err := s.WaitAcceptingClients(s.cfg.connectTimeout); err != nil {
		return nil, err
	}
	c := newConnection(s, transport, false)
	c.authorizer = s.cfg.authorizer
	s.registerConnection(c)
	c.state.Store(int32(ConnOpening))

	accepted := make(chan error, 1)
	c.mu.Lock()
	c.acceptDone = accepted
	c.mu.Unlock()
	go c.readLoop()

	timer := time.NewTimer(s.cfg.connectTimeout)
	defer timer.Stop()
	select {
	case err := <-accepted:
		if err != nil {
			c.shutdown(false, err)
			return nil, err
		}
	case <-timer.C:
		c.shutdown(false, ErrTimeout)
		return nil, fmt.Errorf("%w: open handshake", ErrTimeout)
	}
	c.finishOpen()
	return c, nil
}

// Dial connects to a proxy endpoint over TCP and opens a connection on svc.
func Dial(svc *Service, addr string) (*Connection, error) {
	nc, err := net.DialTimeout("tcp", addr, svc.cfg.connectTimeout)
	if err != nil {
		return nil, err
	}
	conn, err := svc.Connect(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Connection) finishOpen() {
	c.state.Store(int32(ConnOpen))
	// Statistics describe the open connection; the handshake is setup cost.
	c.stats.Reset()
	if c.cfg.pingInterval > 0 {
		c.svc.schedule(c.cfg.pingInterval, c.checkPing)
	}
}

// ID returns the connection UUID.
func (c *Connection) ID() uuid.UUID { return c.id }

// PeerID returns the peer's UUID, or the zero UUID after close.
func (c *Connection) PeerID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState { return ConnectionState(c.state.Load()) }

// Service returns the owning service.
func (c *Connection) Service() *Service { return c.svc }

// Stats returns the connection statistics.
func (c *Connection) Stats() Metrics { return c.stats }

// Channel0 returns the reserved control channel.
func (c *Connection) Channel0() *Channel { return c.channel0 }

// Gate returns the connection gate. Client operations must bracket channel
// use with Enter/Exit.
func (c *Connection) Gate() *Gate { return c.gate }

func (c *Connection) logger() *log.Logger { return c.cfg.logger }

// openHandshake drives the initiator side of the Channel 0 open exchange.
func (c *Connection) openHandshake() error {
	protocolsMu.RLock()
	offers := make([]protocolOffer, 0, len(protocols))
	for _, p := range protocols {
		low, high := p.Versions()
		offers = append(offers, protocolOffer{Name: p.Name, CurrentVersion: high, LowestVersion: low})
	}
	protocolsMu.RUnlock()

	req := &openConnectionRequest{
		ClientID:   c.id.String(),
		Identity:   c.cfg.identity,
		Edition:    c.cfg.edition,
		Serializer: c.serializer.Name(),
		Protocols:  offers,
	}
	status, err := c.channel0.Request(req)
	if err != nil {
		return err
	}
	msg, err := status.Await(c.cfg.connectTimeout)
	if err != nil {
		return err
	}
	resp, ok := msg.(*openConnectionResponse)
	if !ok {
		return fmt.Errorf("%w: unexpected open response %T", ErrProtocol, msg)
	}
	if resp.Error != "" {
		if resp.AuthError {
			return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
		}
		return fmt.Errorf("%w: open rejected: %s", ErrProtocol, resp.Error)
	}

	peerID, err := uuid.Parse(resp.ServerID)
	if err != nil {
		return fmt.Errorf("%w: bad peer id: %v", ErrProtocol, err)
	}

	factories := make(map[string]MessageFactory, len(resp.Versions))
	for name, version := range resp.Versions {
		p, ok := LookupProtocol(name)
		if !ok {
			return fmt.Errorf("%w: peer chose unknown protocol %s", ErrProtocol, name)
		}
		f, err := p.Factory(version)
		if err != nil {
			return err
		}
		factories[name] = f
	}

	c.mu.Lock()
	c.peerID = peerID
	c.factories = factories
	c.mu.Unlock()
	return nil
}

// handleOpenConnectionRequest runs the acceptor side of the handshake on the
// service thread.
func (c *Connection) handleOpenConnectionRequest(req *openConnectionRequest, requestID int64) {
	fail := func(msg string, auth bool) {
		resp := &openConnectionResponse{Error: msg, AuthError: auth}
		if err := c.channel0.Respond(requestID, resp); err != nil {
			c.logger().Printf("[ERR] gridnet: failed to send open rejection: %v", err)
		}
		cause := fmt.Errorf("%w: %s", ErrProtocol, msg)
		if auth {
			cause = fmt.Errorf("%w: %s", ErrAuthFailed, msg)
		}
		c.signalAccept(cause)
		c.shutdown(false, cause)
	}

	if c.authorizer != nil {
		if err := c.authorizer(req.Identity); err != nil {
			fail(err.Error(), true)
			return
		}
	}
	if _, err := LookupSerializer(req.Serializer); err != nil {
		fail("unknown serializer "+req.Serializer, false)
		return
	}

	versions := make(map[string]int, len(req.Protocols))
	factories := make(map[string]MessageFactory, len(req.Protocols))
	for _, offer := range req.Protocols {
		p, ok := LookupProtocol(offer.Name)
		if !ok {
			fail("unknown protocol "+offer.Name, false)
			return
		}
		low, high := p.Versions()
		version := offer.CurrentVersion
		if version > high {
			version = high
		}
		if version < low || version < offer.LowestVersion {
			fail("no common version for protocol "+offer.Name, false)
			return
		}
		f, err := p.Factory(version)
		if err != nil {
			fail(err.Error(), false)
			return
		}
		versions[offer.Name] = version
		factories[offer.Name] = f
	}

	peerID, err := uuid.Parse(req.ClientID)
	if err != nil {
		fail("bad client id", false)
		return
	}

	c.mu.Lock()
	c.peerID = peerID
	c.factories = factories
	c.mu.Unlock()

	resp := &openConnectionResponse{
		ServerID: c.id.String(),
		Versions: versions,
	}
	if err := c.channel0.Respond(requestID, resp); err != nil {
		c.signalAccept(err)
		return
	}
	c.signalAccept(nil)
}

func (c *Connection) signalAccept(err error) {
	c.mu.Lock()
	done := c.acceptDone
	c.acceptDone = nil
	c.mu.Unlock()
	if done != nil {
		done <- err
	}
}

// generateChannelID draws a random non-zero ID, positive for the initiator
// and negative for the acceptor, retrying on collision against both the open
// and pending maps. Callers hold c.mu.
func (c *Connection) generateChannelID() int32 {
	for {
		id := c.rng.Int31()
		if id == 0 {
			continue
		}
		if !c.initiator {
			id = -id
		}
		if _, open := c.channels[id]; open {
			continue
		}
		if _, pending := c.pendingAccept[id]; pending {
			continue
		}
		return id
	}
}

// OpenChannel opens a new channel toward the peer for the named protocol.
// receiverName selects the receiver the peer attaches on its side; receiver
// handles unsolicited messages on this side.
func (c *Connection) OpenChannel(protocol, receiverName string, receiver Receiver, identity []byte) (*Channel, error) {
	if err := c.gate.Enter(); err != nil {
		return nil, err
	}
	defer c.gate.Exit()

	if c.State() != ConnOpen {
		return nil, fmt.Errorf("%w: connection is %s", ErrConnectionClosed, c.State())
	}

	c.mu.Lock()
	factory, ok := c.factories[protocol]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: protocol %s not negotiated", ErrProtocol, protocol)
	}
	id := c.generateChannelID()
	ch := newChannel(c, id, factory, c.serializer, receiver, string(identity))
	c.mu.Unlock()

	req := &openChannelRequest{
		ChannelID:    id,
		Protocol:     protocol,
		ReceiverName: receiverName,
		Identity:     identity,
		Serializer:   c.serializer.Name(),
	}
	status, err := c.channel0.Request(req)
	if err != nil {
		return nil, err
	}
	msg, err := status.Await(c.cfg.connectTimeout)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*openChannelResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected open-channel response %T", ErrProtocol, msg)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: open channel rejected: %s", ErrProtocol, resp.Error)
	}

	c.mu.Lock()
	c.channels[id] = ch
	c.mu.Unlock()
	ch.state.Store(int32(ChannelOpen))
	return ch, nil
}

// handleOpenChannelRequest attaches the peer-initiated channel on the
// service thread.
func (c *Connection) handleOpenChannelRequest(req *openChannelRequest, requestID int64) {
	respond := func(errMsg string) {
		if err := c.channel0.Respond(requestID, &openChannelResponse{Error: errMsg}); err != nil {
			c.logger().Printf("[ERR] gridnet: open-channel response failed: %v", err)
		}
	}

	c.mu.Lock()
	factory, ok := c.factories[req.Protocol]
	c.mu.Unlock()
	if !ok {
		respond("protocol " + req.Protocol + " not negotiated")
		return
	}
	receiver, ok := c.svc.LookupReceiver(req.ReceiverName)
	if !ok {
		respond("no receiver named " + req.ReceiverName)
		return
	}
	serializer, err := LookupSerializer(req.Serializer)
	if err != nil {
		respond("unknown serializer " + req.Serializer)
		return
	}

	c.mu.Lock()
	if _, dup := c.channels[req.ChannelID]; dup {
		c.mu.Unlock()
		respond("channel id in use")
		return
	}
	ch := newChannel(c, req.ChannelID, factory, serializer, receiver, string(req.Identity))
	ch.state.Store(int32(ChannelOpen))
	c.channels[req.ChannelID] = ch
	c.mu.Unlock()

	respond("")
}

// CreateChannel mints a local channel for the named protocol and returns the
// URI the peer must pass to AcceptChannel. The channel stays pending until
// the peer accepts it.
func (c *Connection) CreateChannel(protocol string, receiver Receiver) (string, error) {
	if err := c.gate.Enter(); err != nil {
		return "", err
	}
	defer c.gate.Exit()

	c.mu.Lock()
	factory, ok := c.factories[protocol]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: protocol %s not negotiated", ErrProtocol, protocol)
	}
	id := c.generateChannelID()
	ch := newChannel(c, id, factory, c.serializer, receiver, "")
	c.pendingAccept[id] = ch
	pending := len(c.pendingAccept)
	c.mu.Unlock()

	if pending > c.cfg.maxPendingChannels {
		c.logger().Printf("[WARN] gridnet: %d channels pending acceptance on connection %s", pending, c.id)
	}
	return channelURI(id, protocol), nil
}

// AcceptChannel completes a back-channel handoff from the peer: uri was
// produced by the peer's CreateChannel.
func (c *Connection) AcceptChannel(uri string, receiver Receiver, identity []byte) (*Channel, error) {
	if err := c.gate.Enter(); err != nil {
		return nil, err
	}
	defer c.gate.Exit()

	id, protocol, err := parseChannelURI(uri)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	factory, ok := c.factories[protocol]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: protocol %s not negotiated", ErrProtocol, protocol)
	}

	ch := newChannel(c, id, factory, c.serializer, receiver, string(identity))

	req := &acceptChannelRequest{
		ChannelID:  id,
		Protocol:   protocol,
		Identity:   identity,
		Serializer: c.serializer.Name(),
	}
	status, err := c.channel0.Request(req)
	if err != nil {
		return nil, err
	}
	msg, err := status.Await(c.cfg.connectTimeout)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*acceptChannelResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected accept-channel response %T", ErrProtocol, msg)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: accept channel rejected: %s", ErrProtocol, resp.Error)
	}

	c.mu.Lock()
	c.channels[id] = ch
	c.mu.Unlock()
	ch.state.Store(int32(ChannelOpen))
	return ch, nil
}

// handleAcceptChannelRequest promotes a pending back-channel on the service
// thread.
func (c *Connection) handleAcceptChannelRequest(req *acceptChannelRequest, requestID int64) {
	respond := func(errMsg string) {
		if err := c.channel0.Respond(requestID, &acceptChannelResponse{Error: errMsg}); err != nil {
			c.logger().Printf("[ERR] gridnet: accept-channel response failed: %v", err)
		}
	}

	c.mu.Lock()
	ch, ok := c.pendingAccept[req.ChannelID]
	if ok {
		delete(c.pendingAccept, req.ChannelID)
		c.channels[req.ChannelID] = ch
	}
	c.mu.Unlock()
	if !ok {
		respond("no pending channel " + strconv.FormatInt(int64(req.ChannelID), 10))
		return
	}
	ch.principal = string(req.Identity)
	ch.state.Store(int32(ChannelOpen))
	respond("")
}

func channelURI(id int32, protocol string) string {
	return "channel:" + strconv.FormatInt(int64(id), 10) + "#" + protocol
}

func parseChannelURI(uri string) (int32, string, error) {
	rest, ok := strings.CutPrefix(uri, "channel:")
	if !ok {
		return 0, "", fmt.Errorf("%w: bad channel uri %q", ErrProtocol, uri)
	}
	idStr, protocol, ok := strings.Cut(rest, "#")
	if !ok || protocol == "" {
		return 0, "", fmt.Errorf("%w: bad channel uri %q", ErrProtocol, uri)
	}
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil || id == 0 {
		return 0, "", fmt.Errorf("%w: bad channel id in uri %q", ErrProtocol, uri)
	}
	return int32(id), protocol, nil
}

// GetChannel returns an open channel by ID.
func (c *Connection) GetChannel(id int32) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// ResolveChannel implements ChannelResolver for the codec.
func (c *Connection) ResolveChannel(channelID int32) (MessageFactory, Serializer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[channelID]; ok {
		return ch.factory, ch.serializer, nil
	}
	return nil, nil, fmt.Errorf("%w %d", errUnknownChannel, channelID)
}

// errUnknownChannel marks frames for channels this side no longer knows;
// such frames are dropped rather than failing the connection.
var errUnknownChannel = errors.New("unknown channel")

// sendMessage encodes and writes one frame. Sends are serialized on the
// write mutex, which also fixes the per-channel delivery order at the moment
// a send is accepted.
func (c *Connection) sendMessage(ch *Channel, msg Message, wireRequestID int64) error {
	state := c.State()
	if state != ConnOpen && state != ConnOpening && !(ch.id == 0 && state == ConnClosing) {
		return fmt.Errorf("%w: connection is %s", ErrConnectionClosed, state)
	}

	payload, err := c.cfg.codec.Encode(ch.id, msg, wireRequestID, ch.serializer)
	if err != nil {
		c.shutdown(true, err)
		return err
	}

	c.writeMu.Lock()
	n, err := writeFrame(c.transport, payload)
	c.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: write: %v", ErrConnectionClosed, err)
		c.shutdown(false, err)
		return err
	}
	c.stats.IncrementBytesSent(int64(n))
	c.stats.IncrementMessagesSent()
	return nil
}

// readLoop pulls frames off the transport and posts them to the service
// thread, which owns all routing.
func (c *Connection) readLoop() {
	for {
		payload, err := readFrame(c.reader)
		if err != nil {
			if c.State() < ConnClosing {
				if errors.Is(err, ErrProtocol) {
					c.shutdown(true, err)
				} else {
					c.shutdown(false, fmt.Errorf("%w: read: %v", ErrConnectionClosed, err))
				}
			}
			return
		}
		c.stats.IncrementBytesReceived(int64(len(payload)))
		c.svc.Post(func() { c.handleFrame(payload) })
	}
}

// handleFrame decodes and routes one inbound frame on the service thread.
func (c *Connection) handleFrame(payload []byte) {
	if c.State() >= ConnClosing {
		return
	}
	channelID, msg, wireRequestID, err := c.cfg.codec.Decode(payload, c)
	if err != nil {
		if errors.Is(err, errUnknownChannel) {
			c.logger().Printf("[WARN] gridnet: dropping frame for %v", err)
			return
		}
		c.logger().Printf("[ERR] gridnet: frame decode failed: %v", err)
		c.shutdown(true, err)
		return
	}
	c.stats.IncrementMessagesReceived()

	c.mu.Lock()
	ch := c.channels[channelID]
	c.mu.Unlock()
	if ch == nil {
		c.logger().Printf("[WARN] gridnet: dropping %T for closed channel %d", msg, channelID)
		return
	}
	ch.receive(msg, wireRequestID)
}

// checkPing runs on the service thread at the ping interval: it fails the
// connection when an outstanding ping has exceeded its deadline, otherwise
// issues the next ping.
func (c *Connection) checkPing() {
	if c.State() != ConnOpen {
		return
	}

	if c.pingStatus != nil {
		select {
		case <-c.pingStatus.Done():
			c.pingStatus = nil
		default:
			if c.cfg.clock.Millis()-c.pingSentAt >= c.cfg.pingTimeout.Milliseconds() {
				c.logger().Printf("[ERR] gridnet: ping unanswered after %s, closing connection %s",
					c.cfg.pingTimeout, c.id)
				c.shutdown(false, fmt.Errorf("%w: ping unanswered", ErrTimeout))
			}
			return
		}
	}

	status, err := c.channel0.Request(&pingRequest{})
	if err != nil {
		return
	}
	c.pingStatus = status
	c.pingSentAt = c.cfg.clock.Millis()
}

// unregisterChannel detaches a closing channel and, when asked, notifies the
// peer via Channel 0.
func (c *Connection) unregisterChannel(ch *Channel, notify bool, cause error) {
	if ch.id == 0 {
		return
	}
	c.mu.Lock()
	delete(c.channels, ch.id)
	delete(c.pendingAccept, ch.id)
	c.mu.Unlock()

	if notify && c.State() == ConnOpen {
		msg := &notifyClosed{ChannelID: ch.id}
		if cause != nil {
			msg.Cause = cause.Error()
		}
		if err := c.sendMessage(c.channel0, msg, 0); err != nil {
			c.logger().Printf("[DEBUG] gridnet: channel close notification not sent: %v", err)
		}
	}
}

// Close closes the connection gracefully: the gate stops new operations,
// current enterers drain, then the close runs on the service thread. The
// caller blocks until the connection is closed.
func (c *Connection) Close() error {
	return c.close(true, nil, true)
}

// CloseWithCause is Close with an explicit cause recorded for pending
// request failures.
func (c *Connection) CloseWithCause(cause error) error {
	return c.close(true, cause, true)
}

func (c *Connection) close(notify bool, cause error, wait bool) error {
	if c.State() == ConnClosed {
		return nil
	}

	if !c.gate.Close(c.cfg.closeNotifyTimeout, func() {
		c.shutdown(notify, cause)
	}) {
		// Close-on-exit latch armed; the last enterer finishes the close.
		if wait {
			<-c.closedCh
		}
		return c.closeErr
	}

	c.shutdown(notify, cause)
	if wait {
		<-c.closedCh
	}
	return c.closeErr
}

// shutdown posts the terminal close to the service thread. Safe to call from
// any goroutine, any number of times.
func (c *Connection) shutdown(notify bool, cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.state.Store(int32(ConnClosing))
		if c.svc.State() >= ServiceStopping {
			// The service thread may already be gone; run the close here.
			c.doClose(notify, cause)
			return
		}
		c.svc.Post(func() { c.doClose(notify, cause) })
	})
}

// doClose runs once on the service thread: it closes every non-zero channel,
// flushes one close notification when requested, closes Channel 0, clears
// the peer ID and notifies the manager.
func (c *Connection) doClose(notify bool, cause error) {
	c.mu.Lock()
	chans := make([]*Channel, 0, len(c.channels))
	for id, ch := range c.channels {
		if id != 0 {
			chans = append(chans, ch)
		}
	}
	for _, ch := range c.pendingAccept {
		chans = append(chans, ch)
	}
	c.pendingAccept = make(map[int32]*Channel)
	c.mu.Unlock()

	for _, ch := range chans {
		ch.close(false, cause)
	}

	if notify {
		msg := &notifyClosed{}
		if cause != nil {
			msg.Cause = cause.Error()
		}
		if err := c.sendMessage(c.channel0, msg, 0); err != nil {
			c.logger().Printf("[DEBUG] gridnet: close notification not sent: %v", err)
		}
	}

	c.channel0.close(false, cause)

	c.mu.Lock()
	c.peerID = uuid.UUID{}
	c.channels = make(map[int32]*Channel)
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		c.logger().Printf("[DEBUG] gridnet: transport close: %v", err)
	}

	c.state.Store(int32(ConnClosed))
	close(c.closedCh)
	c.svc.connectionClosed(c)
	c.logger().Printf("[INFO] gridnet: connection %s closed", c.id)
}

// Closed returns a channel closed when the connection reaches the closed
// state.
func (c *Connection) Closed() <-chan struct{} { return c.closedCh }

// CloseCause returns the error recorded when the connection began closing,
// nil for a clean close or while still open.
func (c *Connection) CloseCause() error {
	select {
	case <-c.closedCh:
		return c.closeErr
	default:
		if c.State() >= ConnClosing {
			return c.closeErr
		}
		return nil
	}
}

// controlReceiver handles Channel 0 traffic.
type controlReceiver struct {
	conn *Connection
}

func (r *controlReceiver) OnMessage(ch *Channel, msg Message, requestID int64) {
	c := r.conn
	switch m := msg.(type) {
	case *pingRequest:
		if err := ch.Respond(requestID, &pingResponse{}); err != nil {
			c.logger().Printf("[WARN] gridnet: ping response failed: %v", err)
		}
	case *openConnectionRequest:
		if c.initiator {
			c.logger().Printf("[ERR] gridnet: open request received by initiator")
			c.shutdown(true, fmt.Errorf("%w: unexpected open request", ErrProtocol))
			return
		}
		c.handleOpenConnectionRequest(m, requestID)
	case *openChannelRequest:
		c.handleOpenChannelRequest(m, requestID)
	case *acceptChannelRequest:
		c.handleAcceptChannelRequest(m, requestID)
	case *notifyClosed:
		if m.ChannelID != 0 {
			if peerCh, ok := c.GetChannel(m.ChannelID); ok {
				peerCh.close(false, strToCause(m.Cause))
			}
			return
		}
		c.shutdown(false, strToCause(m.Cause))
	default:
		c.logger().Printf("[WARN] gridnet: unexpected control message %T", msg)
	}
}

func (r *controlReceiver) OnChannelClosed(*Channel, error) {}

func strToCause(s string) error {
	if s == "" {
		return nil
	}
	return fmt.Errorf("%w: peer: %s", ErrConnectionClosed, s)
}
