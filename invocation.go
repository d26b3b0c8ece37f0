package gridnet

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// InvocationServiceProtocol is the protocol for remote task execution.
const (
	InvocationServiceProtocol  = "InvocationServiceProtocol"
	InvocationServiceProxyName = "InvocationServiceProxy"
)

const (
	typeInvocationResponse int32 = 0
	typeInvocationRequest  int32 = 1
)

type invocationResponse struct {
	Result []byte `codec:"result,omitempty"`
	Error  string `codec:"error,omitempty"`
}

func (*invocationResponse) TypeID() int32         { return typeInvocationResponse }
func (*invocationResponse) Class() Classification { return ClassResponse }

// InvocationRequest carries a serialized task for synchronous execution on
// the proxy.
type InvocationRequest struct {
	Task []byte `codec:"task"`
}

func (*InvocationRequest) TypeID() int32         { return typeInvocationRequest }
func (*InvocationRequest) Class() Classification { return ClassRequest }

func newInvocationMessage(typeID int32) Message {
	switch typeID {
	case typeInvocationResponse:
		return &invocationResponse{}
	case typeInvocationRequest:
		return &InvocationRequest{}
	}
	return nil
}

var invocationProtocol = NewProtocol(InvocationServiceProtocol, NewMessageFactory(1, newInvocationMessage))

func init() {
	RegisterProtocol(invocationProtocol)
}

// RemoteInvocationService executes serialized tasks on the proxy. Like the
// cache facade it performs no retries and surfaces results verbatim.
type RemoteInvocationService struct {
	svc  *Service
	conn *Connection
	ch   *Channel
}

// NewRemoteInvocationService opens the invocation channel on conn.
func NewRemoteInvocationService(conn *Connection) (*RemoteInvocationService, error) {
	svc := conn.Service()
	if err := svc.WaitAcceptingClients(svc.cfg.connectTimeout); err != nil {
		return nil, err
	}
	ch, err := conn.OpenChannel(InvocationServiceProtocol, InvocationServiceProxyName, nil, svc.cfg.identity)
	if err != nil {
		return nil, err
	}
	return &RemoteInvocationService{svc: svc, conn: conn, ch: ch}, nil
}

// Query executes the serialized task and returns its serialized result.
// timeout 0 applies the service default.
func (s *RemoteInvocationService) Query(task []byte, timeout time.Duration) ([]byte, error) {
	gate := s.conn.Gate()
	if err := gate.Enter(); err != nil {
		return nil, err
	}
	defer gate.Exit()

	status, err := s.ch.RequestWithTimeout(&InvocationRequest{Task: task}, timeout)
	if err != nil {
		return nil, err
	}
	msg, err := status.Await(timeout)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*invocationResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected response %T", ErrProtocol, msg)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

// QueryValue executes the task after serializing it with the channel
// serializer, deserializing the result symmetrically.
func (s *RemoteInvocationService) QueryValue(task interface{}, timeout time.Duration) (interface{}, error) {
	var buf bytes.Buffer
	if err := s.ch.Serializer().Serialize(&buf, task); err != nil {
		return nil, err
	}
	raw, err := s.Query(buf.Bytes(), timeout)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := s.ch.Serializer().Deserialize(bytes.NewReader(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Close releases the invocation channel.
func (s *RemoteInvocationService) Close() error {
	return s.ch.Close()
}
