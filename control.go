package gridnet

// Channel 0 control protocol. The type IDs are fixed by the wire contract
// and must never be renumbered.

const controlProtocolName = "connection"

const (
	typeOpenConnectionRequest  int32 = 1
	typeOpenConnectionResponse int32 = 2
	typeOpenChannelRequest     int32 = 3
	typeOpenChannelResponse    int32 = 4
	typeAcceptChannelRequest   int32 = 5
	typeAcceptChannelResponse  int32 = 6
	typeNotifyConnectionClosed int32 = 7
	typePingRequest            int32 = 8
	typePingResponse           int32 = 9
)

// protocolOffer describes one protocol the initiator wants to use.
type protocolOffer struct {
	Name           string `codec:"name"`
	CurrentVersion int    `codec:"current"`
	LowestVersion  int    `codec:"lowest"`
}

// openConnectionRequest announces the initiator to the acceptor.
type openConnectionRequest struct {
	ClientID   string          `codec:"client_id"`
	Identity   []byte          `codec:"identity"`
	Edition    string          `codec:"edition"`
	Serializer string          `codec:"serializer"`
	Protocols  []protocolOffer `codec:"protocols"`
}

func (*openConnectionRequest) TypeID() int32         { return typeOpenConnectionRequest }
func (*openConnectionRequest) Class() Classification { return ClassRequest }

// openConnectionResponse carries the acceptor's UUID and the version chosen
// for each offered protocol. A rejected open sets Error.
type openConnectionResponse struct {
	ServerID string         `codec:"server_id"`
	Versions map[string]int `codec:"versions"`
	Error    string         `codec:"error,omitempty"`
	// AuthError distinguishes identity rejection from other failures.
	AuthError bool `codec:"auth_error,omitempty"`
}

func (*openConnectionResponse) TypeID() int32         { return typeOpenConnectionResponse }
func (*openConnectionResponse) Class() Classification { return ClassResponse }

// openChannelRequest asks the peer to open its side of a new channel.
type openChannelRequest struct {
	ChannelID    int32  `codec:"channel_id"`
	Protocol     string `codec:"protocol"`
	ReceiverName string `codec:"receiver"`
	Identity     []byte `codec:"identity"`
	Serializer   string `codec:"serializer"`
}

func (*openChannelRequest) TypeID() int32         { return typeOpenChannelRequest }
func (*openChannelRequest) Class() Classification { return ClassRequest }

type openChannelResponse struct {
	Error string `codec:"error,omitempty"`
}

func (*openChannelResponse) TypeID() int32         { return typeOpenChannelResponse }
func (*openChannelResponse) Class() Classification { return ClassResponse }

// acceptChannelRequest completes a back-channel handoff: the peer minted a
// channel locally and published its URI; this request accepts it.
type acceptChannelRequest struct {
	ChannelID  int32  `codec:"channel_id"`
	Protocol   string `codec:"protocol"`
	Identity   []byte `codec:"identity"`
	Serializer string `codec:"serializer"`
}

func (*acceptChannelRequest) TypeID() int32         { return typeAcceptChannelRequest }
func (*acceptChannelRequest) Class() Classification { return ClassRequest }

type acceptChannelResponse struct {
	Error string `codec:"error,omitempty"`
}

func (*acceptChannelResponse) TypeID() int32         { return typeAcceptChannelResponse }
func (*acceptChannelResponse) Class() Classification { return ClassResponse }

// notifyClosed tells the peer a channel is going away. ChannelID 0 means the
// connection itself is closing.
type notifyClosed struct {
	ChannelID int32  `codec:"channel_id"`
	Cause     string `codec:"cause,omitempty"`
}

func (*notifyClosed) TypeID() int32         { return typeNotifyConnectionClosed }
func (*notifyClosed) Class() Classification { return ClassNotify }

type pingRequest struct{}

func (*pingRequest) TypeID() int32         { return typePingRequest }
func (*pingRequest) Class() Classification { return ClassRequest }

type pingResponse struct{}

func (*pingResponse) TypeID() int32         { return typePingResponse }
func (*pingResponse) Class() Classification { return ClassResponse }

func newControlMessage(typeID int32) Message {
	switch typeID {
	case typeOpenConnectionRequest:
		return &openConnectionRequest{}
	case typeOpenConnectionResponse:
		return &openConnectionResponse{}
	case typeOpenChannelRequest:
		return &openChannelRequest{}
	case typeOpenChannelResponse:
		return &openChannelResponse{}
	case typeAcceptChannelRequest:
		return &acceptChannelRequest{}
	case typeAcceptChannelResponse:
		return &acceptChannelResponse{}
	case typeNotifyConnectionClosed:
		return &notifyClosed{}
	case typePingRequest:
		return &pingRequest{}
	case typePingResponse:
		return &pingResponse{}
	}
	return nil
}

var controlProtocol = NewProtocol(controlProtocolName, NewMessageFactory(1, newControlMessage))

func init() {
	RegisterProtocol(controlProtocol)
}
