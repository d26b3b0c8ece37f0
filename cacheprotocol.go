package gridnet

// CacheServiceProtocol is the protocol spoken on channels opened toward the
// cache service proxy.
const (
	CacheServiceProtocol  = "CacheServiceProtocol"
	CacheServiceProxyName = "CacheServiceProxy"
)

// Cache protocol message type IDs. IDs are small non-negative integers
// assigned by the protocol; 0 is the generic response.
const (
	typeCacheResponse      int32 = 0
	typeEnsureCacheRequest int32 = 1
	typeGetRequest         int32 = 2
	typePutRequest         int32 = 3
	typeRemoveRequest      int32 = 4
	typeGetAllRequest      int32 = 5
	typePutAllRequest      int32 = 6
	typeContainsKeyRequest int32 = 7
	typeSizeRequest        int32 = 8
	typeClearRequest       int32 = 9
	typeQueryRequest       int32 = 10
	typeAggregateRequest   int32 = 11
	typeInvokeRequest      int32 = 12
	typeInvokeAllRequest   int32 = 13
	typeAddIndexRequest    int32 = 14
	typeRemoveIndexRequest int32 = 15
	typeLockRequest        int32 = 16
	typeUnlockRequest      int32 = 17
	typeListenerRequest    int32 = 18
	typeTruncateRequest    int32 = 19
	typeMapEventMessage    int32 = 20
)

// cacheResponse is the generic reply for every cache request. Result holds
// the serializer-encoded return value; Results holds per-key payloads for
// bulk operations.
type cacheResponse struct {
	Result  []byte            `codec:"result,omitempty"`
	Results map[string][]byte `codec:"results,omitempty"`
	Flag    bool              `codec:"flag,omitempty"`
	Count   int64             `codec:"count,omitempty"`
	Error   string            `codec:"error,omitempty"`
}

func (*cacheResponse) TypeID() int32         { return typeCacheResponse }
func (*cacheResponse) Class() Classification { return ClassResponse }

// EnsureCacheRequest resolves a named cache on the proxy and binds it to the
// requesting channel.
type EnsureCacheRequest struct {
	CacheName string `codec:"cache"`
}

func (*EnsureCacheRequest) TypeID() int32         { return typeEnsureCacheRequest }
func (*EnsureCacheRequest) Class() Classification { return ClassRequest }

type getRequest struct {
	Key []byte `codec:"key"`
}

func (*getRequest) TypeID() int32         { return typeGetRequest }
func (*getRequest) Class() Classification { return ClassRequest }

type putRequest struct {
	Key    []byte `codec:"key"`
	Value  []byte `codec:"value"`
	Expiry int64  `codec:"expiry"`
	// Return requests the prior value in the response.
	Return bool `codec:"return"`
}

func (*putRequest) TypeID() int32         { return typePutRequest }
func (*putRequest) Class() Classification { return ClassRequest }

type removeRequest struct {
	Key    []byte `codec:"key"`
	Return bool   `codec:"return"`
}

func (*removeRequest) TypeID() int32         { return typeRemoveRequest }
func (*removeRequest) Class() Classification { return ClassRequest }

type getAllRequest struct {
	Keys [][]byte `codec:"keys"`
}

func (*getAllRequest) TypeID() int32         { return typeGetAllRequest }
func (*getAllRequest) Class() Classification { return ClassRequest }

type putAllRequest struct {
	Entries map[string][]byte `codec:"entries"`
}

func (*putAllRequest) TypeID() int32         { return typePutAllRequest }
func (*putAllRequest) Class() Classification { return ClassRequest }

type containsKeyRequest struct {
	Key []byte `codec:"key"`
}

func (*containsKeyRequest) TypeID() int32         { return typeContainsKeyRequest }
func (*containsKeyRequest) Class() Classification { return ClassRequest }

type sizeRequest struct{}

func (*sizeRequest) TypeID() int32         { return typeSizeRequest }
func (*sizeRequest) Class() Classification { return ClassRequest }

type clearRequest struct{}

func (*clearRequest) TypeID() int32         { return typeClearRequest }
func (*clearRequest) Class() Classification { return ClassRequest }

// queryRequest runs a filtered key/entry/value query. Filter carries the
// serialized filter agent; the algebra itself is a collaborator concern.
type queryRequest struct {
	Filter []byte `codec:"filter,omitempty"`
	// KeysOnly selects the key set; otherwise entries are returned.
	KeysOnly   bool   `codec:"keys_only"`
	Comparator []byte `codec:"comparator,omitempty"`
}

func (*queryRequest) TypeID() int32         { return typeQueryRequest }
func (*queryRequest) Class() Classification { return ClassRequest }

type aggregateRequest struct {
	Filter     []byte   `codec:"filter,omitempty"`
	Keys       [][]byte `codec:"keys,omitempty"`
	Aggregator []byte   `codec:"aggregator"`
}

func (*aggregateRequest) TypeID() int32         { return typeAggregateRequest }
func (*aggregateRequest) Class() Classification { return ClassRequest }

type invokeRequest struct {
	Key       []byte `codec:"key"`
	Processor []byte `codec:"processor"`
}

func (*invokeRequest) TypeID() int32         { return typeInvokeRequest }
func (*invokeRequest) Class() Classification { return ClassRequest }

type invokeAllRequest struct {
	Filter    []byte   `codec:"filter,omitempty"`
	Keys      [][]byte `codec:"keys,omitempty"`
	Processor []byte   `codec:"processor"`
}

func (*invokeAllRequest) TypeID() int32         { return typeInvokeAllRequest }
func (*invokeAllRequest) Class() Classification { return ClassRequest }

type addIndexRequest struct {
	Extractor  []byte `codec:"extractor"`
	Ordered    bool   `codec:"ordered"`
	Comparator []byte `codec:"comparator,omitempty"`
}

func (*addIndexRequest) TypeID() int32         { return typeAddIndexRequest }
func (*addIndexRequest) Class() Classification { return ClassRequest }

type removeIndexRequest struct {
	Extractor []byte `codec:"extractor"`
}

func (*removeIndexRequest) TypeID() int32         { return typeRemoveIndexRequest }
func (*removeIndexRequest) Class() Classification { return ClassRequest }

type lockRequest struct {
	Key        []byte `codec:"key"`
	WaitMillis int64  `codec:"wait"`
}

func (*lockRequest) TypeID() int32         { return typeLockRequest }
func (*lockRequest) Class() Classification { return ClassRequest }

type unlockRequest struct {
	Key []byte `codec:"key"`
}

func (*unlockRequest) TypeID() int32         { return typeUnlockRequest }
func (*unlockRequest) Class() Classification { return ClassRequest }

// listenerRequest subscribes or unsubscribes cache event delivery for a key
// or a filter.
type listenerRequest struct {
	Add    bool   `codec:"add"`
	Key    []byte `codec:"key,omitempty"`
	Filter []byte `codec:"filter,omitempty"`
	Lite   bool   `codec:"lite"`
}

func (*listenerRequest) TypeID() int32         { return typeListenerRequest }
func (*listenerRequest) Class() Classification { return ClassRequest }

type truncateRequest struct{}

func (*truncateRequest) TypeID() int32         { return typeTruncateRequest }
func (*truncateRequest) Class() Classification { return ClassRequest }

// mapEventMessage is an unsolicited cache event pushed by the proxy.
type mapEventMessage struct {
	EventType int32  `codec:"type"` // 1 inserted, 2 updated, 3 deleted
	Key       []byte `codec:"key"`
	OldValue  []byte `codec:"old,omitempty"`
	NewValue  []byte `codec:"new,omitempty"`
	Cause     int32  `codec:"cause"`
	Lite      bool   `codec:"lite"`
}

func (*mapEventMessage) TypeID() int32         { return typeMapEventMessage }
func (*mapEventMessage) Class() Classification { return ClassNotify }

func newCacheMessage(typeID int32) Message {
	switch typeID {
	case typeCacheResponse:
		return &cacheResponse{}
	case typeEnsureCacheRequest:
		return &EnsureCacheRequest{}
	case typeGetRequest:
		return &getRequest{}
	case typePutRequest:
		return &putRequest{}
	case typeRemoveRequest:
		return &removeRequest{}
	case typeGetAllRequest:
		return &getAllRequest{}
	case typePutAllRequest:
		return &putAllRequest{}
	case typeContainsKeyRequest:
		return &containsKeyRequest{}
	case typeSizeRequest:
		return &sizeRequest{}
	case typeClearRequest:
		return &clearRequest{}
	case typeQueryRequest:
		return &queryRequest{}
	case typeAggregateRequest:
		return &aggregateRequest{}
	case typeInvokeRequest:
		return &invokeRequest{}
	case typeInvokeAllRequest:
		return &invokeAllRequest{}
	case typeAddIndexRequest:
		return &addIndexRequest{}
	case typeRemoveIndexRequest:
		return &removeIndexRequest{}
	case typeLockRequest:
		return &lockRequest{}
	case typeUnlockRequest:
		return &unlockRequest{}
	case typeListenerRequest:
		return &listenerRequest{}
	case typeTruncateRequest:
		return &truncateRequest{}
	case typeMapEventMessage:
		return &mapEventMessage{}
	}
	return nil
}

// cacheProtocol is registered at load time so it is offered in every open
// handshake.
var cacheProtocol = NewProtocol(CacheServiceProtocol, NewMessageFactory(1, newCacheMessage))

func init() {
	RegisterProtocol(cacheProtocol)
}
