package gridnet

import (
	"errors"
	"reflect"
	"testing"
)

// controlOnlyResolver resolves every channel to the control factory, which
// is enough to exercise the codec in isolation.
type controlOnlyResolver struct{}

func (controlOnlyResolver) ResolveChannel(int32) (MessageFactory, Serializer, error) {
	f, err := controlProtocol.Factory(controlProtocol.CurrentVersion)
	if err != nil {
		return nil, nil, err
	}
	s, err := LookupSerializer(DefaultSerializerName)
	if err != nil {
		return nil, nil, err
	}
	return f, s, nil
}

func TestCodecRoundTrip(t *testing.T) {
	serializer, _ := LookupSerializer(DefaultSerializerName)
	codec := NewCodec()

	messages := []struct {
		channelID int32
		requestID int64
		msg       Message
	}{
		{0, 1, &openConnectionRequest{
			ClientID:   "7b2645f2-3d8a-4a11-9f5c-2e48a1c60a01",
			Identity:   []byte("token"),
			Edition:    "CE",
			Serializer: "msgpack",
			Protocols:  []protocolOffer{{Name: "connection", CurrentVersion: 1, LowestVersion: 1}},
		}},
		{0, -1, &openConnectionResponse{
			ServerID: "9d81b790-21a3-45e6-b90a-5b1a0f3c7712",
			Versions: map[string]int{"connection": 1},
		}},
		{0, 4, &openChannelRequest{ChannelID: 42, Protocol: CacheServiceProtocol, ReceiverName: CacheServiceProxyName}},
		{0, 0, &notifyClosed{ChannelID: 17, Cause: "going away"}},
		{0, 9, &pingRequest{}},
		{-13, 0, &notifyClosed{}},
	}

	for i, tc := range messages {
		payload, err := codec.Encode(tc.channelID, tc.msg, tc.requestID, serializer)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		chID, decoded, reqID, err := codec.Decode(payload, controlOnlyResolver{})
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if chID != tc.channelID || reqID != tc.requestID {
			t.Fatalf("decode %d: header = (%d, %d), want (%d, %d)", i, chID, reqID, tc.channelID, tc.requestID)
		}
		if !reflect.DeepEqual(decoded, tc.msg) {
			t.Fatalf("decode %d: %#v != %#v", i, decoded, tc.msg)
		}
	}
}

func TestCodecUnknownType(t *testing.T) {
	serializer, _ := LookupSerializer(DefaultSerializerName)
	codec := NewCodec()

	payload, err := codec.Encode(0, &pingRequest{}, 0, serializer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Corrupt the type ID varint (second header field) to an unknown type.
	// Channel 0 encodes as one byte, the ping type as one byte.
	payload[1] = 0x7E
	_, _, _, err = codec.Decode(payload, controlOnlyResolver{})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestCacheFactoryResolvesEnsureCache(t *testing.T) {
	f, err := cacheProtocol.Factory(cacheProtocol.CurrentVersion)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	msg, err := f.New(1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := msg.(*EnsureCacheRequest); !ok {
		t.Fatalf("typeID 1 resolved to %T, want *EnsureCacheRequest", msg)
	}
}

func TestProtocolRegistryLookup(t *testing.T) {
	p, ok := LookupProtocol(CacheServiceProtocol)
	if !ok {
		t.Fatal("cache protocol not registered")
	}
	if p.CurrentVersion != 1 {
		t.Fatalf("current version = %d", p.CurrentVersion)
	}
	if _, err := p.Factory(99); err == nil {
		t.Fatal("expected error for unknown version")
	}
	if _, ok := LookupProtocol("NoSuchProtocol"); ok {
		t.Fatal("unexpected protocol")
	}
}
