package gridnet

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
)

// DefaultSerializerName identifies the serializer used when a connection or
// channel does not request another one.
const DefaultSerializerName = "msgpack"

// Serializer converts message bodies to and from bytes. Implementations must
// be safe for concurrent use.
type Serializer interface {
	// Name returns the registered name carried in open handshakes.
	Name() string
	// Serialize writes the wire form of v to w.
	Serialize(w io.Writer, v interface{}) error
	// Deserialize reads the wire form from r into v.
	Deserialize(r io.Reader, v interface{}) error
}

var (
	serializersMu sync.RWMutex
	serializers   = make(map[string]Serializer)
)

// RegisterSerializer registers a serializer under its name.
func RegisterSerializer(s Serializer) {
	serializersMu.Lock()
	defer serializersMu.Unlock()
	if _, dup := serializers[s.Name()]; dup {
		panic("gridnet: serializer already registered for name " + s.Name())
	}
	serializers[s.Name()] = s
}

// LookupSerializer returns the serializer registered under name.
func LookupSerializer(name string) (Serializer, error) {
	serializersMu.RLock()
	defer serializersMu.RUnlock()
	s, ok := serializers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown serializer %q", ErrInvalidConfig, name)
	}
	return s, nil
}

// Serializers returns the registered serializer names.
func Serializers() []string {
	serializersMu.RLock()
	defer serializersMu.RUnlock()
	names := make([]string, 0, len(serializers))
	for name := range serializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// msgpackSerializer is the default Serializer.
type msgpackSerializer struct {
	handle *codec.MsgpackHandle
}

func newMsgpackSerializer() *msgpackSerializer {
	return &msgpackSerializer{
		handle: &codec.MsgpackHandle{RawToString: true, WriteExt: true},
	}
}

func (s *msgpackSerializer) Name() string { return DefaultSerializerName }

func (s *msgpackSerializer) Serialize(w io.Writer, v interface{}) error {
	return codec.NewEncoder(w, s.handle).Encode(v)
}

func (s *msgpackSerializer) Deserialize(r io.Reader, v interface{}) error {
	return codec.NewDecoder(r, s.handle).Decode(v)
}

func init() {
	RegisterSerializer(newMsgpackSerializer())
}
