package gridnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Codec translates between frame payloads and messages. Every payload begins
// with a varint header (channel ID, type ID, request ID); the body that
// follows belongs to the message and goes through the serializer.
type Codec interface {
	// Encode produces one frame payload for msg addressed to channelID.
	Encode(channelID int32, msg Message, requestID int64, s Serializer) ([]byte, error)
	// Decode parses one frame payload. The resolver supplies the factory
	// and serializer for the addressed channel.
	Decode(payload []byte, resolver ChannelResolver) (int32, Message, int64, error)
}

// ChannelResolver maps a decoded channel ID to the factory and serializer
// that govern its messages.
type ChannelResolver interface {
	ResolveChannel(channelID int32) (MessageFactory, Serializer, error)
}

// varintCodec is the default Codec implementing the wire layout
// Varint32 channelId || Varint32 typeId || Varint64 requestId || body.
type varintCodec struct{}

// NewCodec returns the default codec.
func NewCodec() Codec { return varintCodec{} }

func (varintCodec) Encode(channelID int32, msg Message, requestID int64, s Serializer) ([]byte, error) {
	var hdr [3 * binary.MaxVarintLen64]byte
	n := binary.PutVarint(hdr[:], int64(channelID))
	n += binary.PutVarint(hdr[n:], int64(msg.TypeID()))
	n += binary.PutVarint(hdr[n:], requestID)

	buf := bytes.NewBuffer(make([]byte, 0, n+64))
	buf.Write(hdr[:n])
	if err := s.Serialize(buf, msg); err != nil {
		return nil, fmt.Errorf("%w: encode type %d: %v", ErrProtocol, msg.TypeID(), err)
	}
	return buf.Bytes(), nil
}

func (varintCodec) Decode(payload []byte, resolver ChannelResolver) (int32, Message, int64, error) {
	r := bytes.NewReader(payload)

	channelID, err := readVarint32(r)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("%w: bad channel id: %v", ErrProtocol, err)
	}
	typeID, err := readVarint32(r)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("%w: bad type id: %v", ErrProtocol, err)
	}
	requestID, err := binary.ReadVarint(r)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("%w: bad request id: %v", ErrProtocol, err)
	}

	factory, serializer, err := resolver.ResolveChannel(channelID)
	if err != nil {
		return channelID, nil, requestID, err
	}
	msg, err := factory.New(typeID)
	if err != nil {
		return channelID, nil, requestID, err
	}
	if err := serializer.Deserialize(r, msg); err != nil {
		return channelID, nil, requestID, fmt.Errorf("%w: decode type %d: %v", ErrProtocol, typeID, err)
	}
	return channelID, msg, requestID, nil
}

func readVarint32(r *bytes.Reader) (int32, error) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, err
	}
	if v > int64(int32(^uint32(0)>>1)) || v < int64(-int32(^uint32(0)>>1)-1) {
		return 0, fmt.Errorf("varint32 overflow: %d", v)
	}
	return int32(v), nil
}
