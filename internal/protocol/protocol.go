// Package protocol implements the fixed-header framed wire codec used
// between client processes and the Manager over the rendezvous socket.
//
// The wire encoding is byte-order and alignment fixed: every message starts
// with a 4-byte header (version, message type, little-endian size), followed
// by a message-specific body. Subscribe/unsubscribe requests carry a
// trailing, non-NUL-terminated channel name whose length is implied by the
// header's Size field.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Version is the only wire version this Manager understands. A mismatched
// client is rejected as a protocol error (spec.md §7 category 2).
const Version uint8 = 1

// MaxMessageSize bounds every frame, request or response, including the
// header. It is sized for the largest response (ChannelSubscriptionEvent)
// plus a generously long channel name.
const MaxMessageSize = 4096

// HeaderSize is the fixed on-wire prefix length: version(1) + type(1) + size(2).
const HeaderSize = 4

// MessageType identifies the kind of frame on the wire.
type MessageType uint8

const (
	EventModeRequest MessageType = iota + 1
	NoEventModeRequest
	WriterSubscribeRequest
	ReaderSubscribeRequest
	WriterUnsubscribeRequest
	ReaderUnsubscribeRequest

	ApprovalMessage
	DenialMessage
	ChannelSubscriptionEvent
)

func (t MessageType) String() string {
	switch t {
	case EventModeRequest:
		return "EVENT_MODE_REQUEST"
	case NoEventModeRequest:
		return "NO_EVENT_MODE_REQUEST"
	case WriterSubscribeRequest:
		return "WRITER_SUBSCRIBE_REQUEST"
	case ReaderSubscribeRequest:
		return "READER_SUBSCRIBE_REQUEST"
	case WriterUnsubscribeRequest:
		return "WRITER_UNSUBSCRIBE_REQUEST"
	case ReaderUnsubscribeRequest:
		return "READER_UNSUBSCRIBE_REQUEST"
	case ApprovalMessage:
		return "APPROVAL"
	case DenialMessage:
		return "DENIAL"
	case ChannelSubscriptionEvent:
		return "CHANNEL_SUBSCRIPTION_EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Header is the fixed prefix of every frame. Size is the total on-wire
// length of the frame, including the header itself.
type Header struct {
	Version uint8
	Type    MessageType
	Size    uint16
}

var byteOrder = binary.LittleEndian

// DecodeHeader parses the fixed-size prefix out of buf. buf must be at
// least HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("protocol: short header, got %d bytes", len(buf))
	}
	return Header{
		Version: buf[0],
		Type:    MessageType(buf[1]),
		Size:    byteOrder.Uint16(buf[2:4]),
	}, nil
}

func putHeader(buf []byte, t MessageType, size int) {
	buf[0] = Version
	buf[1] = byte(t)
	byteOrder.PutUint16(buf[2:4], uint16(size))
}

// SubscribeRequest is the decoded body of a WRITER_SUBSCRIBE_REQUEST or
// READER_SUBSCRIBE_REQUEST frame.
type SubscribeRequest struct {
	RequestedSize uint32
	ChannelName   string
}

// subscribeRequestFieldsSize is the size of the fixed fields after the
// header and before the trailing channel name: just RequestedSize.
const subscribeRequestFieldsSize = 4

// DecodeSubscribeRequest parses a subscribe request body. body excludes the
// header (buf[HeaderSize:size]).
func DecodeSubscribeRequest(body []byte) (SubscribeRequest, error) {
	if len(body) < subscribeRequestFieldsSize {
		return SubscribeRequest{}, fmt.Errorf("protocol: subscribe request too short")
	}
	requestedSize := byteOrder.Uint32(body[0:4])
	name := body[subscribeRequestFieldsSize:]
	if len(name) == 0 {
		return SubscribeRequest{}, fmt.Errorf("protocol: subscribe request has empty channel name")
	}
	return SubscribeRequest{RequestedSize: requestedSize, ChannelName: string(name)}, nil
}

// UnsubscribeRequest is the decoded body of a WRITER_UNSUBSCRIBE_REQUEST or
// READER_UNSUBSCRIBE_REQUEST frame: just the trailing channel name.
type UnsubscribeRequest struct {
	ChannelName string
}

// DecodeUnsubscribeRequest parses an unsubscribe request body (no fixed
// fields, the whole body is the channel name).
func DecodeUnsubscribeRequest(body []byte) (UnsubscribeRequest, error) {
	if len(body) == 0 {
		return UnsubscribeRequest{}, fmt.Errorf("protocol: unsubscribe request has empty channel name")
	}
	return UnsubscribeRequest{ChannelName: string(body)}, nil
}

// EncodeApproval writes a fixed-size approval reply.
func EncodeApproval() []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, ApprovalMessage, HeaderSize)
	return buf
}

// EncodeDenial writes a fixed-size denial reply.
func EncodeDenial() []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, DenialMessage, HeaderSize)
	return buf
}

// channelSubscriptionEventFieldsSize is the size of the fixed fields after
// the header: just NumReaders.
const channelSubscriptionEventFieldsSize = 2

// EncodeChannelSubscriptionEvent builds an unsolicited event frame naming
// the post-mutation reader count for channel. Returns an error if the
// resulting frame would exceed MaxMessageSize.
func EncodeChannelSubscriptionEvent(numReaders uint16, channel string) ([]byte, error) {
	total := HeaderSize + channelSubscriptionEventFieldsSize + len(channel)
	if total > MaxMessageSize {
		return nil, fmt.Errorf("protocol: channel subscription event too large (%d bytes)", total)
	}
	buf := make([]byte, total)
	putHeader(buf, ChannelSubscriptionEvent, total)
	byteOrder.PutUint16(buf[HeaderSize:HeaderSize+2], numReaders)
	copy(buf[HeaderSize+channelSubscriptionEventFieldsSize:], channel)
	return buf, nil
}
