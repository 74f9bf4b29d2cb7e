package dataapi

import "encoding/binary"

// messageHeaderSize is the minimum header size the receive pipeline
// requires before it can peek message_size and receiver_module_id
// (§4.5.3 point 3's "at each offset >= 12 bytes"). The exact NDB
// signal header layout lives in files original_source didn't keep
// (comm/ic_protocol_support.c was kept but the signal header itself
// is in headers excluded by the pack's size cap), so this is a
// from-scratch 12-byte header adequate to drive the same pipeline
// shape: a size/endian word, a receiver module id, and packed node
// ids, rather than a bit-exact reproduction.
const messageHeaderSize = 12

// MessageHeader is the parsed fixed header of one NDB-style message.
type MessageHeader struct {
	LittleEndian     bool
	MessageSize      uint32 // total size in bytes, header included
	ReceiverModuleID uint32
	SenderNodeID     uint16
	ReceiverNodeID   uint16
}

// peekMessageHeader reads a header from the front of buf without
// consuming it. It returns ok=false if buf is too short to contain
// one.
func peekMessageHeader(buf []byte) (MessageHeader, bool) {
	if len(buf) < messageHeaderSize {
		return MessageHeader{}, false
	}
	word0 := binary.BigEndian.Uint32(buf[0:4])
	h := MessageHeader{
		LittleEndian:     word0&1 == 1,
		MessageSize:      word0 >> 1,
		ReceiverModuleID: binary.BigEndian.Uint32(buf[4:8]),
		SenderNodeID:     binary.BigEndian.Uint16(buf[8:10]),
		ReceiverNodeID:   binary.BigEndian.Uint16(buf[10:12]),
	}
	return h, true
}

// PutMessageHeader encodes h into the first 12 bytes of buf, for
// tests and the transporter-facing send path to construct messages.
func PutMessageHeader(buf []byte, h MessageHeader) {
	word0 := h.MessageSize << 1
	if h.LittleEndian {
		word0 |= 1
	}
	binary.BigEndian.PutUint32(buf[0:4], word0)
	binary.BigEndian.PutUint32(buf[4:8], h.ReceiverModuleID)
	binary.BigEndian.PutUint16(buf[8:10], h.SenderNodeID)
	binary.BigEndian.PutUint16(buf[10:12], h.ReceiverNodeID)
}

// dispatchHeaderSize is the size of the (version, message_id) pair
// §4.5.4 dispatches on, stored immediately after the fixed 12-byte
// routing header.
const dispatchHeaderSize = 8

// peekDispatchKey reads the (version, message_id) pair following a
// message's routing header. ok is false if payload is too short to
// contain one.
func peekDispatchKey(payload []byte) (HandlerKey, bool) {
	if len(payload) < messageHeaderSize+dispatchHeaderSize {
		return HandlerKey{}, false
	}
	return HandlerKey{
		Version:   binary.BigEndian.Uint32(payload[messageHeaderSize : messageHeaderSize+4]),
		MessageID: binary.BigEndian.Uint32(payload[messageHeaderSize+4 : messageHeaderSize+8]),
	}, true
}

// PutDispatchKey encodes key immediately after the routing header, for
// tests and senders constructing messages.
func PutDispatchKey(payload []byte, key HandlerKey) {
	binary.BigEndian.PutUint32(payload[messageHeaderSize:messageHeaderSize+4], key.Version)
	binary.BigEndian.PutUint32(payload[messageHeaderSize+4:messageHeaderSize+8], key.MessageID)
}

// DispatchedMessage is one message handed to a user thread: the
// payload (including its header) plus the owning page and the
// refcount release it carries, per §4.5.3 point 3-4.
type DispatchedMessage struct {
	Header  MessageHeader
	Payload []byte

	owningPage    *Page
	releaseOnThis int32 // ref_count_releases; 0 except on the last message posted to a thread this round
}
