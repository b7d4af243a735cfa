package fcserve

// This module implements the Open Pixel Control wire format: a four byte
// header of {channel, command, 16 bit big-endian length} followed by a
// variable length payload, together with an incremental assembler that copes
// with arbitrary TCP fragmentation.  A message is surrendered downstream only
// once its declared length has fully arrived.

import "encoding/binary"

const (
	// OPC commands understood by this server
	CmdSetPixelColors  byte = 0x00
	CmdSystemExclusive byte = 0xFF

	// System exclusive extension identifiers, 4 byte big-endian values at
	// the start of a sysex payload.  Unrecognized identifiers are quietly
	// ignored so newer peers keep working against older servers.
	SysExSetColorCorrection uint32 = 0x00010001
	SysExSetFirmwareConfig  uint32 = 0x00010002

	opcHeaderSize = 4
	sysExIDSize   = 4
)

// Message is one decoded OPC message
type Message struct {
	Channel byte
	Command byte
	Data    []byte
}

// PixelCount is the number of whole RGB triples in the payload.  Trailing
// partial triples are not malformed, they are simply unmapped.
func (m *Message) PixelCount() int { return len(m.Data) / 3 }

// SysExID returns the extension identifier of a system exclusive payload,
// with ok false when the payload is too short to carry one
func (m *Message) SysExID() (id uint32, ok bool) {
	if len(m.Data) < sysExIDSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Data[:sysExIDSize]), true
}

// Bytes serializes the message into its wire form
func (m Message) Bytes() (out []byte) {
	out = make([]byte, 0, opcHeaderSize+len(m.Data))
	out = append(out, m.Channel, m.Command, byte(len(m.Data)>>8), byte(len(m.Data)))
	return append(out, m.Data...)
}

// messageAssembler reassembles messages from a fragmented byte stream
type messageAssembler struct {
	buf []byte
}

// feed appends freshly read bytes and hands every now complete message to the
// sink.  Payload bytes are copied out so a message stays valid after the
// internal buffer moves on.
func (a *messageAssembler) feed(p []byte, sink func(Message)) {
	a.buf = append(a.buf, p...)
	for {
		if len(a.buf) < opcHeaderSize {
			return
		}
		length := int(binary.BigEndian.Uint16(a.buf[2:opcHeaderSize]))
		if len(a.buf) < opcHeaderSize+length {
			return
		}
		msg := Message{
			Channel: a.buf[0],
			Command: a.buf[1],
			Data:    append([]byte(nil), a.buf[opcHeaderSize:opcHeaderSize+length]...),
		}
		a.buf = a.buf[opcHeaderSize+length:]
		sink(msg)
	}
}
