package fcserve

// This module implements the fixed layout USB packet framing spoken by
// Fadecandy controllers.  Every packet on the wire is 64 bytes: one control
// byte carrying the packet type, a sequence index and a final-chunk marker,
// followed by 63 bytes of payload.  Multi packet structures such as the
// framebuffer and the color LUT are chunked so that a header is never split
// from its payload, and the last packet of each structure carries the final
// marker so the firmware knows when assembly is complete.

const (
	// NumPixels is the number of LEDs a single controller drives
	NumPixels = 512

	// PacketSize is the wire size of every packet, PacketDataSize the
	// payload that follows the control byte
	PacketSize     = 64
	PacketDataSize = PacketSize - 1

	// PixelsPerPacket is how many RGB triples fit into one framebuffer
	// packet payload
	PixelsPerPacket = PacketDataSize / 3

	// FramebufferPackets is the chunk count for a full framebuffer update
	FramebufferPackets = (NumPixels + PixelsPerPacket - 1) / PixelsPerPacket

	// LUTEntries is the per channel resolution of the color lookup table
	LUTEntries = 257

	// Each LUT packet payload starts with a single padding byte, the rest
	// holds 16 bit little-endian entries
	lutEntriesPerPacket = (PacketDataSize - 1) / 2

	// LUTPackets is the chunk count for a full 3 channel LUT update
	LUTPackets = (3*LUTEntries + lutEntriesPerPacket - 1) / lutEntriesPerPacket
)

// PacketType tags what structure a packet belongs to, occupying the top two
// bits of the control byte
type PacketType byte

const (
	TypeFramebuffer PacketType = 0x00
	TypeLUT         PacketType = 0x40
	TypeConfig      PacketType = 0x80
)

// Control byte layout: TT F IIIII
const (
	controlTypeMask  = 0xC0
	controlFinalBit  = 0x20
	controlIndexMask = 0x1F
)

// PacketHeader is the decoded form of the control byte.  The explicit
// encode/decode pair keeps the bit packing in one place rather than relying
// on any in-memory layout.
type PacketHeader struct {
	Type  PacketType
	Index uint8 // sequence index within a multi packet structure
	Final bool  // set on the last packet of the structure
}

func (h PacketHeader) encode() (control byte) {
	control = byte(h.Type)&controlTypeMask | h.Index&controlIndexMask
	if h.Final {
		control |= controlFinalBit
	}
	return control
}

func decodePacketHeader(control byte) PacketHeader {
	return PacketHeader{
		Type:  PacketType(control & controlTypeMask),
		Index: control & controlIndexMask,
		Final: control&controlFinalBit != 0,
	}
}

// Packet is one 64 byte unit of the device protocol
type Packet struct {
	Header PacketHeader
	Data   [PacketDataSize]byte
}

// newPacketSeq builds an n packet structure of the given type with the
// sequence indices filled in and the final marker on the last packet
func newPacketSeq(t PacketType, n int) (pkts []Packet) {
	pkts = make([]Packet, n)
	for i := range pkts {
		pkts[i].Header = PacketHeader{Type: t, Index: uint8(i)}
	}
	pkts[n-1].Header.Final = true
	return pkts
}

// encodePackets flattens a packet sequence into the contiguous byte image
// submitted to the device.  The result is always a fresh allocation so the
// caller can keep mutating the packets while a transfer is in flight.
func encodePackets(pkts []Packet) (out []byte) {
	out = make([]byte, 0, len(pkts)*PacketSize)
	for i := range pkts {
		out = append(out, pkts[i].Header.encode())
		out = append(out, pkts[i].Data[:]...)
	}
	return out
}
