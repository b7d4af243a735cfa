package fcserve

// This module implements a session against one attached Fadecandy
// controller: the packetized framebuffer and color LUT it owns, the OPC
// message dispatch that fills them, and the frame backpressure policy that
// bounds how many framebuffer writes may be outstanding against the device
// at once.

import (
	"fmt"
	"sync"

	logxi "github.com/mgutz/logxi/v1"
)

const (
	// FadecandyVendor and FadecandyProduct identify a controller on the bus
	FadecandyVendor  = 0x1d50
	FadecandyProduct = 0x607a

	// MaxFramesPending bounds the number of concurrently outstanding
	// framebuffer writes.  While the budget is exhausted newer frames are
	// dropped and the freshest framebuffer contents are resent once a slot
	// frees: latest frame wins, frames are never queued.
	MaxFramesPending = 2
)

// Firmware configuration flags carried in the first payload byte of the
// config packet
const (
	CFlagNoDithering     = 1 << 0
	CFlagNoInterpolation = 1 << 1
	CFlagNoActivityLED   = 1 << 2
	CFlagLEDControl      = 1 << 3
)

// PixelMapping routes a contiguous run of source pixels from one OPC channel
// into a contiguous run of framebuffer pixels
type PixelMapping struct {
	Channel  uint32
	FirstOPC uint32
	FirstOut uint32
	Count    uint32
}

// Device is one open controller.  The framebuffer, LUT and firmware
// configuration buffers are owned exclusively by the session; transfers are
// handed a snapshot at submission time so mutating them while a write is in
// flight is safe.
type Device struct {
	mu sync.Mutex

	serial  string
	version string

	tm  *transferManager
	log logxi.Logger

	framebuffer    []Packet
	colorLUT       []Packet
	firmwareConfig Packet

	mapping []PixelMapping
	bound   bool // a mapping table has been supplied

	framesPending int  // frame transfers currently in flight
	frameWaiting  bool // a newer frame was dropped and should be resent
}

// NewDevice wraps an opened controller.  The serial and firmware version are
// fixed for the life of the session.
func NewDevice(serial, version string, out AsyncWriter) (d *Device) {
	d = &Device{
		serial:      serial,
		version:     version,
		log:         logxi.New("fcdevice"),
		framebuffer: newPacketSeq(TypeFramebuffer, FramebufferPackets),
		colorLUT:    newPacketSeq(TypeLUT, LUTPackets),
	}
	d.firmwareConfig.Header = PacketHeader{Type: TypeConfig}
	d.tm = newTransferManager(out, d.log)
	return d
}

func (d *Device) Serial() string { return d.serial }

func (d *Device) Name() string {
	if d.serial == "" {
		return "Fadecandy"
	}
	return fmt.Sprintf("Fadecandy (Serial# %s, Version %s)", d.serial, d.version)
}

// Configure applies a matched configuration stanza: the pixel mapping table,
// when present, and the activity LED tri-state.  A null or absent led value
// leaves the firmware default behavior; an explicit value takes manual
// control of the LED.
func (d *Device) Configure(conf *DeviceConfig) {
	d.mu.Lock()
	if rules, ok := conf.mappings(d.log); ok {
		d.mapping = rules
		d.bound = true
	}

	flags := byte(0)
	if conf.LED != nil {
		flags |= CFlagNoActivityLED
		if *conf.LED {
			flags |= CFlagLEDControl
		}
	}
	d.firmwareConfig.Data[0] = flags
	d.mu.Unlock()

	d.WriteFirmwareConfiguration()
}

// SetMapping binds a pixel mapping table directly.  Until a table is bound
// the session is inactive and silently drops pixel color messages.
func (d *Device) SetMapping(rules []PixelMapping) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapping = rules
	d.bound = true
}

// WriteMessage dispatches one decoded OPC message to this session
func (d *Device) WriteMessage(msg Message) {
	switch msg.Command {

	case CmdSetPixelColors:
		d.mu.Lock()
		d.setPixelColors(msg)
		d.writeFramebuffer()
		d.mu.Unlock()
		return

	case CmdSystemExclusive:
		d.systemExclusive(msg)
		return
	}

	d.log.Warn("unsupported OPC command", "command", msg.Command)
}

// setPixelColors stores the portions of msg selected by the mapping table
// into the framebuffer.  Caller holds d.mu.
func (d *Device) setPixelColors(msg Message) {
	if !d.bound {
		// No mapping defined yet, this device is inactive
		return
	}
	for _, rule := range d.mapping {
		d.mapPixelColors(msg, rule)
	}
}

// mapPixelColors copies the run selected by one mapping rule.  All clamps
// saturate, so a rule can never read outside the message payload nor write
// outside the framebuffer.  The source offset is clamped against the pixel
// count of the message, not its byte length; a trailing partial triple is
// unreachable because the count is clamped against the same pixel count.
func (d *Device) mapPixelColors(msg Message, rule PixelMapping) {
	if rule.Channel != uint32(msg.Channel) {
		return
	}
	msgPixels := uint32(msg.PixelCount())

	firstOPC := min(rule.FirstOPC, msgPixels)
	firstOut := min(rule.FirstOut, uint32(NumPixels))
	count := min(rule.Count, msgPixels-firstOPC)
	count = min(count, uint32(NumPixels)-firstOut)

	in := msg.Data[firstOPC*3:]
	for i := uint32(0); i < count; i++ {
		copy(d.fbPixel(int(firstOut+i)), in[i*3:i*3+3])
	}
}

// fbPixel returns the 3 byte framebuffer slot for pixel index i
func (d *Device) fbPixel(i int) []byte {
	pkt := i / PixelsPerPacket
	off := (i % PixelsPerPacket) * 3
	return d.framebuffer[pkt].Data[off : off+3]
}

func (d *Device) systemExclusive(msg Message) {
	id, ok := msg.SysExID()
	if !ok {
		d.log.Warn("system exclusive message too short")
		return
	}

	switch id {

	case SysExSetColorCorrection:
		params, err := ParseCurveParams(msg.Data[sysExIDSize:], d.log)
		if err != nil {
			// Only this one update is lost, the previous curve stays active
			d.log.Warn("dropping color correction update", "error", err.Error())
			return
		}
		d.SetColorCorrection(params)

	case SysExSetFirmwareConfig:
		d.setFirmwareBytes(msg.Data[sysExIDSize:])
	}

	// Quietly ignore unhandled extension identifiers
}

// SetColorCorrection recomputes the color LUT for the given parameters and
// starts sending it to the device
func (d *Device) SetColorCorrection(params CurveParams) {
	d.mu.Lock()
	params.FillLUT(d.colorLUT)
	payload := encodePackets(d.colorLUT)
	d.mu.Unlock()

	d.tm.submit(payload, KindLUT)
}

// setFirmwareBytes copies raw configuration bytes into the firmware config
// packet, truncated to the packet payload, and sends it
func (d *Device) setFirmwareBytes(raw []byte) {
	d.mu.Lock()
	copy(d.firmwareConfig.Data[:], raw)
	d.mu.Unlock()

	d.WriteFirmwareConfiguration()
}

// WriteFirmwareConfiguration sends the current firmware configuration packet
func (d *Device) WriteFirmwareConfiguration() {
	d.mu.Lock()
	payload := encodePackets([]Packet{d.firmwareConfig})
	d.mu.Unlock()

	d.tm.submit(payload, KindConfig)
}

// WriteFramebuffer starts an asynchronous write of the current framebuffer,
// subject to the in flight frame budget
func (d *Device) WriteFramebuffer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeFramebuffer()
}

// writeFramebuffer implements the backpressure policy.  Caller holds d.mu.
func (d *Device) writeFramebuffer() {
	if d.framesPending >= MaxFramesPending {
		// Too many outstanding frames, wait for a previous one to complete.
		// The caller's frame is dropped; whatever the framebuffer holds when
		// a slot frees is what gets sent.
		d.frameWaiting = true
		return
	}

	if d.tm.submit(encodePackets(d.framebuffer), KindFrame) {
		d.framesPending++
		d.frameWaiting = false
	}
}

// Flush reaps completed transfers and, when a dropped frame is waiting and
// the budget has room again, resubmits the current framebuffer.  It is
// driven periodically by the hub and changes nothing when no transfer has
// completed.
func (d *Device) Flush() {
	frames := d.tm.reap()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.framesPending -= frames
	if d.frameWaiting && d.framesPending < MaxFramesPending {
		d.writeFramebuffer()
	}
}

// Close requests cancellation of everything in flight at teardown.  The
// transfers themselves are reclaimed by later Flush passes as the transport
// completes the cancellations; nothing is freed out from under an operation
// that might still complete.
func (d *Device) Close() {
	d.tm.cancelAll()
}

// FramesPending reports the number of frame transfers counted against the
// backpressure budget
func (d *Device) FramesPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.framesPending
}

// InFlight reports the total number of unreaped transfers
func (d *Device) InFlight() int { return d.tm.inFlight() }
