package fcserve

// This module implements the registry of attached controller sessions and
// the dispatch fan out that offers every decoded OPC message to each of
// them; a session's own mapping table decides what, if anything, it keeps.
// The hub also drives the periodic flush passes that reap completed
// transfers and resubmit dropped frames.

import (
	"sync"
	"time"

	logxi "github.com/mgutz/logxi/v1"
)

type Hub struct {
	devices struct {
		table map[string]*Device
		sync.Mutex
	}

	conf *Config
	log  logxi.Logger
}

func NewHub(conf *Config) (h *Hub) {
	if conf == nil {
		conf = DefaultConfig()
	}
	h = &Hub{conf: conf, log: logxi.New("hub")}
	h.devices.table = map[string]*Device{}
	return h
}

// AddDevice registers a freshly opened controller, applying the first
// matching configuration stanza and the server wide color correction curve.
// A session already registered under the same serial is closed, never left
// orphaned with transfers still in flight.
func (h *Hub) AddDevice(d *Device) {
	h.devices.Lock()
	prev := h.devices.table[d.Serial()]
	h.devices.table[d.Serial()] = d
	h.devices.Unlock()

	if prev != nil && prev != d {
		prev.Close()
		h.log.Warn("displaced an attached session", "name", prev.Name())
	}

	if dc := h.conf.DeviceFor(d.Serial()); dc != nil {
		d.Configure(dc)
	}
	d.SetColorCorrection(CurveParamsFromObject(h.conf.Color, h.log))

	h.log.Info("device attached", "name", d.Name())
}

// RemoveDevice tears a session down.  Every in flight transfer is asked to
// cancel; the transfer objects themselves drain through later flush passes
// as their completions arrive.
func (h *Hub) RemoveDevice(serial string) {
	h.devices.Lock()
	d := h.devices.table[serial]
	delete(h.devices.table, serial)
	h.devices.Unlock()

	if d != nil {
		d.Close()
		h.log.Info("device detached", "name", d.Name())
	}
}

// Device returns the session for a serial, nil when not attached
func (h *Hub) Device(serial string) *Device {
	h.devices.Lock()
	defer h.devices.Unlock()
	return h.devices.table[serial]
}

func (h *Hub) snapshot() (devs []*Device) {
	h.devices.Lock()
	defer h.devices.Unlock()
	devs = make([]*Device, 0, len(h.devices.table))
	for _, d := range h.devices.table {
		devs = append(devs, d)
	}
	return devs
}

// Dispatch offers one OPC message to every attached session.  This is the
// sink the network front end feeds.
func (h *Hub) Dispatch(msg Message) {
	for _, d := range h.snapshot() {
		d.WriteMessage(msg)
	}
}

// Run flushes all sessions on the given interval until quitC closes
func (h *Hub) Run(interval time.Duration, quitC <-chan struct{}) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			for _, d := range h.snapshot() {
				d.Flush()
			}
		case <-quitC:
			return
		}
	}
}
