// Package usbio binds the asynchronous transfer capability consumed by
// fcserve device sessions to real hardware through libusb (gousb).  Each
// submitted buffer is written to the controller's bulk OUT endpoint on its
// own goroutine; the completion callback fires when the write returns, fails
// or is cancelled.
package usbio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stack/stack"
	"github.com/google/gousb"
	"github.com/karlmutch/errors"
	logxi "github.com/mgutz/logxi/v1"

	"github.com/karlmutch/fcserve"
)

const (
	// Fadecandy exposes a single bulk OUT endpoint for packet traffic
	outEndpoint = 1

	// transferTimeout bounds how long any one write may stay outstanding
	// before the transport reports it failed
	transferTimeout = 2 * time.Second

	// A link that fails this many writes in a row is treated as unplugged
	maxConsecutiveFailures = 3
)

// bulkWriter is the endpoint surface a link writes through, satisfied by
// gousb.OutEndpoint
type bulkWriter interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// Link is one opened controller, implementing fcserve.AsyncWriter
type Link struct {
	ep      bulkWriter
	release func() // gives the claimed interface and device handle back to libusb

	serial  string
	version string

	// ctx parents every write so teardown can abort them all at once
	ctx   context.Context
	abort context.CancelFunc

	mu     sync.Mutex
	writes sync.WaitGroup

	failures atomic.Uint32

	closed    chan struct{}
	closeOnce sync.Once
}

// newLink claims the device's default interface and bulk OUT endpoint.  The
// serial has already been read by the caller so attachment decisions can be
// made before anything is claimed.
func newLink(dev *gousb.Device, serial string) (l *Link, err errors.Error) {
	// Let the kernel give up any driver it attached to the device
	dev.SetAutoDetach(true)

	intf, release, errGo := dev.DefaultInterface()
	if errGo != nil {
		return nil, errors.Wrap(errGo).With("serial", serial).With("stack", stack.Trace().TrimRuntime())
	}

	ep, errGo := intf.OutEndpoint(outEndpoint)
	if errGo != nil {
		release()
		return nil, errors.Wrap(errGo).With("serial", serial).With("stack", stack.Trace().TrimRuntime())
	}

	bcd := uint16(dev.Desc.Device)
	ctx, abort := context.WithCancel(context.Background())
	return &Link{
		ep: ep,
		release: func() {
			release()
			dev.Close()
		},
		serial:  serial,
		version: fmt.Sprintf("%x.%02x", bcd>>8, bcd&0xFF),
		ctx:     ctx,
		abort:   abort,
		closed:  make(chan struct{}),
	}, nil
}

func (l *Link) Serial() string  { return l.serial }
func (l *Link) Version() string { return l.version }

// Submit implements fcserve.AsyncWriter.  The write runs on its own
// goroutine with a bounded timeout; the returned cancel function aborts it
// through the context, after which done still fires with the cancellation
// error.
func (l *Link) Submit(buf []byte, done func(err error)) (cancel fcserve.CancelFunc, err error) {
	ctx, abort := context.WithTimeout(l.ctx, transferTimeout)

	// The closed check and the WaitGroup increment are one atomic step so a
	// write can never be registered after Close has begun draining
	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		abort()
		return nil, errors.New("link closed").With("serial", l.serial).With("stack", stack.Trace().TrimRuntime())
	default:
	}
	l.writes.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.writes.Done()
		defer abort()
		_, errGo := l.ep.WriteContext(ctx, buf)
		if errGo != nil {
			l.failures.Add(1)
		} else {
			l.failures.Store(0)
		}
		done(errGo)
	}()

	return fcserve.CancelFunc(abort), nil
}

// healthy reports whether the controller is still answering writes
func (l *Link) healthy() bool {
	return l.failures.Load() < maxConsecutiveFailures
}

// Close aborts every write still on the wire and waits for their goroutines
// to drain before the interface and device handle are given back.  The handle
// must never be closed with a transfer outstanding against it.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.closed)
		l.mu.Unlock()

		l.abort()
		l.writes.Wait()
		l.release()
	})
}

// Scanner attaches controllers found on the bus to a hub and detaches the
// ones that stop answering.  libusb hotplug events are not exposed by gousb
// so arrival and departure are detected by periodic enumeration.
type Scanner struct {
	ctx   *gousb.Context
	hub   *fcserve.Hub
	links map[string]*Link
	log   logxi.Logger
}

func NewScanner(hub *fcserve.Hub) *Scanner {
	return &Scanner{
		ctx:   gousb.NewContext(),
		hub:   hub,
		links: map[string]*Link{},
		log:   logxi.New("usbio"),
	}
}

// Run polls the bus on the given interval until quitC closes, forwarding
// non-fatal problems to errorC when there is room for them
func (s *Scanner) Run(interval time.Duration, errorC chan<- errors.Error, quitC <-chan struct{}) {
	defer s.Close()

	s.rescan(errorC)

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			s.rescan(errorC)
		case <-quitC:
			return
		}
	}
}

func (s *Scanner) rescan(errorC chan<- errors.Error) {
	// Drop links that stopped answering before looking for new arrivals so
	// a replugged controller with the same serial reattaches cleanly
	for serial, link := range s.links {
		if link.healthy() {
			continue
		}
		s.hub.RemoveDevice(serial)
		link.Close()
		delete(s.links, serial)
	}

	devs, errGo := s.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(fcserve.FadecandyVendor) &&
			desc.Product == gousb.ID(fcserve.FadecandyProduct)
	})
	if errGo != nil && len(devs) == 0 {
		s.sendError(errors.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()), errorC)
		return
	}

	for _, dev := range devs {
		// Read the serial before claiming anything so a controller that is
		// already attached is recognized without touching its interface,
		// which would fail with EBUSY against our own claim
		serial, errGo := dev.SerialNumber()
		if errGo != nil {
			s.log.Warn("unable to read device serial", "error", errGo.Error())
			dev.Close()
			continue
		}

		dev := dev
		if !s.adopt(serial, func() (*Link, errors.Error) { return newLink(dev, serial) }) {
			dev.Close()
		}
	}
}

// adopt attaches a controller unless its serial is already attached.  The
// claim is deferred behind the serial check, it runs only for new arrivals.
func (s *Scanner) adopt(serial string, claim func() (*Link, errors.Error)) bool {
	if _, known := s.links[serial]; known {
		return false
	}

	link, err := claim()
	if err != nil {
		s.log.Warn("unable to open device", "error", err.Error())
		return false
	}

	s.links[serial] = link
	s.hub.AddDevice(fcserve.NewDevice(serial, link.Version(), link))
	return true
}

func (s *Scanner) sendError(err errors.Error, errorC chan<- errors.Error) {
	select {
	case errorC <- err:
	case <-time.After(100 * time.Millisecond):
		s.log.Warn(err.Error())
	}
}

// Close detaches every link and releases the libusb context
func (s *Scanner) Close() {
	for serial, link := range s.links {
		s.hub.RemoveDevice(serial)
		link.Close()
		delete(s.links, serial)
	}
	s.ctx.Close()
}
