package fcserve

// This module implements ownership of the in flight asynchronous writes
// against a single device.  Completion callbacks run on the transport's own
// execution context and are restricted to flipping a completion flag; the
// manager is the sole owner and sole destroyer of a Transfer, reclaiming
// finished entries during reap passes driven by the device flush loop.  That
// single point reaping policy is what keeps teardown free of
// destroyed-while-marking races.

import (
	"sync"
	"sync/atomic"

	logxi "github.com/mgutz/logxi/v1"
)

// CancelFunc requests cancellation of one in flight write.  The completion
// callback still fires afterwards, typically with a cancellation error.
type CancelFunc func()

// AsyncWriter is the asynchronous transfer capability a device session
// writes through.  Submit must not block on hardware I/O: it either rejects
// the buffer immediately or arranges for done to be invoked exactly once,
// from the writer's own execution context, when the transfer completes,
// fails or is cancelled.  The writer may retain buf until done fires, so
// callers hand over a snapshot they will not mutate.
type AsyncWriter interface {
	Submit(buf []byte, done func(err error)) (cancel CancelFunc, err error)
}

// TransferKind distinguishes framebuffer writes, which count against the in
// flight frame budget, from configuration and LUT writes, which do not
type TransferKind int

const (
	KindConfig TransferKind = iota
	KindLUT
	KindFrame
)

// Transfer is one outstanding asynchronous write of a fixed buffer
type Transfer struct {
	kind    TransferKind
	payload []byte
	cancel  CancelFunc

	// finished is the only datum shared with the transport's context; the
	// status write below is ordered before it by the atomic store
	finished atomic.Bool
	status   error
}

type transferManager struct {
	mu      sync.Mutex
	out     AsyncWriter
	pending map[*Transfer]struct{}
	log     logxi.Logger
}

func newTransferManager(out AsyncWriter, log logxi.Logger) *transferManager {
	return &transferManager{
		out:     out,
		pending: map[*Transfer]struct{}{},
		log:     log,
	}
}

// submit hands a payload to the transport.  On immediate rejection the
// transfer is discarded and false is returned; a failed submission is not
// fatal, the next attempt starts from clean state.
func (tm *transferManager) submit(payload []byte, kind TransferKind) bool {
	t := &Transfer{kind: kind, payload: payload}

	cancel, errGo := tm.out.Submit(payload, func(err error) {
		// Runs on the transport's context.  Record the outcome and flip the
		// completion flag, nothing else; the reap pass owns destruction.
		t.status = err
		t.finished.Store(true)
	})
	if errGo != nil {
		tm.log.Warn("error submitting transfer", "error", errGo.Error())
		return false
	}

	t.cancel = cancel
	tm.mu.Lock()
	tm.pending[t] = struct{}{}
	tm.mu.Unlock()
	return true
}

// reap removes every completed transfer from the in flight set, returning
// how many of them were frame writes.  Calling it with nothing completed
// changes nothing.
func (tm *transferManager) reap() (frames int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for t := range tm.pending {
		if !t.finished.Load() {
			continue
		}
		if t.status != nil && tm.log.IsDebug() {
			tm.log.Debug("transfer completed with error", "error", t.status.Error())
		}
		if t.kind == KindFrame {
			frames++
		}
		delete(tm.pending, t)
	}
	return frames
}

// cancelAll requests cancellation of every in flight transfer.  The objects
// themselves are still reclaimed through reap once the transport delivers
// their completions, never synchronously here.
func (tm *transferManager) cancelAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for t := range tm.pending {
		if t.cancel != nil {
			t.cancel()
		}
	}
}

// inFlight reports how many transfers await completion or reaping
func (tm *transferManager) inFlight() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}
