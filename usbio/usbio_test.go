package usbio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logxi "github.com/mgutz/logxi/v1"

	"github.com/karlmutch/errors"
	"github.com/karlmutch/fcserve"
)

// blockingEndpoint parks every write until its context is aborted, the shape
// of a bulk transfer that never completes on its own
type blockingEndpoint struct {
	started  chan struct{}
	returned atomic.Bool
}

func (ep *blockingEndpoint) WriteContext(ctx context.Context, buf []byte) (int, error) {
	ep.started <- struct{}{}
	<-ctx.Done()
	ep.returned.Store(true)
	return 0, ctx.Err()
}

// instantEndpoint accepts every write immediately
type instantEndpoint struct{}

func (ep *instantEndpoint) WriteContext(ctx context.Context, buf []byte) (int, error) {
	return len(buf), nil
}

func newTestLink(ep bulkWriter, release func()) *Link {
	if release == nil {
		release = func() {}
	}
	ctx, abort := context.WithCancel(context.Background())
	return &Link{
		ep:      ep,
		release: release,
		serial:  "TESTSERIAL",
		version: "1.07",
		ctx:     ctx,
		abort:   abort,
		closed:  make(chan struct{}),
	}
}

func TestCloseDrainsInFlightWrites(t *testing.T) {
	ep := &blockingEndpoint{started: make(chan struct{}, 4)}

	var releasedEarly atomic.Bool
	l := newTestLink(ep, func() {
		// The handle must only be given back once the write returned
		if !ep.returned.Load() {
			releasedEarly.Store(true)
		}
	})

	doneC := make(chan error, 1)
	_, errGo := l.Submit([]byte{1, 2, 3}, func(err error) { doneC <- err })
	require.NoError(t, errGo)
	<-ep.started

	l.Close()

	assert.True(t, ep.returned.Load())
	assert.False(t, releasedEarly.Load())

	select {
	case err := <-doneC:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
	}
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	l := newTestLink(&instantEndpoint{}, nil)
	l.Close()

	_, errGo := l.Submit([]byte{1}, func(error) { t.Fatal("no completion expected") })
	assert.Error(t, errGo)

	// Closing again is harmless
	l.Close()
}

func TestCancelAbortsWrite(t *testing.T) {
	ep := &blockingEndpoint{started: make(chan struct{}, 4)}
	l := newTestLink(ep, nil)

	doneC := make(chan error, 1)
	cancel, errGo := l.Submit([]byte{1, 2, 3}, func(err error) { doneC <- err })
	require.NoError(t, errGo)
	<-ep.started

	cancel()
	select {
	case err := <-doneC:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancellation never completed the write")
	}
}

func TestAdoptDefersClaimForAttachedSerials(t *testing.T) {
	s := &Scanner{
		hub:   fcserve.NewHub(nil),
		links: map[string]*Link{"AAA": newTestLink(&instantEndpoint{}, nil)},
		log:   logxi.New("test"),
	}

	// An already attached serial never reaches the claim
	claimed := false
	attached := s.adopt("AAA", func() (*Link, errors.Error) {
		claimed = true
		return newTestLink(&instantEndpoint{}, nil), nil
	})
	assert.False(t, attached)
	assert.False(t, claimed)

	// A failed claim attaches nothing
	attached = s.adopt("BBB", func() (*Link, errors.Error) {
		return nil, errors.New("claim failed")
	})
	assert.False(t, attached)
	assert.Nil(t, s.hub.Device("BBB"))

	// A new arrival is claimed and registered with the hub
	attached = s.adopt("CCC", func() (*Link, errors.Error) {
		return newTestLink(&instantEndpoint{}, nil), nil
	})
	assert.True(t, attached)
	assert.NotNil(t, s.hub.Device("CCC"))
}
