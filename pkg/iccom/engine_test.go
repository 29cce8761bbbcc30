package iccom

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iccomlink/iccom/pkg/stats"
	"github.com/iccomlink/iccom/pkg/transport"
	"github.com/iccomlink/iccom/pkg/wire"
)

func newTestStats() *stats.Stats { return stats.New(prometheus.NewRegistry()) }

func newRunningPair(t *testing.T, frameSize int) (a, b *Engine, cleanup func()) {
	t.Helper()
	pair := transport.NewLoopbackPair()

	var err error
	a, err = New(pair.A(), frameSize, newTestStats(), nil)
	require.NoError(t, err)
	b, err = New(pair.B(), frameSize, newTestStats(), nil)
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	return a, b, func() {
		a.Close()
		b.Close()
	}
}

// corruptOnce wraps a transport.Transport and flips one payload byte of
// the next outgoing DATA-phase frame exactly once, simulating scenario
// S3's in-transit corruption without permanently damaging the sender's
// own queued package (it corrupts a fresh copy, never xfer.TxPtr itself).
type corruptOnce struct {
	transport.Transport
	mu    sync.Mutex
	armed bool
}

func (c *corruptOnce) DataXchange(xfer *transport.Xfer, start bool) (transport.Status, error) {
	c.mu.Lock()
	fire := c.armed && xfer.SizeBytes > wire.HeaderSize
	if fire {
		c.armed = false
	}
	c.mu.Unlock()

	if !fire {
		return c.Transport.DataXchange(xfer, start)
	}

	corrupted := append([]byte(nil), xfer.TxPtr[:xfer.SizeBytes]...)
	corrupted[wire.HeaderSize] ^= 0xFF
	mutated := *xfer
	mutated.TxPtr = corrupted
	return c.Transport.DataXchange(&mutated, start)
}

func waitForMessage(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(timeout):
		t.Fatal("timed out waiting for delivered message")
		return nil
	}
}

// S1. Single short message.
func TestEngineSingleShortMessage(t *testing.T) {
	a, b, cleanup := newRunningPair(t, 64)
	defer cleanup()

	got := make(chan []byte, 1)
	require.NoError(t, b.SetChannelCallback(0x1234, func(msg *Message, _ any) bool {
		got <- append([]byte(nil), msg.Data()...)
		return true
	}, nil))

	require.NoError(t, a.PostMessage(0x1234, []byte("Hello"), 0))

	msg := waitForMessage(t, got, 2*time.Second)
	assert.Equal(t, []byte("Hello"), msg)
}

// S2. Fragmentation across two frames.
func TestEngineFragmentationAcrossFrames(t *testing.T) {
	a, b, cleanup := newRunningPair(t, 64)
	defer cleanup()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	got := make(chan []byte, 1)
	require.NoError(t, b.SetChannelCallback(0x0001, func(msg *Message, _ any) bool {
		got <- append([]byte(nil), msg.Data()...)
		return true
	}, nil))

	require.NoError(t, a.PostMessage(0x0001, payload, 0))

	msg := waitForMessage(t, got, 2*time.Second)
	assert.Equal(t, payload, msg)
}

// S3. CRC corruption triggers a NACK and resend; exactly one message is
// eventually delivered.
func TestEngineCRCCorruptionTriggersResend(t *testing.T) {
	pair := transport.NewLoopbackPair()
	corrupting := &corruptOnce{Transport: pair.A(), armed: true}

	bStats := newTestStats()
	a, err := New(corrupting, 64, newTestStats(), nil)
	require.NoError(t, err)
	b, err := New(pair.B(), 64, bStats, nil)
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer func() { a.Close(); b.Close() }()

	got := make(chan []byte, 1)
	require.NoError(t, b.SetChannelCallback(7, func(msg *Message, _ any) bool {
		got <- append([]byte(nil), msg.Data()...)
		return true
	}, nil))

	require.NoError(t, a.PostMessage(7, []byte{0x99}, 0))

	msg := waitForMessage(t, got, 3*time.Second)
	assert.Equal(t, []byte{0x99}, msg)

	select {
	case <-got:
		t.Fatal("message delivered more than once")
	case <-time.After(200 * time.Millisecond):
	}
}

// S4. A duplicate received package id is acked and delivers no bytes,
// tested white-box against the state-machine callback directly so the
// test is deterministic rather than racing a transport-level NACK loss.
func TestEngineDuplicatePackageNoRedelivery(t *testing.T) {
	st := newTestStats()
	e, err := New(&noopTransport{}, 64, st, nil)
	require.NoError(t, err)

	pkg, err := wire.NewEmpty(64, 5)
	require.NoError(t, err)
	_, err = pkg.AppendPacket([]byte("x"), 3)
	require.NoError(t, err)
	pkg.Finalize()

	delivered := 0
	require.NoError(t, e.SetChannelCallback(3, func(msg *Message, _ any) bool {
		delivered++
		return true
	}, nil))

	e.worker.Start()
	defer e.worker.Stop()

	buf := append([]byte(nil), pkg.Bytes()...)
	e.onDataPhaseDone(nil, buf, len(buf))
	e.mu.Lock()
	e.phase = phaseData
	e.mu.Unlock()
	// Same package id again: must be treated as duplicate.
	buf2 := append([]byte(nil), pkg.Bytes()...)
	e.onDataPhaseDone(nil, buf2, len(buf2))

	require.Eventually(t, func() bool { return delivered == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, delivered)
	assert.EqualValues(t, 1, st.Snapshot()["packages_duplicated_received"])
}

// S5. Multiple channels posted before a single frame is received
// interleave in arrival order, tested white-box by feeding one
// hand-assembled frame through the RX side directly.
func TestEngineMultiChannelInterleave(t *testing.T) {
	st := newTestStats()
	e, err := New(&noopTransport{}, 64, st, nil)
	require.NoError(t, err)

	pkg, err := wire.NewEmpty(64, 1)
	require.NoError(t, err)
	_, err = pkg.AppendPacket([]byte{0x41}, 1)
	require.NoError(t, err)
	_, err = pkg.AppendPacket([]byte{0x42, 0x42}, 2)
	require.NoError(t, err)
	pkg.Finalize()

	buf := append([]byte(nil), pkg.Bytes()...)
	e.onDataPhaseDone(nil, buf, len(buf))

	data1, _, err := e.ReadMessage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41}, data1)

	data2, _, err := e.ReadMessage(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0x42}, data2)
}

// S6. Flush is a documented no-op, and the run loop's head package is
// already a well-formed, verifiable empty frame before anything is posted.
func TestEngineFlushAndEmptyHeadIsWellFormed(t *testing.T) {
	st := newTestStats()
	e, err := New(&noopTransport{}, 64, st, nil)
	require.NoError(t, err)

	assert.NoError(t, e.Flush())

	head := e.tx.Head()
	_, err = head.Verify()
	assert.NoError(t, err)

	e.closing.Store(true)
	assert.ErrorIs(t, e.Flush(), ErrClosing)
}

type noopTransport struct{}

func (noopTransport) Init(*transport.Xfer) error                             { return nil }
func (noopTransport) DataXchange(*transport.Xfer, bool) (transport.Status, error) { return transport.StatusOK, nil }
func (noopTransport) IsRunning() bool                                        { return true }
func (noopTransport) Reset() error                                           { return nil }
func (noopTransport) Close() error                                           { return nil }
