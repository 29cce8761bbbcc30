// Package iccom implements the ICCom protocol engine (spec.md §4.F-H):
// the alternating data/ack phase state machine, the consumer delivery
// worker, and the public API consumers call. It drives a pkg/transport
// implementation, a pkg/txqueue for outgoing packages, and a
// pkg/rxstore for reassembled incoming messages, the way the teacher's
// pkg/usock drives its own framed exchange loop over a Unix socket.
package iccom

import (
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"

	"github.com/iccomlink/iccom/pkg/rxstore"
	"github.com/iccomlink/iccom/pkg/stats"
	"github.com/iccomlink/iccom/pkg/transport"
	"github.com/iccomlink/iccom/pkg/txqueue"
	"github.com/iccomlink/iccom/pkg/wire"
)

type phase int

const (
	phaseData phase = iota
	phaseAck
)

// Engine is the protocol state machine bound to one transport, one TX
// queue and one RX store. Create with New, then Start before posting
// anything (PostMessage works before Start too — it only touches the
// TX queue — but nothing will be transmitted until the run loop exists).
type Engine struct {
	frameSize int
	transport transport.Transport
	tx        *txqueue.Queue
	rx        *rxstore.Store
	stats     *stats.Stats
	log       *charmlog.Logger
	worker    *worker

	mu              sync.Mutex
	phase           phase
	lastRxPackageID uint8
	pendingAck      byte

	closing   atomic.Bool
	closeOnce sync.Once
	doneCh    chan struct{}
	startOnce sync.Once
}

// New builds an Engine over t, using frameSize-byte data frames. st may
// be shared with other engines for process-wide metrics, or created
// fresh per Engine for isolated counters (e.g. in tests).
func New(t transport.Transport, frameSize int, st *stats.Stats, logger *charmlog.Logger) (*Engine, error) {
	if logger == nil {
		logger = charmlog.Default()
	}
	tx, err := txqueue.New(frameSize)
	if err != nil {
		return nil, err
	}
	rx := rxstore.New()
	e := &Engine{
		frameSize: frameSize,
		transport: t,
		tx:        tx,
		rx:        rx,
		stats:     st,
		log:       logger,
		worker:    newWorker(rx, st, logger),
		phase:     phaseData,
		doneCh:    make(chan struct{}),
	}
	return e, nil
}

// Start binds the transport and begins the run loop and delivery
// worker. Spec.md §4.H's init(transport) — the transport is supplied to
// New instead, since this port's Transport is a plain interface value
// rather than a handle the engine opens itself.
func (e *Engine) Start() error {
	var err error
	e.startOnce.Do(func() {
		if initErr := e.transport.Init(nil); initErr != nil {
			err = initErr
			return
		}
		e.worker.Start()
		go e.run()
	})
	return err
}

// IsRunning reports whether the engine is neither closing nor the
// transport reporting itself stopped.
func (e *Engine) IsRunning() bool {
	return !e.closing.Load() && e.transport.IsRunning()
}

// Close flips the closing flag exactly once, unblocks the run loop by
// closing the transport, then waits for the loop and worker to exit and
// drains the TX queue. Spec.md §4.H's close().
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		_ = e.transport.Close()
		<-e.doneCh
		e.worker.Stop()
		e.tx.FreeAll()
	})
	return nil
}

// run is the single goroutine driving the transport, alternating DATA
// and ACK phase xfers. Every transport return point (DoneCallback,
// FailCallback) for a given xfer completes, synchronously in this
// port's Transport implementations, before DataXchange returns — so
// this loop already satisfies spec.md §5's "no two overlapping
// transport callbacks" requirement without extra coordination.
func (e *Engine) run() {
	defer close(e.doneCh)
	for !e.closing.Load() {
		xfer := e.buildXfer()
		status, err := e.transport.DataXchange(xfer, true)
		if status == transport.StatusNoDevice || err == transport.ErrNoDevice {
			return
		}
	}
}

func (e *Engine) currentPhase() phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) buildXfer() *transport.Xfer {
	if e.currentPhase() == phaseData {
		head := e.tx.Head()
		return &transport.Xfer{
			SizeBytes:    e.frameSize,
			TxPtr:        head.Bytes(),
			RxBuf:        make([]byte, e.frameSize),
			DoneCallback: e.onDataPhaseDone,
			FailCallback: e.onXferFailed,
		}
	}

	e.mu.Lock()
	ackByte := e.pendingAck
	e.mu.Unlock()
	if ackByte == 0 {
		ackByte = wire.AckByte
	}
	return &transport.Xfer{
		SizeBytes:    1,
		TxPtr:        []byte{ackByte},
		RxBuf:        make([]byte, 1),
		DoneCallback: e.onAckPhaseDone,
		FailCallback: e.onXferFailed,
	}
}

// onDataPhaseDone implements spec.md §4.F's xfer_done for the DATA
// branch: verify, duplicate-check, parse, commit/rollback, then always
// schedule the following ACK phase.
func (e *Engine) onDataPhaseDone(consumerData any, rxBuf []byte, n int) {
	e.stats.XfersDone.Inc()
	e.stats.RawBytesXferred.Add(float64(n))
	e.stats.PackagesTotal.Inc()

	pkg, err := wire.FromBytes(rxBuf[:e.frameSize], e.frameSize)
	if err != nil {
		e.stats.PackagesBadData.Inc()
		e.scheduleAckPhase(wire.NackByte)
		return
	}
	if _, verr := pkg.Verify(); verr != nil {
		e.stats.PackagesBadData.Inc()
		e.scheduleAckPhase(wire.NackByte)
		return
	}

	rxID := pkg.ID()
	e.mu.Lock()
	duplicate := rxID == e.lastRxPackageID
	e.mu.Unlock()
	if duplicate {
		e.stats.PackagesDup.Inc()
		e.scheduleAckPhase(wire.AckByte)
		return
	}

	payload, err := pkg.UsedPayload()
	if err != nil {
		e.stats.PackagesParseErr.Inc()
		e.scheduleAckPhase(wire.NackByte)
		return
	}

	before := e.rx.UncommittedFinalized()
	parseErr := wire.ParseAll(payload, func(p wire.Packet) error {
		if !wire.ValidChannel(p.Channel) {
			return wire.ErrInvalidPacket
		}
		e.rx.Append(p.Channel, p.Payload, p.Complete, 0)
		e.stats.PacketsRecvOK.Inc()
		return nil
	})
	if parseErr != nil {
		e.rx.Rollback()
		e.stats.PackagesParseErr.Inc()
		e.scheduleAckPhase(wire.NackByte)
		return
	}

	k := e.rx.UncommittedFinalized() - before
	e.rx.Commit()
	e.stats.PackagesOK.Inc()
	e.stats.PackagesRecvOK.Inc()
	if k > 0 {
		e.stats.MessagesRecvOK.Add(float64(k))
		e.stats.MessagesReady.Add(float64(k))
		e.worker.Kick()
	}

	e.mu.Lock()
	e.lastRxPackageID = rxID
	e.mu.Unlock()
	e.scheduleAckPhase(wire.AckByte)
}

// onAckPhaseDone implements the ACK branch: an AckByte advances the TX
// queue, anything else (NackByte or garbage) leaves the head unchanged
// for retransmission. Either way the next phase is DATA.
func (e *Engine) onAckPhaseDone(consumerData any, rxBuf []byte, n int) {
	e.stats.XfersDone.Inc()
	e.stats.RawBytesXferred.Add(float64(n))

	if n > 0 && rxBuf[0] == wire.AckByte {
		e.stats.PackagesSentOK.Inc()
		if _, err := e.tx.StepForward(); err != nil {
			e.log.Errorf("iccom: tx step forward: %v", err)
		}
	}

	e.stats.PackagesInQueue.Set(float64(e.tx.Len()))
	e.mu.Lock()
	e.phase = phaseData
	e.mu.Unlock()
}

// onXferFailed implements spec.md §4.F's xfer_failed: resynchronize by
// preparing a NACK for the next ACK phase, regardless of which phase
// the failed xfer was in.
func (e *Engine) onXferFailed(consumerData any, err error) {
	if err != transport.ErrNoDevice {
		e.log.Errorf("iccom: transport xfer failed: %v", err)
	}
	e.scheduleAckPhase(wire.NackByte)
}

func (e *Engine) scheduleAckPhase(ackByte byte) {
	e.mu.Lock()
	e.pendingAck = ackByte
	e.phase = phaseAck
	e.mu.Unlock()
}
