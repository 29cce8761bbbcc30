package transport

import "sync"

// LoopbackPair is an in-process, full-duplex byte pipe connecting two
// Transport endpoints — the tool this repo's tests and
// cmd/iccom-loopback use to exercise both sides of the protocol without
// real hardware. Each DataXchange rendezvous exchanges exactly the bytes
// the two ends are currently offering, same as a coupled SPI transaction.
type LoopbackPair struct {
	aToB chan []byte
	bToA chan []byte
	once sync.Once
	done chan struct{}
}

// NewLoopbackPair creates a connected pair of transports.
func NewLoopbackPair() *LoopbackPair {
	return &LoopbackPair{
		aToB: make(chan []byte, 1),
		bToA: make(chan []byte, 1),
		done: make(chan struct{}),
	}
}

// A returns the first endpoint of the pair.
func (p *LoopbackPair) A() Transport { return &loopbackEnd{pair: p, send: p.aToB, recv: p.bToA} }

// B returns the second endpoint of the pair.
func (p *LoopbackPair) B() Transport { return &loopbackEnd{pair: p, send: p.bToA, recv: p.aToB} }

// Sever closes the pair, causing any in-flight or future DataXchange on
// either end to fail with ErrNoDevice — used to simulate a TransportError.
func (p *LoopbackPair) Sever() {
	p.once.Do(func() { close(p.done) })
}

type loopbackEnd struct {
	pair *LoopbackPair
	send chan []byte
	recv chan []byte

	mu      sync.Mutex
	running bool
}

func (e *loopbackEnd) Init(initial *Xfer) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	if initial == nil {
		return nil
	}
	_, err := e.DataXchange(initial, true)
	return err
}

func (e *loopbackEnd) DataXchange(xfer *Xfer, startImmediately bool) (Status, error) {
	buf := append([]byte(nil), xfer.TxPtr[:xfer.SizeBytes]...)

	select {
	case e.send <- buf:
	case <-e.pair.done:
		if xfer.FailCallback != nil {
			xfer.FailCallback(xfer.ConsumerData, ErrNoDevice)
		}
		return StatusNoDevice, ErrNoDevice
	}

	select {
	case got := <-e.recv:
		n := copy(xfer.RxBuf, got)
		if xfer.DoneCallback != nil {
			xfer.DoneCallback(xfer.ConsumerData, xfer.RxBuf, n)
		}
		return StatusOK, nil
	case <-e.pair.done:
		if xfer.FailCallback != nil {
			xfer.FailCallback(xfer.ConsumerData, ErrNoDevice)
		}
		return StatusNoDevice, ErrNoDevice
	}
}

func (e *loopbackEnd) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *loopbackEnd) Reset() error { return nil }

func (e *loopbackEnd) Close() error {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.pair.Sever()
	return nil
}
