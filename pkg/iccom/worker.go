package iccom

import (
	charmlog "github.com/charmbracelet/log"

	"github.com/iccomlink/iccom/pkg/rxstore"
	"github.com/iccomlink/iccom/pkg/stats"
)

// worker is the consumer delivery worker of spec.md §4.G: a single
// goroutine, independent of the transport return path, that walks ready
// channels and invokes their callbacks. It never holds the store lock
// while a callback runs, and Kick is safe to call re-entrantly from
// inside a callback (PostMessage included), since it only ever sends on
// a buffered channel.
type worker struct {
	rx    *rxstore.Store
	stats *stats.Stats
	log   *charmlog.Logger

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWorker(rx *rxstore.Store, st *stats.Stats, logger *charmlog.Logger) *worker {
	if logger == nil {
		logger = charmlog.Default()
	}
	return &worker{
		rx:    rx,
		stats: st,
		log:   logger,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the worker's loop in its own goroutine.
func (w *worker) Start() { go w.run() }

// Kick schedules a delivery pass. Safe to call from any goroutine,
// including from within a callback the worker itself is running.
func (w *worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop ends the worker's loop and waits for it to exit.
func (w *worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.kick:
			w.deliverReady()
		}
	}
}

// deliverReady walks every channel with ready messages and, for the ones
// that resolve to a callback (specific or global fallback), pops and
// delivers every ready message in FIFO order. Channels with no resolved
// callback are left alone for poll-mode ReadMessage.
func (w *worker) deliverReady() {
	for _, channel := range w.rx.ReadyChannels() {
		cb, userData, ok := w.rx.Callback(channel)
		if !ok {
			continue
		}
		for {
			msg := w.rx.PopFirstReady(channel)
			if msg == nil {
				break
			}
			n := len(msg.Data())
			if owned := cb(msg, userData); !owned {
				w.rx.Discard(msg)
			}
			w.stats.ConsumerBytes.Add(float64(n))
			w.stats.MessagesReady.Add(-1)
		}
	}
}
