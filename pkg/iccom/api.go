package iccom

import (
	"errors"

	"github.com/iccomlink/iccom/pkg/rxstore"
	"github.com/iccomlink/iccom/pkg/txqueue"
	"github.com/iccomlink/iccom/pkg/wire"
)

// Message is a reassembled, ready-to-read incoming message, handed to
// channel callbacks and returned by ReadMessage.
type Message = rxstore.Message

// Callback is invoked by the delivery worker for every ready message on
// a channel. Returning true transfers the payload's ownership to the
// consumer (msg.Data() remains valid for the consumer to retain);
// returning false tells the engine to discard it. Spec.md §4.G/H.
type Callback func(msg *Message, userData any) bool

// AnyChannel is the sentinel channel used only for global callback
// registration, spec.md §3.
const AnyChannel = wire.AnyChannel

// PostMessage fragments bytes into packets and appends them to the TX
// queue under channel, kicking the transport is implicit in this port's
// free-running run loop. Spec.md §4.H.
func (e *Engine) PostMessage(channel uint16, data []byte, priority uint8) error {
	if e.closing.Load() {
		return ErrClosing
	}
	if !wire.ValidChannel(channel) {
		return ErrInvalidChannel
	}
	if len(data) == 0 {
		return ErrEmpty
	}
	if err := e.tx.EnqueueMessage(data, channel); err != nil {
		if errors.Is(err, txqueue.ErrFrameTooSmallForPacket) || errors.Is(err, wire.ErrPayloadTooLarge) {
			return ErrNoMemory
		}
		return err
	}
	return nil
}

// Flush is a documented no-op in this port: the run loop already
// transmits the TX queue's head package — empty or not — on every DATA
// phase, continuously, so there is no idle state to kick out of. Kept
// for API parity with spec.md §4.H and scenario S6.
func (e *Engine) Flush() error {
	if e.closing.Load() {
		return ErrClosing
	}
	return nil
}

// SetChannelCallback installs cb for channel, or for every channel with
// no specific registration if channel is AnyChannel.
func (e *Engine) SetChannelCallback(channel uint16, cb Callback, userData any) error {
	if e.closing.Load() {
		return ErrClosing
	}
	if channel != AnyChannel && !wire.ValidChannel(channel) {
		return ErrInvalidChannel
	}
	if channel == AnyChannel {
		e.rx.SetGlobalCallback(rxstore.Callback(cb), userData)
		return nil
	}
	e.rx.SetCallback(channel, rxstore.Callback(cb), userData)
	return nil
}

// RemoveChannelCallback clears whatever SetChannelCallback installed for channel.
func (e *Engine) RemoveChannelCallback(channel uint16) error {
	return e.SetChannelCallback(channel, nil, nil)
}

// GetChannelCallback observes exactly what is registered for channel
// (no fallback to the global callback when channel isn't AnyChannel).
func (e *Engine) GetChannelCallback(channel uint16) (Callback, bool) {
	if channel == AnyChannel {
		cb, _, ok := e.rx.GlobalCallback()
		return Callback(cb), ok
	}
	cb, _, ok := e.rx.RawCallback(channel)
	return Callback(cb), ok
}

// ReadMessage pops the oldest ready message on channel for poll-mode
// consumers that never registered a callback — a channel with a
// resolved callback (specific or global) will have already had its
// ready messages drained by the delivery worker, so this call is for
// channels deliberately left uncallbacked.
func (e *Engine) ReadMessage(channel uint16) (data []byte, id uint32, err error) {
	if e.closing.Load() {
		return nil, 0, ErrClosing
	}
	msg := e.rx.PopFirstReady(channel)
	if msg == nil {
		return nil, 0, nil
	}
	e.stats.ConsumerBytes.Add(float64(len(msg.Data())))
	e.stats.MessagesReady.Add(-1)
	return msg.Data(), msg.ID, nil
}
