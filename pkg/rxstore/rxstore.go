// Package rxstore implements the ICCom RX message store (spec.md §4.E): a
// per-channel FIFO of in-flight and completed messages, with frame-wide
// append/commit/rollback semantics so a single verified-but-malformed
// frame can be undone without leaking partial bytes to any channel.
package rxstore

import (
	"sync"
	"sync/atomic"
)

// Message is a reassembled, possibly still-in-flight, byte string on one channel.
type Message struct {
	Channel           uint16
	ID                uint32 // local, per-channel, diagnostic-only (spec.md §9(b))
	Priority          uint8
	data              []byte
	uncommittedLength int
	finalized         bool
}

// Data returns the committed bytes of the message.
func (m *Message) Data() []byte { return m.data }

// Ready reports whether the message is finalized and has nothing
// uncommitted — the condition under which it may be delivered.
func (m *Message) Ready() bool { return m.finalized && m.uncommittedLength == 0 }

type channelRecord struct {
	messages *list
	nextID   uint32
	callback Callback
	userData any
	hasCB    bool
}

// Callback is invoked by the delivery worker (pkg/iccom) for every ready
// message. Returning true transfers payload ownership to the consumer
// (the store forgets the byte slice); false discards it. Per spec.md
// §4.G, the store's lock is never held during this call.
type Callback func(msg *Message, userData any) (ownershipTransferred bool)

// Store is the map from channel to per-channel record, a fallback global
// callback, and the frame-wide uncommitted-finalized counter.
type Store struct {
	mu       sync.Mutex
	channels map[uint16]*channelRecord

	globalCB     Callback
	globalData   any
	hasGlobalCB  bool
	uncommitted  atomic.Int64 // messages finalized since the last commit/rollback
	readyInStore atomic.Int64
}

// New creates an empty store.
func New() *Store {
	return &Store{channels: make(map[uint16]*channelRecord)}
}

func (s *Store) recordLocked(channel uint16) *channelRecord {
	rec, ok := s.channels[channel]
	if !ok {
		rec = &channelRecord{messages: newList(), nextID: 1}
		s.channels[channel] = rec
	}
	return rec
}

// allocID returns the next per-channel message id, wrapping past the
// reserved value 0, per spec.md §4.E.
func (r *channelRecord) allocID() uint32 {
	id := r.nextID
	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}
	return id
}

// Append adds payload to the youngest non-finalized message of channel,
// creating one if none exists, and marks it finalized if finalizing is
// set. The store's external contract forbids concurrent mutation of an
// in-flight message from outside the engine, so the byte copy itself may
// run without the lock held; only the bookkeeping is serialized.
func (s *Store) Append(channel uint16, payload []byte, finalizing bool, priority uint8) {
	s.mu.Lock()
	rec := s.recordLocked(channel)
	msg := rec.messages.backUnfinalized()
	if msg == nil {
		msg = &Message{Channel: channel, ID: rec.allocID(), Priority: priority}
		rec.messages.pushBack(msg)
	}
	s.mu.Unlock()

	// Grow-and-copy happens outside the lock per the contract above.
	grown := make([]byte, len(msg.data)+len(payload))
	copy(grown, msg.data)
	copy(grown[len(msg.data):], payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	msg.data = grown
	msg.uncommittedLength += len(payload)
	if finalizing {
		msg.finalized = true
		s.uncommitted.Add(1)
	}
}

// Commit clears every message's uncommitted marker across every channel
// and zeroes the frame-wide uncommitted-finalized counter. Called once a
// whole verified frame's packets have all been applied successfully.
func (s *Store) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.channels {
		for n := rec.messages.front(); n != nil; n = n.next {
			if n.msg.uncommittedLength > 0 {
				if n.msg.finalized {
					s.readyInStore.Add(1)
				}
				n.msg.uncommittedLength = 0
			}
		}
	}
	s.uncommitted.Store(0)
}

// Rollback undoes every uncommitted append across every channel, restoring
// the store to its state immediately before the current frame began
// appending (spec.md invariant 4). Called when a frame's packets fail to
// parse partway through.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.channels {
		for n := rec.messages.front(); n != nil; {
			next := n.next
			if n.msg.uncommittedLength > 0 {
				n.msg.data = n.msg.data[:len(n.msg.data)-n.msg.uncommittedLength]
				n.msg.uncommittedLength = 0
				n.msg.finalized = false
				if len(n.msg.data) == 0 {
					rec.messages.remove(n)
				}
			}
			n = next
		}
	}
	s.uncommitted.Store(0)
}

// UncommittedFinalized returns the count of messages finalized since the
// last Commit/Rollback — the "k" of spec.md §4.F's xfer_done.
func (s *Store) UncommittedFinalized() int64 { return s.uncommitted.Load() }

// PopFirstReady atomically removes and returns the oldest ready message on
// channel, transferring ownership to the caller. Returns nil if none.
func (s *Store) PopFirstReady(channel uint16) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.channels[channel]
	if !ok {
		return nil
	}
	for n := rec.messages.front(); n != nil; n = n.next {
		if n.msg.Ready() {
			rec.messages.remove(n)
			s.readyInStore.Add(-1)
			return n.msg
		}
	}
	return nil
}

// ReadyMessagesInStore returns the number of ready-but-undelivered messages
// across all channels (spec.md §5's atomic messages_ready_in_storage).
func (s *Store) ReadyMessagesInStore() int64 { return s.readyInStore.Load() }

// ForEachReady walks every channel's FIFO and invokes fn for every ready
// message in arrival order, without holding the store lock during fn,
// matching spec.md §4.G. It does not remove the messages it visits. The
// delivery worker (pkg/iccom) does not use it; it walks ReadyChannels and
// PopFirstReady instead.
func (s *Store) ForEachReady(fn func(channel uint16, msg *Message)) {
	s.mu.Lock()
	type item struct {
		channel uint16
		msg     *Message
	}
	var ready []item
	for ch, rec := range s.channels {
		for n := rec.messages.front(); n != nil; n = n.next {
			if n.msg.Ready() {
				ready = append(ready, item{ch, n.msg})
			}
		}
	}
	s.mu.Unlock()

	for _, it := range ready {
		fn(it.channel, it.msg)
	}
}

// ReadyChannels returns every channel with at least one ready message,
// without removing anything — the delivery worker (pkg/iccom) uses this
// to find work, then pops per channel via PopFirstReady only for
// channels that resolve to a callback, leaving poll-mode channels (no
// callback registered) untouched for ReadMessage.
func (s *Store) ReadyChannels() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint16
	for ch, rec := range s.channels {
		for n := rec.messages.front(); n != nil; n = n.next {
			if n.msg.Ready() {
				out = append(out, ch)
				break
			}
		}
	}
	return out
}

// SetCallback installs (or, with cb nil, clears) the callback for channel.
// Registering on a non-existent channel lazily creates its record.
func (s *Store) SetCallback(channel uint16, cb Callback, userData any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(channel)
	rec.callback = cb
	rec.userData = userData
	rec.hasCB = cb != nil
}

// SetGlobalCallback installs the fallback callback used for channels with
// no specific registration.
func (s *Store) SetGlobalCallback(cb Callback, userData any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalCB = cb
	s.globalData = userData
	s.hasGlobalCB = cb != nil
}

// Callback resolves the effective (callback, userData) for channel:
// channel-specific if registered, else the global fallback.
func (s *Store) Callback(channel uint16) (Callback, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.channels[channel]; ok && rec.hasCB {
		return rec.callback, rec.userData, true
	}
	if s.hasGlobalCB {
		return s.globalCB, s.globalData, true
	}
	return nil, nil, false
}

// RawCallback returns exactly what is registered for channel, with no
// fallback to the global callback — the observer semantics of
// spec.md §4.H's get_channel_callback.
func (s *Store) RawCallback(channel uint16) (Callback, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.channels[channel]; ok && rec.hasCB {
		return rec.callback, rec.userData, true
	}
	return nil, nil, false
}

// GlobalCallback returns the fallback callback, if any is registered.
func (s *Store) GlobalCallback() (Callback, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasGlobalCB {
		return s.globalCB, s.globalData, true
	}
	return nil, nil, false
}

// Discard drops a message's backing payload, used by the delivery worker
// when a callback returns false (ownership not transferred).
func (s *Store) Discard(msg *Message) { msg.data = nil }
