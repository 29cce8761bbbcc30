// Package diag implements the Redis-backed half of ICCom's diagnostic
// surface (spec.md §6): a ticking publisher that mirrors the §4.I
// statistics snapshot into a Redis hash plus pub/sub notification, and a
// loopback-control listener that accepts channel remap commands —
// restoring the original driver's loopback_cfg / ICCOM_CHANNEL_AREA_LOOPBACK
// feature (see SPEC_FULL.md §4) over Redis instead of a procfs file.
// Grounded on the teacher's pkg/redis client and pkg/service/redis_handlers.go
// subscribe-and-dispatch pattern.
package diag

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/iccomlink/iccom/pkg/redis"
	"github.com/iccomlink/iccom/pkg/stats"
)

// Poster is the minimal contract pkg/iccom.Engine satisfies, letting
// LoopbackControl redirect an inbound message onto a remapped channel
// without importing the engine package (avoiding an import cycle).
type Poster interface {
	PostMessage(channel uint16, data []byte, priority uint8) error
}

// StatsPublisher periodically writes a Stats snapshot to a Redis hash
// and publishes a notification, the way the teacher's service pushed
// state changes for subscribers to pick up.
type StatsPublisher struct {
	client   *redis.Client
	stats    *stats.Stats
	key      string
	interval time.Duration
	log      *charmlog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewStatsPublisher creates a publisher that writes to key every interval.
func NewStatsPublisher(client *redis.Client, s *stats.Stats, key string, interval time.Duration, logger *charmlog.Logger) *StatsPublisher {
	if logger == nil {
		logger = charmlog.Default()
	}
	return &StatsPublisher{
		client:   client,
		stats:    s,
		key:      key,
		interval: interval,
		log:      logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks until Stop is called, writing one hash field per counter and
// publishing "tick" so subscribers know a fresh snapshot landed.
func (p *StatsPublisher) Run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.publishOnce()
		}
	}
}

func (p *StatsPublisher) publishOnce() {
	snap := p.stats.Snapshot()
	for field, value := range snap {
		if err := p.client.WriteInt(p.key, field, int(value)); err != nil {
			p.log.Errorf("diag: write stat %s failed: %v", field, err)
			return
		}
	}
	if err := p.client.Publish(p.key, "tick"); err != nil {
		p.log.Errorf("diag: publish stats tick failed: %v", err)
	}
}

// Stop ends Run and waits for it to return.
func (p *StatsPublisher) Stop() {
	close(p.stop)
	<-p.done
}

// remap is one (from_ch, to_ch, shift) rule: to_ch is the last channel of
// the source region starting at from_ch (inclusive), per
// original_source/lib/iccom.h's loopback_cfg — not a destination channel.
// Every channel in [from_ch, to_ch] resolves shifted by shift, and the
// mapping applies in both directions: a channel landing in the shifted
// region [from_ch+shift, to_ch+shift] resolves back down by shift.
type remap struct {
	from  uint16
	to    uint16
	shift int16
}

// LoopbackControl listens on a Redis control channel for remap commands
// of the form "from,to,shift" and applies the active rule set to inbound
// messages before handing them to the engine, restoring the original
// driver's loopback channel-area mapping.
type LoopbackControl struct {
	client  *redis.Client
	channel string
	poster  Poster
	log     *charmlog.Logger

	mu     sync.Mutex
	rules  []remap
	cancel func()
}

// NewLoopbackControl creates a controller listening on channel.
func NewLoopbackControl(client *redis.Client, channel string, poster Poster, logger *charmlog.Logger) *LoopbackControl {
	if logger == nil {
		logger = charmlog.Default()
	}
	return &LoopbackControl{client: client, channel: channel, poster: poster, log: logger}
}

// Start begins listening for control commands in a background goroutine.
func (l *LoopbackControl) Start() {
	msgs, cancel := l.client.Subscribe(l.channel)
	l.cancel = cancel
	go func() {
		for msg := range msgs {
			if err := l.applyCommand(msg.Payload); err != nil {
				l.log.Errorf("diag: bad loopback-control command %q: %v", msg.Payload, err)
			}
		}
	}()
}

// Stop unsubscribes from the control channel.
func (l *LoopbackControl) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// applyCommand parses one "from_ch,to_ch,shift" triple and installs it,
// replacing any existing rule for the same from_ch. A payload of "clear",
// or the triple "0,0,0", disables the feature entirely by removing every
// rule, per spec.md's loopback-control contract.
func (l *LoopbackControl) applyCommand(payload string) error {
	if strings.TrimSpace(payload) == "clear" {
		l.mu.Lock()
		l.rules = nil
		l.mu.Unlock()
		return nil
	}

	parts := strings.Split(payload, ",")
	if len(parts) != 3 {
		return fmt.Errorf("expected 3 comma-separated fields, got %d", len(parts))
	}
	from, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return fmt.Errorf("from_ch: %w", err)
	}
	to, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return fmt.Errorf("to_ch: %w", err)
	}
	shift, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 16)
	if err != nil {
		return fmt.Errorf("shift: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if from == 0 && to == 0 && shift == 0 {
		l.rules = nil
		return nil
	}
	if to < from {
		return fmt.Errorf("to_ch %d must not be less than from_ch %d", to, from)
	}

	for i := range l.rules {
		if l.rules[i].from == uint16(from) {
			l.rules[i] = remap{uint16(from), uint16(to), int16(shift)}
			return nil
		}
	}
	l.rules = append(l.rules, remap{uint16(from), uint16(to), int16(shift)})
	return nil
}

// Resolve maps channel through the active rule set's region
// [from_ch, to_ch], shifting it by the rule's shift, or maps it back down
// if it instead falls in that region's already-shifted counterpart.
// Returns channel unchanged if no rule's region contains it either way.
func (l *LoopbackControl) Resolve(channel uint16) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := int32(channel)
	for _, r := range l.rules {
		from, to, shift := int32(r.from), int32(r.to), int32(r.shift)
		if ch >= from && ch <= to {
			return uint16(ch + shift)
		}
		if ch >= from+shift && ch <= to+shift {
			return uint16(ch - shift)
		}
	}
	return channel
}

// Deliver resolves channel's region mapping and reposts data under the
// resolved channel — the post-time rewrite SPEC_FULL.md describes. Wired
// in cmd/iccomd as the engine's global callback fallback, so any message
// arriving on a channel inside an active rule's region is rerouted to its
// mapped region before anything else observes it.
func (l *LoopbackControl) Deliver(channel uint16, data []byte, priority uint8) error {
	return l.poster.PostMessage(l.Resolve(channel), data, priority)
}
