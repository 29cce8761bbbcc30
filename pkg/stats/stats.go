// Package stats implements the ICCom statistics surface (spec.md §4.I):
// best-effort counters for transport, frame, packet and message traffic,
// exposed both as Prometheus metrics and as the plain-text diagnostic
// read-out of §6. Grounded on the teacher pack's Prometheus collector
// style (runZeroInc-conniver's pkg/exporter), simplified from a dynamic
// Collect-time collector to a set of directly-registered counters/gauges
// since ICCom's counters are simple monotonic or best-effort values with
// no per-connection label set to iterate.
package stats

import (
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds every counter named in spec.md §4.I, each backed by a
// Prometheus metric registered under the "iccom" namespace. The
// diagnostic read-out (WriteDiagnostic/Snapshot) sorts rows by name
// rather than following this field order, for stable output regardless
// of how the struct is declared.
type Stats struct {
	XfersDone        prometheus.Counter
	RawBytesXferred  prometheus.Counter
	PackagesTotal    prometheus.Counter
	PackagesOK       prometheus.Counter
	PackagesSentOK   prometheus.Counter
	PackagesRecvOK   prometheus.Counter
	PackagesBadData  prometheus.Counter
	PackagesDup      prometheus.Counter
	PackagesParseErr prometheus.Counter
	PackagesInQueue  prometheus.Gauge
	PacketsRecvOK    prometheus.Counter
	MessagesRecvOK   prometheus.Counter
	MessagesReady    prometheus.Gauge
	ConsumerBytes    prometheus.Counter
}

// New creates a Stats with every metric registered against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// engine instances) or prometheus.DefaultRegisterer to serve them from
// the default /metrics handler.
func New(reg prometheus.Registerer) *Stats {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iccom",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "iccom",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}

	return &Stats{
		XfersDone:        counter("xfers_done_total", "Transport transfers completed."),
		RawBytesXferred:  counter("raw_bytes_xferred_total", "Raw bytes moved over the transport in either direction."),
		PackagesTotal:    counter("packages_total", "Frames handed to the engine for processing, sent or received."),
		PackagesOK:       counter("packages_ok_total", "Frames that parsed and verified successfully."),
		PackagesSentOK:   counter("packages_sent_ok_total", "Frames successfully transmitted to the peer."),
		PackagesRecvOK:   counter("packages_received_ok_total", "Frames successfully received and verified."),
		PackagesBadData:  counter("packages_bad_data_received_total", "Received frames that failed CRC verification."),
		PackagesDup:      counter("packages_duplicated_received_total", "Received frames whose id matched the last accepted frame."),
		PackagesParseErr: counter("packages_parse_failed_total", "Received frames that verified but failed to parse into packets."),
		PackagesInQueue:  gauge("packages_in_queue", "Packages currently resident in the TX queue."),
		PacketsRecvOK:    counter("packets_received_ok_total", "Packets successfully extracted from received frames."),
		MessagesRecvOK:   counter("messages_received_ok_total", "Messages that finalized successfully on the RX side."),
		MessagesReady:    gauge("messages_ready", "Finalized messages currently waiting for delivery."),
		ConsumerBytes:    counter("consumer_bytes_received_total", "Total payload bytes delivered to channel consumers."),
	}
}

// snapshot is one row of the diagnostic read-out: name, then value.
type snapshot struct {
	name  string
	value float64
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func (s *Stats) rows() []snapshot {
	rows := []snapshot{
		{"xfers_done", readCounter(s.XfersDone)},
		{"raw_bytes_xferred", readCounter(s.RawBytesXferred)},
		{"packages_total", readCounter(s.PackagesTotal)},
		{"packages_ok", readCounter(s.PackagesOK)},
		{"packages_sent_ok", readCounter(s.PackagesSentOK)},
		{"packages_received_ok", readCounter(s.PackagesRecvOK)},
		{"packages_bad_data_received", readCounter(s.PackagesBadData)},
		{"packages_duplicated_received", readCounter(s.PackagesDup)},
		{"packages_parse_failed", readCounter(s.PackagesParseErr)},
		{"packages_in_queue", readGauge(s.PackagesInQueue)},
		{"packets_received_ok", readCounter(s.PacketsRecvOK)},
		{"messages_received_ok", readCounter(s.MessagesRecvOK)},
		{"messages_ready", readGauge(s.MessagesReady)},
		{"consumer_bytes_received", readCounter(s.ConsumerBytes)},
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	return rows
}

// WriteDiagnostic renders the §6 plain-text read-out: one "name value"
// line per counter, sorted by name for stable output across calls.
func (s *Stats) WriteDiagnostic(w io.Writer) error {
	for _, r := range s.rows() {
		if _, err := fmt.Fprintf(w, "%s %v\n", r.name, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns every counter's current value keyed by name, the form
// pkg/diag publishes to Redis on each tick.
func (s *Stats) Snapshot() map[string]float64 {
	out := make(map[string]float64, 16)
	for _, r := range s.rows() {
		out[r.name] = r.value
	}
	return out
}
