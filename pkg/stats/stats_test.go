package stats

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersStartAtZero(t *testing.T) {
	s := New(prometheus.NewRegistry())
	var buf bytes.Buffer
	require.NoError(t, s.WriteDiagnostic(&buf))
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Contains(t, line, " 0")
	}
}

func TestCountersIncrementAndReport(t *testing.T) {
	s := New(prometheus.NewRegistry())
	s.PackagesOK.Add(3)
	s.PackagesBadData.Inc()
	s.MessagesReady.Set(2)

	var buf bytes.Buffer
	require.NoError(t, s.WriteDiagnostic(&buf))
	out := buf.String()

	assert.Contains(t, out, "packages_ok 3")
	assert.Contains(t, out, "packages_bad_data_received 1")
	assert.Contains(t, out, "messages_ready 2")
}

func TestDiagnosticRowsAreSorted(t *testing.T) {
	s := New(prometheus.NewRegistry())
	var buf bytes.Buffer
	require.NoError(t, s.WriteDiagnostic(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	names := make([]string, len(lines))
	for i, line := range lines {
		names[i] = strings.SplitN(line, " ", 2)[0]
	}
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}
