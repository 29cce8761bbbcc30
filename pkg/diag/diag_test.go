package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	channel  uint16
	data     []byte
	priority uint8
}

func (f *fakePoster) PostMessage(channel uint16, data []byte, priority uint8) error {
	f.channel, f.data, f.priority = channel, data, priority
	return nil
}

func newTestControl() *LoopbackControl {
	return &LoopbackControl{poster: &fakePoster{}}
}

func TestResolveWithNoRulesIsIdentity(t *testing.T) {
	l := newTestControl()
	assert.EqualValues(t, 5, l.Resolve(5))
}

func TestApplyCommandInstallsRangeRule(t *testing.T) {
	l := newTestControl()
	require.NoError(t, l.applyCommand("3,10,100"))

	// Every channel inside [3,10] shifts by 100, both bounds included.
	assert.EqualValues(t, 103, l.Resolve(3))
	assert.EqualValues(t, 106, l.Resolve(6))
	assert.EqualValues(t, 110, l.Resolve(10))

	// Outside the region, untouched.
	assert.EqualValues(t, 2, l.Resolve(2))
	assert.EqualValues(t, 11, l.Resolve(11))

	// The shifted region maps back down, bidirectionally.
	assert.EqualValues(t, 3, l.Resolve(103))
	assert.EqualValues(t, 10, l.Resolve(110))
}

func TestApplyCommandWithShift(t *testing.T) {
	l := newTestControl()
	require.NoError(t, l.applyCommand("3,10,2"))
	assert.EqualValues(t, 5, l.Resolve(3))
	assert.EqualValues(t, 12, l.Resolve(10))
}

func TestApplyCommandRejectsInvertedRange(t *testing.T) {
	l := newTestControl()
	assert.Error(t, l.applyCommand("10,3,0"))
}

func TestApplyCommandReplacesExistingRuleForSameFrom(t *testing.T) {
	l := newTestControl()
	require.NoError(t, l.applyCommand("3,10,5"))
	require.NoError(t, l.applyCommand("3,20,5"))
	assert.EqualValues(t, 25, l.Resolve(20))
	assert.Len(t, l.rules, 1)
}

func TestApplyCommandClearRemovesAllRules(t *testing.T) {
	l := newTestControl()
	require.NoError(t, l.applyCommand("3,10,5"))
	require.NoError(t, l.applyCommand("clear"))
	assert.EqualValues(t, 3, l.Resolve(3))
}

func TestApplyCommandZeroTripleDisablesFeature(t *testing.T) {
	l := newTestControl()
	require.NoError(t, l.applyCommand("3,10,5"))
	require.NoError(t, l.applyCommand("0,0,0"))
	assert.EqualValues(t, 3, l.Resolve(3))
	assert.Len(t, l.rules, 0)
}

func TestApplyCommandRejectsMalformedPayload(t *testing.T) {
	l := newTestControl()
	assert.Error(t, l.applyCommand("not-enough-fields"))
	assert.Error(t, l.applyCommand("a,b,c"))
}

func TestDeliverPostsUnderResolvedChannel(t *testing.T) {
	fp := &fakePoster{}
	l := &LoopbackControl{poster: fp}
	require.NoError(t, l.applyCommand("3,10,100"))

	require.NoError(t, l.Deliver(6, []byte("hi"), 1))
	assert.EqualValues(t, 106, fp.channel)
	assert.Equal(t, []byte("hi"), fp.data)
	assert.EqualValues(t, 1, fp.priority)
}
