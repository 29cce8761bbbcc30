package rxstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAppendThenCommitDeliversReady(t *testing.T) {
	s := New()
	s.Append(1, []byte("Hello"), true, 0)
	assert.EqualValues(t, 1, s.UncommittedFinalized())

	s.Commit()
	assert.EqualValues(t, 0, s.UncommittedFinalized())

	msg := s.PopFirstReady(1)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("Hello"), msg.Data())
	assert.Nil(t, s.PopFirstReady(1))
}

func TestAppendThenRollbackIsIdentity(t *testing.T) {
	s2 := New()
	s2.Append(7, []byte("first"), true, 0)
	s2.Commit()

	// Snapshot state, then append-and-rollback on top of it.
	msgBefore := s2.PopFirstReady(7)
	require.NotNil(t, msgBefore)
	// Store is now empty for channel 7; append a fresh partial message,
	// then roll it back and confirm the channel goes back to empty.
	s2.Append(7, []byte("partial"), false, 0)
	assert.EqualValues(t, 0, s2.UncommittedFinalized())
	s2.Rollback()
	assert.Nil(t, s2.PopFirstReady(7))
}

func TestFragmentationAcrossTwoAppends(t *testing.T) {
	s := New()
	s.Append(2, []byte{0x00, 0x01}, false, 0)
	s.Append(2, []byte{0x02, 0x03}, true, 0)
	s.Commit()

	msg := s.PopFirstReady(2)
	require.NotNil(t, msg)
	assert.Equal(t, []byte{0, 1, 2, 3}, msg.Data())
}

func TestRollbackAfterPartialAppendDiscardsNothingElse(t *testing.T) {
	s := New()
	s.Append(1, []byte("one"), true, 0)
	s.Commit()

	// A second frame starts appending to channel 1 (new message) and to
	// channel 2, then fails to parse; only the new/partial work must undo.
	s.Append(1, []byte("two-partial"), false, 0)
	s.Append(2, []byte("two-partial"), false, 0)
	s.Rollback()

	msg1 := s.PopFirstReady(1)
	require.NotNil(t, msg1)
	assert.Equal(t, []byte("one"), msg1.Data())
	assert.Nil(t, s.PopFirstReady(2))
}

func TestReadyRequiresFinalizedAndCommitted(t *testing.T) {
	s := New()
	s.Append(1, []byte("x"), true, 0)
	// Not yet committed: uncommittedLength > 0, so not Ready.
	assert.Nil(t, s.PopFirstReady(1))
	s.Commit()
	assert.NotNil(t, s.PopFirstReady(1))
}

// TestAppendRollbackRoundTrip is the rxstore round-trip law from spec.md §8:
// append then rollback is the identity on the store, for any sequence of
// committed messages followed by one rolled-back append.
func TestAppendRollbackRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := New()
		channel := uint16(rapid.IntRange(0, 4).Draw(t, "channel"))

		committed := rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "committed")
		if len(committed) > 0 {
			s.Append(channel, committed, true, 0)
			s.Commit()
		}

		partial := rapid.SliceOfN(rapid.Byte(), 1, 16).Draw(t, "partial")
		finalizing := rapid.Bool().Draw(t, "finalizing")
		s.Append(channel, partial, finalizing, 0)
		s.Rollback()

		if len(committed) == 0 {
			assert.Nil(t, s.PopFirstReady(channel))
			return
		}
		msg := s.PopFirstReady(channel)
		require.NotNil(t, msg)
		assert.Equal(t, committed, msg.Data())
		assert.Nil(t, s.PopFirstReady(channel))
	})
}

func TestCallbackFallsBackToGlobal(t *testing.T) {
	s := New()
	var calledGlobal, calledSpecific bool

	s.SetGlobalCallback(func(*Message, any) bool { calledGlobal = true; return true }, nil)
	cb, _, ok := s.Callback(42)
	require.True(t, ok)
	cb(nil, nil)
	assert.True(t, calledGlobal)

	s.SetCallback(42, func(*Message, any) bool { calledSpecific = true; return true }, nil)
	cb, _, ok = s.Callback(42)
	require.True(t, ok)
	cb(nil, nil)
	assert.True(t, calledSpecific)
}
