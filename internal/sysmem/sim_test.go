package sysmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/partkit/internal/layout"
)

func TestSimReserveAlignment(t *testing.T) {
	s := NewSim()
	base, err := s.Reserve(0, layout.SuperPageSize, layout.SuperPageSize)
	require.NoError(t, err)
	assert.Zero(t, base&layout.SuperPageOffsetMask)
	assert.Equal(t, 1, s.Counters().Reserves)
	require.NoError(t, s.Release(base, layout.SuperPageSize))
}

func TestSimCommitZeroes(t *testing.T) {
	s := NewSim()
	base, err := s.Reserve(0, 4*layout.SystemPageSize, layout.SystemPageSize)
	require.NoError(t, err)

	require.NoError(t, s.Commit(base, layout.SystemPageSize))
	buf := Bytes(base, layout.SystemPageSize)
	for _, b := range buf {
		require.Zero(t, b)
	}
	buf[0] = 0xAB

	// Committing an already committed page leaves contents alone.
	require.NoError(t, s.Commit(base, layout.SystemPageSize))
	assert.Equal(t, byte(0xAB), buf[0])

	// Decommit then recommit reads as zero again.
	require.NoError(t, s.Decommit(base, layout.SystemPageSize))
	require.NoError(t, s.Commit(base, layout.SystemPageSize))
	assert.Zero(t, buf[0])
}

func TestSimCommittedBytesAccounting(t *testing.T) {
	s := NewSim()
	base, err := s.Reserve(0, 8*layout.SystemPageSize, layout.SystemPageSize)
	require.NoError(t, err)

	require.NoError(t, s.Commit(base, 3*layout.SystemPageSize))
	assert.Equal(t, uintptr(3*layout.SystemPageSize), s.Counters().CommittedBytes)

	require.NoError(t, s.Decommit(base, layout.SystemPageSize))
	assert.Equal(t, uintptr(2*layout.SystemPageSize), s.Counters().CommittedBytes)

	require.NoError(t, s.Release(base, 8*layout.SystemPageSize))
	assert.Zero(t, s.Counters().CommittedBytes)
}

func TestSimFailCommits(t *testing.T) {
	s := NewSim()
	base, err := s.Reserve(0, 2*layout.SystemPageSize, layout.SystemPageSize)
	require.NoError(t, err)

	s.FailCommits(2)
	require.ErrorIs(t, s.Commit(base, layout.SystemPageSize), ErrCommitFailed)
	require.ErrorIs(t, s.Commit(base, layout.SystemPageSize), ErrCommitFailed)
	require.NoError(t, s.Commit(base, layout.SystemPageSize))
}

func TestSimBadRange(t *testing.T) {
	s := NewSim()
	base, err := s.Reserve(0, layout.SystemPageSize, layout.SystemPageSize)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Commit(base+layout.SystemPageSize, layout.SystemPageSize), ErrBadRange)
	assert.ErrorIs(t, s.Release(base, 2*layout.SystemPageSize), ErrBadRange)
	require.NoError(t, s.Release(base, layout.SystemPageSize))
	assert.ErrorIs(t, s.Decommit(base, layout.SystemPageSize), ErrBadRange)
}

func TestSimDiscardZeroes(t *testing.T) {
	s := NewSim()
	base, err := s.Reserve(0, layout.SystemPageSize, layout.SystemPageSize)
	require.NoError(t, err)
	require.NoError(t, s.Commit(base, layout.SystemPageSize))

	buf := Bytes(base, layout.SystemPageSize)
	buf[100] = 0xFF
	require.NoError(t, s.Discard(base, layout.SystemPageSize))
	assert.Zero(t, buf[100])
	assert.Equal(t, 1, s.Counters().Discards)
}
