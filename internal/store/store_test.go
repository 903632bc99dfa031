package store

// ============================================================================
// Store Test File
// Purpose: Verify job creation, status history, settings round-trip,
// the running set and id allocation.
// ============================================================================

import (
	"testing"
	"time"

	"github.com/ChuLiYu/sbs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestOpenSeedsNextID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.NextID()
	require.NoError(t, err)
	assert.Equal(t, types.JobID(1), id)

	id, err = s.NextID()
	require.NoError(t, err)
	assert.Equal(t, types.JobID(2), id)
}

func TestCreateJobAndReadBack(t *testing.T) {
	s := newTestStore(t)

	settings := types.Settings{"name": "build", "procs": "2", "mem": "512M"}
	id, err := s.CreateJob("#!/bin/sh\necho hi\n", settings, types.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(1), id)

	script, err := s.ReadScript(id)
	require.NoError(t, err)
	assert.Contains(t, script, "echo hi")

	got, err := s.ReadSettings(id)
	require.NoError(t, err)
	assert.Equal(t, "build", got["name"])
	assert.Equal(t, "2", got["procs"])

	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, status)
}

func TestAppendStatusHistoryOrdering(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("true\n", nil, types.StatusQueued)
	require.NoError(t, err)

	require.NoError(t, s.AppendStatus(id, types.StatusRunning, time.Now()))
	require.NoError(t, s.AppendStatus(id, types.StatusSuccess, time.Now()))

	history, err := s.ReadStatusHistory(id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, types.StatusQueued, history[0].Status)
	assert.Equal(t, types.StatusRunning, history[1].Status)
	assert.Equal(t, types.StatusSuccess, history[2].Status)

	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, status)
}

func TestReadStatusUnknownJob(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadStatus(types.JobID(99))
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestReadSettingMissingKey(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("true\n", types.Settings{"name": "x"}, types.StatusQueued)
	require.NoError(t, err)

	v, ok, err := s.ReadSetting(id, "mail")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestRunningSetMarkUnmark(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("true\n", nil, types.StatusQueued)
	require.NoError(t, err)

	require.NoError(t, s.MarkRunning(id))
	set, err := s.RunningSet()
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{id}, set)

	require.NoError(t, s.UnmarkRunning(id))
	set, err = s.RunningSet()
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestPIDAndReturnCode(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("true\n", nil, types.StatusRunning)
	require.NoError(t, err)

	_, ok, err := s.ReadPID(id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WritePID(id, 4242))
	pid, ok, err := s.ReadPID(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)

	require.NoError(t, s.WriteReturnCode(id, 0))
	rc, ok, err := s.ReadReturnCode(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, rc)
}

func TestListIDsAscending(t *testing.T) {
	s := newTestStore(t)
	var ids []types.JobID
	for i := 0; i < 3; i++ {
		id, err := s.CreateJob("true\n", nil, types.StatusQueued)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got, err := s.ListIDs()
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestDeleteJob(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("true\n", nil, types.StatusQueued)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(id))

	require.NoError(t, s.DeleteJob(id))

	_, err = s.ReadStatus(id)
	assert.ErrorIs(t, err, ErrJobNotFound)

	set, err := s.RunningSet()
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestShutdownSentinel(t *testing.T) {
	s := newTestStore(t)

	_, requested, err := s.ReadAndClearShutdown()
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, s.WriteShutdown(true))
	kill, requested, err := s.ReadAndClearShutdown()
	require.NoError(t, err)
	assert.True(t, requested)
	assert.True(t, kill)

	_, requested, err = s.ReadAndClearShutdown()
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestBecauseOfRoundTrip(t *testing.T) {
	s := newTestStore(t)
	parent, err := s.CreateJob("true\n", nil, types.StatusError)
	require.NoError(t, err)
	child, err := s.CreateJob("true\n", nil, types.StatusHold)
	require.NoError(t, err)

	_, ok, err := s.ReadBecauseOf(child)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteBecauseOf(child, parent))
	got, ok, err := s.ReadBecauseOf(child)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, parent, got)
}

func TestLockRoundTrip(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.lockDefault()
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.NoError(t, lock.Release())
}
