package depresolver

import (
	"strconv"
	"testing"

	"github.com/ChuLiYu/sbs/internal/store"
	"github.com/ChuLiYu/sbs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func createHoldJob(t *testing.T, s *store.Store, afterok string) types.JobID {
	t.Helper()
	settings := types.Settings{}
	if afterok != "" {
		settings["afterok"] = afterok
	}
	id, err := s.CreateJob("true\n", settings, types.StatusHold)
	require.NoError(t, err)
	return id
}

func TestResolvePromotesWhenNoDependencies(t *testing.T) {
	s := newTestStore(t)
	id := createHoldJob(t, s, "")

	promoted, cancelled, err := Resolve(s)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{id}, promoted)
	assert.Empty(t, cancelled)

	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, status)
}

func TestResolveStaysHoldWhilePredecessorRunning(t *testing.T) {
	s := newTestStore(t)
	predecessor, err := s.CreateJob("true\n", nil, types.StatusRunning)
	require.NoError(t, err)

	dependent := createHoldJob(t, s, itoa(predecessor))

	promoted, cancelled, err := Resolve(s)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	assert.Empty(t, cancelled)

	status, err := s.ReadStatus(dependent)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHold, status)
}

func TestResolvePromotesWhenPredecessorSucceeded(t *testing.T) {
	s := newTestStore(t)
	predecessor, err := s.CreateJob("true\n", nil, types.StatusSuccess)
	require.NoError(t, err)

	dependent := createHoldJob(t, s, itoa(predecessor))

	promoted, _, err := Resolve(s)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{dependent}, promoted)
}

func TestResolveCancelsWhenPredecessorErrored(t *testing.T) {
	s := newTestStore(t)
	predecessor, err := s.CreateJob("false\n", nil, types.StatusError)
	require.NoError(t, err)

	dependent := createHoldJob(t, s, itoa(predecessor))

	_, cancelled, err := Resolve(s)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{dependent}, cancelled)

	status, err := s.ReadStatus(dependent)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancel, status)

	becauseOf, ok, err := s.ReadBecauseOf(dependent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, predecessor, becauseOf)
}

func TestResolveMissingPredecessorAssumedSuccess(t *testing.T) {
	s := newTestStore(t)
	dependent := createHoldJob(t, s, "9999")

	promoted, cancelled, err := Resolve(s)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{dependent}, promoted)
	assert.Empty(t, cancelled)
}

func TestResolveOrdersByAscendingID(t *testing.T) {
	s := newTestStore(t)
	predecessor, err := s.CreateJob("true\n", nil, types.StatusCancel)
	require.NoError(t, err)

	first := createHoldJob(t, s, itoa(predecessor))
	second := createHoldJob(t, s, "")

	promoted, cancelled, err := Resolve(s)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{first}, cancelled)
	assert.Equal(t, []types.JobID{second}, promoted)
}

func itoa(id types.JobID) string {
	return strconv.FormatInt(int64(id), 10)
}
