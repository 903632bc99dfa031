package command

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/sbs/internal/statemachine"
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

func TestSubmitDefaultsToHold(t *testing.T) {
	s := newTestStore(t)
	id, err := Submit(s, "#!/bin/sh\necho hi\n", SubmitOptions{})
	require.NoError(t, err)

	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHold, status)
}

func TestSubmitHoldOption(t *testing.T) {
	s := newTestStore(t)
	id, err := Submit(s, "echo hi\n", SubmitOptions{Hold: true})
	require.NoError(t, err)

	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUserHold, status)
}

func TestSubmitInjectsShebangWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	id, err := Submit(s, "echo hi\n", SubmitOptions{})
	require.NoError(t, err)

	script, err := s.ReadScript(id)
	require.NoError(t, err)
	assert.True(t, len(script) > 2 && script[:2] == "#!")
}

func TestSubmitParsesSBSDirectives(t *testing.T) {
	s := newTestStore(t)
	script := "#!/bin/sh\n#SBS -name mybuild\n#SBS -procs 4\necho hi\n"
	id, err := Submit(s, script, SubmitOptions{})
	require.NoError(t, err)

	settings, err := s.ReadSettings(id)
	require.NoError(t, err)
	assert.Equal(t, "mybuild", settings["name"])
	assert.Equal(t, "4", settings["procs"])
}

func TestSubmitOptionsOverrideDirectives(t *testing.T) {
	s := newTestStore(t)
	script := "#!/bin/sh\n#SBS -procs 4\necho hi\n"
	id, err := Submit(s, script, SubmitOptions{Procs: 8})
	require.NoError(t, err)

	settings, err := s.ReadSettings(id)
	require.NoError(t, err)
	assert.Equal(t, "8", settings["procs"])
}

func TestSubmitRejectsMissingDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := Submit(s, "echo hi\n", SubmitOptions{AfterOK: []types.JobID{999}})
	assert.ErrorIs(t, err, ErrDependencyMissing)
}

func TestSubmitRejectsEmptyScript(t *testing.T) {
	s := newTestStore(t)
	_, err := Submit(s, "   \n", SubmitOptions{})
	assert.ErrorIs(t, err, ErrScriptMissing)
}

func TestHoldAndRelease(t *testing.T) {
	s := newTestStore(t)
	id, err := Submit(s, "echo hi\n", SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, Hold(s, id))
	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUserHold, status)

	require.NoError(t, Release(s, id))
	status, err = s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHold, status)

	history, err := s.ReadStatusHistory(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(history), 3)
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("echo hi\n", nil, types.StatusQueued)
	require.NoError(t, err)

	require.NoError(t, Cancel(s, id))
	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancel, status)
}

func TestCancelRejectsAlreadyTerminalJob(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("echo hi\n", nil, types.StatusSuccess)
	require.NoError(t, err)

	err = Cancel(s, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, statemachine.ErrIllegalTransition))

	history, err := s.ReadStatusHistory(id)
	require.NoError(t, err)
	assert.Len(t, history, 1, "a rejected cancel must not append a second status entry")
}

func TestReleaseRejectsNonUserHoldJob(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("echo hi\n", nil, types.StatusRunning)
	require.NoError(t, err)

	err = Release(s, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, statemachine.ErrIllegalTransition))

	status, err := s.ReadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status, "a rejected release must leave RUNNING untouched")
}

func TestHoldRejectsTerminalJob(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateJob("echo hi\n", nil, types.StatusError)
	require.NoError(t, err)

	err = Hold(s, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, statemachine.ErrIllegalTransition))
}

func TestCleanupKeepsReferencedJob(t *testing.T) {
	s := newTestStore(t)
	parent, err := s.CreateJob("true\n", nil, types.StatusSuccess)
	require.NoError(t, err)
	_, err = s.CreateJob("true\n", types.Settings{"afterok": "1"}, types.StatusHold)
	require.NoError(t, err)

	cleaned, kept, err := Cleanup(s, nil)
	require.NoError(t, err)
	assert.Empty(t, cleaned)
	assert.Contains(t, kept, parent)
}

func TestCleanupRemovesUnreferencedTerminalJobs(t *testing.T) {
	s := newTestStore(t)
	parent, err := s.CreateJob("true\n", nil, types.StatusSuccess)
	require.NoError(t, err)
	child, err := s.CreateJob("true\n", types.Settings{"afterok": "1"}, types.StatusCancel)
	require.NoError(t, err)

	// The only job naming parent in afterok is itself terminal, so it
	// does not guard parent: one pass removes both.
	cleaned, kept, err := Cleanup(s, nil)
	require.NoError(t, err)
	assert.Contains(t, cleaned, parent)
	assert.Contains(t, cleaned, child)
	assert.Empty(t, kept)

	cleaned, kept, err = Cleanup(s, nil)
	require.NoError(t, err)
	assert.Empty(t, cleaned)
	assert.Empty(t, kept)
}

func TestRequestShutdownWritesSentinel(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, RequestShutdown(s, true))

	kill, requested, err := s.ReadAndClearShutdown()
	require.NoError(t, err)
	assert.True(t, requested)
	assert.True(t, kill)
}

func TestStatusReturnsAllJobs(t *testing.T) {
	s := newTestStore(t)
	id1, err := s.CreateJob("true\n", nil, types.StatusHold)
	require.NoError(t, err)
	id2, err := s.CreateJob("true\n", nil, types.StatusQueued)
	require.NoError(t, err)

	jobs, err := Status(s, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, id1, jobs[0].ID)
	assert.Equal(t, id2, jobs[1].ID)
}

func TestStatusFiltersByID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateJob("true\n", nil, types.StatusHold)
	require.NoError(t, err)
	id2, err := s.CreateJob("true\n", nil, types.StatusQueued)
	require.NoError(t, err)

	jobs, err := Status(s, &id2)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id2, jobs[0].ID)
}
