package state

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
)

func TestCheckpointAndLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/state")
	doc := NewDocument("deploy", "1.0.0")
	store.Attach(doc)
	store.SetTask("build", dsl.StatusCompleted)

	require.NoError(t, store.Checkpoint())

	loaded, found, err := New(fs, "/state").Load("deploy", "1.0.0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, dsl.StatusCompleted, loaded.Tasks["build"].Status)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, found, err := New(fs, "/state").Load("nothing", "1.0.0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadVersionMismatchIsHardError(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/state")
	store.Attach(NewDocument("deploy", "1.0.0"))
	require.NoError(t, store.Checkpoint())

	_, _, err := New(fs, "/state").Load("deploy", "2.0.0")
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrVersionMismatch, se.Kind)
}

func TestApplyResumeRewritesStatuses(t *testing.T) {
	doc := NewDocument("deploy", "1.0.0")
	doc.Tasks["build"] = &TaskState{Status: dsl.StatusCompleted}
	doc.Tasks["deploy"] = &TaskState{Status: dsl.StatusRunning, Attempts: 2}
	doc.Tasks["lint"] = &TaskState{Status: dsl.StatusFailed}
	doc.Status = StatusFailed

	ApplyResume(doc)

	assert.Equal(t, dsl.StatusSkipped, doc.Tasks["build"].Status)
	assert.Equal(t, dsl.StatusPending, doc.Tasks["deploy"].Status)
	assert.Equal(t, 0, doc.Tasks["deploy"].Attempts)
	assert.Equal(t, dsl.StatusFailed, doc.Tasks["lint"].Status)
	assert.Equal(t, StatusRunning, doc.Status)
}
