package dod

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
)

func boolPtr(b bool) *bool { return &b }

func TestEvaluatePassesWhenAllPredicatesMet(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "out.txt", []byte("done"), 0o644))

	d := &dsl.DoD{Predicates: []dsl.DoDPredicate{{Kind: "file_exists", Path: "out.txt"}}}
	err := Evaluate(context.Background(), d, Deps{Fs: fs}, nil, nil)
	require.NoError(t, err)
}

func TestEvaluateFailsOnUnmetAfterRetries(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := &dsl.DoD{
		Predicates:  []dsl.DoDPredicate{{Kind: "file_exists", Path: "missing.txt"}},
		MaxRetries:  2,
		FailOnUnmet: boolPtr(true),
	}
	retries := 0
	retry := func(ctx context.Context, feedback []string, elevated bool) (any, error) {
		retries++
		return nil, nil
	}
	err := Evaluate(context.Background(), d, Deps{Fs: fs}, nil, retry)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrUnmet, de.Kind)
	assert.Equal(t, 2, retries)
}

func TestEvaluateSucceedsAfterRetryFixesPredicate(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := &dsl.DoD{
		Predicates: []dsl.DoDPredicate{{Kind: "file_exists", Path: "out.txt"}},
		MaxRetries: 2,
	}
	retry := func(ctx context.Context, feedback []string, elevated bool) (any, error) {
		require.NoError(t, afero.WriteFile(fs, "out.txt", []byte("done"), 0o644))
		return nil, nil
	}
	err := Evaluate(context.Background(), d, Deps{Fs: fs}, nil, retry)
	require.NoError(t, err)
}

func TestEvaluateWithoutFailOnUnmetReturnsNil(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := &dsl.DoD{
		Predicates:  []dsl.DoDPredicate{{Kind: "file_exists", Path: "missing.txt"}},
		MaxRetries:  1,
		FailOnUnmet: boolPtr(false),
	}
	err := Evaluate(context.Background(), d, Deps{Fs: fs}, nil, nil)
	require.NoError(t, err)
}

type fakeElevator struct {
	elevated bool
	reset    bool
}

func (f *fakeElevator) ElevatePermission() dsl.PermissionMode {
	f.elevated = true
	return dsl.PermissionBypass
}
func (f *fakeElevator) ResetPermission() { f.reset = true }

func TestEvaluateAutoElevatesOnPermissionFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := &dsl.DoD{
		Predicates:             []dsl.DoDPredicate{{Kind: "file_exists", Path: "missing.txt"}},
		MaxRetries:             1,
		AutoElevatePermissions: true,
	}
	el := &fakeElevator{}
	retry := func(ctx context.Context, feedback []string, elevated bool) (any, error) {
		assert.True(t, elevated)
		return nil, nil
	}
	err := Evaluate(context.Background(), d, Deps{Fs: fs}, el, retry)
	require.Error(t, err)
	assert.True(t, el.elevated)
	assert.True(t, el.reset)
}

func TestEvaluateStateEquals(t *testing.T) {
	d := &dsl.DoD{Predicates: []dsl.DoDPredicate{{Kind: "state_equals", Key: "phase", Value: "done"}}}
	deps := Deps{StateValue: func(key string) (any, bool) {
		if key == "phase" {
			return "done", true
		}
		return nil, false
	}}
	err := Evaluate(context.Background(), d, deps, nil, nil)
	require.NoError(t, err)
}

func TestEvaluateOutputMatches(t *testing.T) {
	d := &dsl.DoD{Predicates: []dsl.DoDPredicate{{Kind: "output_matches", Key: "summary", Pattern: "^ok"}}}
	deps := Deps{TaskOutput: func(key string) (any, bool) {
		return "ok: all good", true
	}}
	err := Evaluate(context.Background(), d, deps, nil, nil)
	require.NoError(t, err)
}
