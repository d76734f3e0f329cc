package loop

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
)

func TestRunForEachSequentialCollectsInOrder(t *testing.T) {
	l := &dsl.Loop{Kind: "for_each", CollectResults: true}
	res, err := Run(context.Background(), RunOptions{
		Loop:       l,
		Collection: []any{"a", "b", "c"},
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			return vars["item"], nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, []any{"a", "b", "c"}, res.Collected)
}

func TestRunForEachParallelDeterministicOrder(t *testing.T) {
	l := &dsl.Loop{Kind: "for_each", Parallel: true, MaxParallel: 4, CollectResults: true}
	res, err := Run(context.Background(), RunOptions{
		Loop:       l,
		Collection: []any{1, 2, 3, 4, 5},
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			return vars["item"], nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3, 4, 5}, res.Collected)
}

func TestRunRepeatFixedCount(t *testing.T) {
	var calls int32
	l := &dsl.Loop{Kind: "repeat", Count: 4}
	res, err := Run(context.Background(), RunOptions{
		Loop: l,
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Iterations)
	assert.EqualValues(t, 4, calls)
}

func TestRunWhileStopsWhenConditionFalse(t *testing.T) {
	l := &dsl.Loop{Kind: "while", Condition: "iteration < 3", MaxIterations: 100}
	var seen []int
	res, err := Run(context.Background(), RunOptions{
		Loop: l,
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			seen = append(seen, i)
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Equal(t, 3, res.Iterations)
}

func TestRunRepeatUntilRunsBodyAtLeastOnce(t *testing.T) {
	l := &dsl.Loop{Kind: "repeat_until", Condition: "done == True", MaxIterations: 10}
	calls := 0
	res, err := Run(context.Background(), RunOptions{
		Loop: l,
		BaseVars: map[string]any{"done": true},
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			calls++
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Iterations)
}

func TestRunWhileExhaustsMaxIterations(t *testing.T) {
	l := &dsl.Loop{Kind: "while", Condition: "True", MaxIterations: 5}
	res, err := Run(context.Background(), RunOptions{
		Loop: l,
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			return nil, nil
		},
	})
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrMaxIterations, le.Kind)
	assert.Equal(t, 5, res.Iterations)
}

func TestRunForEachBreakCondition(t *testing.T) {
	l := &dsl.Loop{Kind: "for_each", BreakCondition: "item == 3", CollectResults: true}
	res, err := Run(context.Background(), RunOptions{
		Loop:       l,
		Collection: []any{1, 2, 3, 4, 5},
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			return vars["item"], nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.BrokeEarly)
	assert.Equal(t, []any{1, 2, 3}, res.Collected)
}

func TestRunForEachCheckpointsAtInterval(t *testing.T) {
	var checkpoints []int
	l := &dsl.Loop{Kind: "for_each", CheckpointInterval: 2}
	_, err := Run(context.Background(), RunOptions{
		Loop:       l,
		Collection: []any{1, 2, 3, 4},
		Dispatch: func(ctx context.Context, i int, vars map[string]any) (any, error) {
			return nil, nil
		},
		Checkpoint: func(iteration int, collected []any) error {
			checkpoints = append(checkpoints, iteration)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, checkpoints)
}

func TestResolveCollectionInline(t *testing.T) {
	src := &dsl.CollectionSource{Inline: []any{"x", "y"}}
	items, err := ResolveCollection(context.Background(), src, Resolver{})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, items)
}

func TestResolveCollectionRange(t *testing.T) {
	src := &dsl.CollectionSource{Range: &dsl.Range{Start: 0, End: 5, Step: 2}}
	items, err := ResolveCollection(context.Background(), src, Resolver{})
	require.NoError(t, err)
	assert.Equal(t, []any{0, 2, 4}, items)
}

func TestResolveCollectionFromTask(t *testing.T) {
	src := &dsl.CollectionSource{FromTask: "gather"}
	items, err := ResolveCollection(context.Background(), src, Resolver{
		TaskOutput: func(taskID string) (any, bool) {
			if taskID == "gather" {
				return []any{"a", "b"}, true
			}
			return nil, false
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, items)
}
