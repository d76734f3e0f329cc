package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRejectsNonParticipant(t *testing.T) {
	ctx := context.Background()
	b, err := NewForTests(ctx, "wf1", []ChannelSpec{{Name: "planning", Participants: []string{"planner", "reviewer"}}}, []string{"planner", "reviewer"})
	require.NoError(t, err)
	defer b.Close()

	err = b.Publish("planning", Envelope{From: "intruder", Body: "hi"})
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrNotParticipant, be.Kind)
}

func TestPublishUnknownChannel(t *testing.T) {
	ctx := context.Background()
	b, err := NewForTests(ctx, "wf1", nil, []string{"planner"})
	require.NoError(t, err)
	defer b.Close()

	err = b.Publish("missing", Envelope{From: "planner", Body: "hi"})
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrUnknownChannel, be.Kind)
}

func TestChannelBroadcastDelivery(t *testing.T) {
	ctx := context.Background()
	b, err := NewForTests(ctx, "wf2", []ChannelSpec{{Name: "planning", Participants: []string{"planner", "reviewer"}}}, []string{"planner", "reviewer"})
	require.NoError(t, err)
	defer b.Close()

	received := make(chan Envelope, 1)
	sub, err := b.SubscribeChannel(ctx, "planning", "reviewer", func(e Envelope) {
		received <- e
	})
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, b.Publish("planning", Envelope{From: "planner", Body: "draft ready"}))

	select {
	case env := <-received:
		assert.Equal(t, "planner", env.From)
		assert.Equal(t, "planning", env.Channel)
		assert.NotEmpty(t, env.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for channel delivery")
	}
}

func TestDirectInboxDelivery(t *testing.T) {
	ctx := context.Background()
	b, err := NewForTests(ctx, "wf3", nil, []string{"worker"})
	require.NoError(t, err)
	defer b.Close()

	received := make(chan Envelope, 1)
	sub, err := b.SubscribeDirect(ctx, "worker", func(e Envelope) {
		received <- e
	})
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, b.SendDirect("worker", Envelope{From: "coordinator", Body: "go"}))

	select {
	case env := <-received:
		assert.Equal(t, "coordinator", env.From)
		assert.Equal(t, "worker", env.To)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for direct delivery")
	}
}

func TestSubscribeChannelRejectsNonParticipant(t *testing.T) {
	ctx := context.Background()
	b, err := NewForTests(ctx, "wf4", []ChannelSpec{{Name: "planning", Participants: []string{"planner"}}}, []string{"planner"})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.SubscribeChannel(ctx, "planning", "intruder", func(Envelope) {})
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrNotParticipant, be.Kind)
}
