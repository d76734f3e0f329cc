package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
)

func identity(s string) (string, error) { return s, nil }

func TestDispatchSkipsWhenConditionFalse(t *testing.T) {
	called := false
	sink := fakeSink{kind: "console", fn: func(Message) error { called = true; return nil }}
	r := NewRouter(sink)
	n := &dsl.Notify{
		Title: "t", Body: "b", Condition: "false",
		Channels: []dsl.NotifyChannelSpec{{Kind: "console"}},
	}
	err := Dispatch(context.Background(), r, n, map[string]any{}, identity)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestDispatchDeliversToEachChannel(t *testing.T) {
	var delivered []string
	console := fakeSink{kind: "console", fn: func(Message) error { delivered = append(delivered, "console"); return nil }}
	file := fakeSink{kind: "file", fn: func(Message) error { delivered = append(delivered, "file"); return nil }}
	r := NewRouter(console, file)
	n := &dsl.Notify{
		Title: "t", Body: "b",
		Channels: []dsl.NotifyChannelSpec{{Kind: "console"}, {Kind: "file"}},
	}
	err := Dispatch(context.Background(), r, n, map[string]any{}, identity)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"console", "file"}, delivered)
}

func TestDispatchUnknownChannelFailsOnlyWhenFailOnError(t *testing.T) {
	r := NewRouter()
	n := &dsl.Notify{Title: "t", Body: "b", Channels: []dsl.NotifyChannelSpec{{Kind: "nope"}}}
	require.NoError(t, Dispatch(context.Background(), r, n, map[string]any{}, identity))

	n.FailOnError = true
	err := Dispatch(context.Background(), r, n, map[string]any{}, identity)
	require.Error(t, err)
}

func TestDeliverWithRetryRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	sink := fakeSink{kind: "console", fn: func(Message) error {
		attempts++
		if attempts < 3 {
			return assertErr
		}
		return nil
	}}
	err := deliverWithRetry(context.Background(), sink, Message{}, &dsl.RetryPolicy{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestFileSinkAppendsLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := FileSink{Fs: fs}
	msg := Message{Title: "hi", Body: "world", Fields: map[string]any{"path": "/tmp/notify.log"}}
	require.NoError(t, sink.Send(context.Background(), msg))
	data, err := afero.ReadFile(fs, "/tmp/notify.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), "hi")
	assert.Contains(t, string(data), "world")
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := WebhookSink{Client: srv.Client()}
	msg := Message{Title: "t", Body: "b", Fields: map[string]any{"url": srv.URL}}
	require.NoError(t, sink.Send(context.Background(), msg))
}

func TestWebhookSinkSurfacesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := WebhookSink{Client: srv.Client()}
	msg := Message{Title: "t", Body: "b", Fields: map[string]any{"url": srv.URL}}
	require.Error(t, sink.Send(context.Background(), msg))
}

func TestNtfySinkMapsPriorityToNumericScale(t *testing.T) {
	var gotPriority string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPriority = r.Header.Get("Priority")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NtfySink{Client: srv.Client()}
	msg := Message{Title: "t", Body: "b", Priority: dsl.PriorityCritical, Fields: map[string]any{"url": srv.URL}}
	require.NoError(t, sink.Send(context.Background(), msg))
	assert.Equal(t, "5", gotPriority)
}

type fakeSink struct {
	kind string
	fn   func(Message) error
}

func (f fakeSink) Kind() string { return f.kind }
func (f fakeSink) Send(_ context.Context, msg Message) error {
	return f.fn(msg)
}

var assertErr = &Error{Kind: ErrDeliveryFailed, Channel: "console", Err: context.DeadlineExceeded}
