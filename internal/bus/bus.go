// Package bus implements the Message Bus component: named broadcast
// channels with a fixed participant list, and per-agent direct inboxes,
// both backed by an embedded-or-external NATS server with JetStream
// enabled for bounded, drop-oldest buffering.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// ErrorKind is the stable taxonomy for BusError.
type ErrorKind string

const (
	ErrNotParticipant ErrorKind = "not_participant"
	ErrUnknownChannel ErrorKind = "unknown_channel"
	ErrClosed         ErrorKind = "closed"
)

// Error wraps a bus failure with its stable kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("bus: %s: %s", e.Kind, e.Msg) }

// DefaultCapacity is the channel/inbox buffer size used when a channel
// declares no explicit capacity.
const DefaultCapacity = 1000

// Envelope is one message carried over a channel or direct inbox.
type Envelope struct {
	ID        string         `json:"id,omitempty"`
	From      string         `json:"from"`
	Channel   string         `json:"channel,omitempty"`
	To        string         `json:"to,omitempty"`
	Body      any            `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// entropy backs ulid generation; ulid.Monotonic keeps IDs lexically
// sortable by publish order even within the same millisecond.
var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// ChannelSpec is one declared channel: its participant allow-list and
// buffer capacity (0 means DefaultCapacity).
type ChannelSpec struct {
	Name         string
	Participants []string
	Capacity     int
}

// Bus is one workflow run's messaging fabric: a JetStream-memory-backed
// broadcast stream per channel plus a direct-inbox stream per agent, all
// scoped under bus.<workflow>.*.
type Bus struct {
	opts     Options
	workflow string

	embeddedServer *server.Server
	conn           *nats.Conn
	js             nats.JetStreamContext

	channels map[string]ChannelSpec
}

// New connects (starting an embedded server first if configured) and
// declares the memory-retention JetStream streams backing every channel
// and every agent's direct inbox.
func New(ctx context.Context, opts Options, workflow string, channels []ChannelSpec, agents []string) (*Bus, error) {
	b := &Bus{opts: opts, workflow: workflow, channels: make(map[string]ChannelSpec, len(channels))}

	if opts.Embedded {
		srv, err := server.NewServer(&server.Options{Port: opts.EmbeddedPort, JetStream: true})
		if err != nil {
			return nil, fmt.Errorf("bus: start embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			srv.Shutdown()
			return nil, fmt.Errorf("bus: embedded server did not become ready")
		}
		b.embeddedServer = srv
	}

	url := opts.URL
	if b.embeddedServer != nil {
		url = b.embeddedServer.ClientURL()
	}
	conn, err := nats.Connect(url)
	if err != nil {
		b.shutdownEmbedded()
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	b.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}
	b.js = js

	for _, ch := range channels {
		cap := ch.Capacity
		if cap <= 0 {
			cap = DefaultCapacity
		}
		ch.Capacity = cap
		b.channels[ch.Name] = ch
		if err := b.ensureStream(b.channelSubject(ch.Name), cap); err != nil {
			b.Close()
			return nil, err
		}
	}
	for _, agent := range agents {
		if err := b.ensureStream(b.directSubject(agent), DefaultCapacity); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Bus) ensureStream(subject string, maxMsgs int) error {
	name := streamName(subject)
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   int64(maxMsgs),
		Discard:   nats.DiscardOld,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("bus: create stream %s: %w", name, err)
	}
	return nil
}

func streamName(subject string) string {
	out := make([]byte, 0, len(subject))
	for _, r := range subject {
		if r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func (b *Bus) channelSubject(channel string) string {
	return fmt.Sprintf("%s.%s.%s", b.opts.SubjectPrefix, b.workflow, channel)
}

func (b *Bus) directSubject(agent string) string {
	return fmt.Sprintf("%s.%s.direct.%s", b.opts.SubjectPrefix, b.workflow, agent)
}

// Publish broadcasts env on a declared channel. Returns ErrNotParticipant
// if env.From is not in the channel's participant list, ErrUnknownChannel
// if the channel was never declared.
func (b *Bus) Publish(channel string, env Envelope) error {
	spec, ok := b.channels[channel]
	if !ok {
		return &Error{Kind: ErrUnknownChannel, Msg: channel}
	}
	if !contains(spec.Participants, env.From) {
		return &Error{Kind: ErrNotParticipant, Msg: fmt.Sprintf("%q is not a participant of channel %q", env.From, channel)}
	}
	env.Channel = channel
	return b.publishJSON(b.channelSubject(channel), env)
}

// SendDirect delivers env to one agent's private inbox.
func (b *Bus) SendDirect(agent string, env Envelope) error {
	env.To = agent
	return b.publishJSON(b.directSubject(agent), env)
}

func (b *Bus) publishJSON(subject string, env Envelope) error {
	if env.ID == "" {
		env.ID = ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscription is a live ephemeral pull-consumer reader over one subject.
type Subscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// SubscribeChannel opens a new-messages-only ephemeral reader for a
// channel, delivering each envelope to handler until ctx is cancelled or
// Stop is called. Returns ErrNotParticipant if agent is not a member.
func (b *Bus) SubscribeChannel(ctx context.Context, channel, agent string, handler func(Envelope)) (*Subscription, error) {
	spec, ok := b.channels[channel]
	if !ok {
		return nil, &Error{Kind: ErrUnknownChannel, Msg: channel}
	}
	if !contains(spec.Participants, agent) {
		return nil, &Error{Kind: ErrNotParticipant, Msg: fmt.Sprintf("%q is not a participant of channel %q", agent, channel)}
	}
	return b.subscribe(ctx, b.channelSubject(channel), handler)
}

// SubscribeDirect opens a reader over one agent's private inbox.
func (b *Bus) SubscribeDirect(ctx context.Context, agent string, handler func(Envelope)) (*Subscription, error) {
	return b.subscribe(ctx, b.directSubject(agent), handler)
}

func (b *Bus) subscribe(ctx context.Context, subject string, handler func(Envelope)) (*Subscription, error) {
	ephemeral := fmt.Sprintf("%s-%d", streamName(subject), time.Now().UnixNano())
	sub, err := b.js.PullSubscribe(subject, ephemeral, nats.AckExplicit(), nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("bus: pull subscribe %s: %w", subject, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{sub: sub, cancel: cancel}
	go pullFetchLoop(subCtx, sub, handler)
	return s, nil
}

func pullFetchLoop(ctx context.Context, sub *nats.Subscription, handler func(Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := sub.Fetch(10, nats.MaxWait(5*time.Second))
		if err != nil {
			switch err {
			case nats.ErrTimeout:
				continue
			case nats.ErrConnectionClosed, nats.ErrConsumerDeleted, nats.ErrBadSubscription:
				return
			default:
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		for _, m := range msgs {
			var env Envelope
			if err := json.Unmarshal(m.Data, &env); err == nil {
				handler(env)
			}
			_ = m.Ack()
		}
	}
}

// Stop cancels a subscription's delivery loop.
func (s *Subscription) Stop() {
	s.cancel()
}

// Close drains and closes the connection and shuts down any embedded
// server this Bus started.
func (b *Bus) Close() error {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
	b.shutdownEmbedded()
	return nil
}

func (b *Bus) shutdownEmbedded() {
	if b.embeddedServer != nil {
		b.embeddedServer.Shutdown()
		b.embeddedServer = nil
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
