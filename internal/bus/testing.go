package bus

import (
	"context"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// NewForTests starts a fresh embedded JetStream server on a random port
// and wires a Bus to it, for use from package tests.
func NewForTests(ctx context.Context, workflow string, channels []ChannelSpec, agents []string) (*Bus, error) {
	opts := server.Options{Port: -1, JetStream: true, NoLog: true, NoSigs: true}
	srv := natstest.RunServer(&opts)

	b := &Bus{
		opts:     Options{SubjectPrefix: "bus"},
		workflow: workflow,
		channels: make(map[string]ChannelSpec, len(channels)),
	}
	b.embeddedServer = srv

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	b.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		b.Close()
		return nil, err
	}
	b.js = js

	for _, ch := range channels {
		capacity := ch.Capacity
		if capacity <= 0 {
			capacity = DefaultCapacity
		}
		ch.Capacity = capacity
		b.channels[ch.Name] = ch
		if err := b.ensureStream(b.channelSubject(ch.Name), capacity); err != nil {
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
