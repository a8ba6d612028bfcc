// Package events publishes machine change notifications over NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

// Subject is the NATS subject machine events are published on.
const Subject = "machines.events"

// MachineUpdatedEvent is the payload of a machine.metadata.updated event.
type MachineUpdatedEvent struct {
	Event    string            `json:"event"`
	Machine  string            `json:"machine"`
	Provider string            `json:"provider"`
	Actor    string            `json:"actor"`
	Version  int64             `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Time     int64             `json:"time"`
}

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends machine events. A Publisher is safe for concurrent use.
type Publisher struct {
	nc      conn
	subject string
	log     *zap.Logger
	now     func() time.Time
	closeFn func()
}

// Connect dials NATS at url and returns a Publisher on Subject.
func Connect(url string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("celerix-machined"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	p := newPublisher(nc, Subject, log)
	p.closeFn = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return p, nil
}

func newPublisher(c conn, subject string, log *zap.Logger) *Publisher {
	return &Publisher{nc: c, subject: subject, log: log, now: time.Now}
}

// MachineUpdated publishes a machine.metadata.updated event.
// Failures are logged and never surface to the caller.
func (p *Publisher) MachineUpdated(_ context.Context, m *schema.CoreMachine, actor string) {
	ev := MachineUpdatedEvent{
		Event:    "machine.metadata.updated",
		Machine:  m.ID,
		Provider: m.ProviderID,
		Actor:    actor,
		Version:  m.Version,
		Metadata: m.Metadata,
		Time:     p.now().Unix(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to encode machine event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		p.log.Warn("failed to publish machine event",
			zap.String("machine", m.ID), zap.Error(err))
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.closeFn != nil {
		p.closeFn()
	}
}
