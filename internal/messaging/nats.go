// Package messaging publishes collaboration events to NATS for external
// consumers (UI backends, audit, analytics).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"collab-core/internal/models"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
)

/*
LEARNING: EVENT FAN-OUT OVER NATS

  Session Manager → FanOut → NATSPublisher → <prefix>.session.<id>.<type>

Subscribers pick what they need with wildcards:
  collab.session.*.resource_locked   every lock in every session
  collab.session.session-P1.>        everything in one session

Payloads are CBOR with deterministic encoding, so the same event always
produces the same bytes. Nats-Msg-Id carries the event id for JetStream
de-duplication.
*/

// Envelope is the CBOR body of every published event
type Envelope struct {
	ID             string    `cbor:"id"`
	SessionID      string    `cbor:"sessionId"`
	Type           string    `cbor:"type"`
	UserID         string    `cbor:"userId"`
	SequenceNumber uint64    `cbor:"seq"`
	Timestamp      time.Time `cbor:"ts"`
	Ephemeral      bool      `cbor:"ephemeral,omitempty"`
	Data           any       `cbor:"data,omitempty"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("messaging: CBOR encoder initialization failed: " + err.Error())
	}
}

// publisher is the part of *nats.Conn we use
type publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Config for Connect
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher is a services.Sink publishing events as CBOR envelopes
type NATSPublisher struct {
	conn   publisher
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with unlimited reconnects
func Connect(cfg Config) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	p := newPublisher(nc, cfg.SubjectPrefix)
	p.nc = nc
	return p, nil
}

func newPublisher(conn publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "collab"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (p *NATSPublisher) Name() string { return "nats" }

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(ev models.CollaborationEvent) string {
	return fmt.Sprintf("%s.session.%s.%s", p.prefix, subjectToken(ev.SessionID), subjectToken(string(ev.Type)))
}

// Deliver publishes one event. Core NATS publish only buffers locally,
// so this never waits on the network.
func (p *NATSPublisher) Deliver(_ context.Context, ev models.CollaborationEvent) error {
	body, err := EncodeEnvelope(ev)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(p.Subject(ev))
	msg.Data = body
	msg.Header.Set("Content-Type", "application/cbor")
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Header.Set("Collab-Session", ev.SessionID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close drains pending publishes
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// EncodeEnvelope converts an event to its CBOR envelope. The JSON event
// payload becomes native CBOR maps and arrays.
func EncodeEnvelope(ev models.CollaborationEvent) ([]byte, error) {
	env := Envelope{
		ID:             ev.ID,
		SessionID:      ev.SessionID,
		Type:           string(ev.Type),
		UserID:         ev.UserID,
		SequenceNumber: ev.SequenceNumber,
		Timestamp:      ev.Timestamp.UTC(),
		Ephemeral:      ev.Ephemeral,
	}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &env.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}

	body, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}

// subjectToken keeps ids from introducing extra subject levels or wildcards
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
