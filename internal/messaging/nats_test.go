package messaging

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"collab-core/internal/models"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	msgs []*nats.Msg
	err  error
}

func (c *capture) PublishMsg(msg *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func lockEvent() models.CollaborationEvent {
	return models.CollaborationEvent{
		ID:             "9f0c3a0e-1111-4222-8333-444455556666",
		SessionID:      "session-P1",
		Type:           models.EventResourceLocked,
		UserID:         "u1",
		Timestamp:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Data:           []byte(`{"lock":{"resourceId":"file-1"},"reason":"acquired"}`),
		SequenceNumber: 7,
	}
}

func decodeEnvelope(t *testing.T, body []byte) Envelope {
	t.Helper()
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, dm.Unmarshal(body, &env))
	return env
}

func TestDeliverPublishesEnvelope(t *testing.T) {
	conn := &capture{}
	p := newPublisher(conn, "")

	require.NoError(t, p.Deliver(context.Background(), lockEvent()))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, "collab.session.session-P1.resource_locked", msg.Subject)
	assert.Equal(t, "application/cbor", msg.Header.Get("Content-Type"))
	assert.Equal(t, lockEvent().ID, msg.Header.Get(nats.MsgIdHdr))

	env := decodeEnvelope(t, msg.Data)
	assert.Equal(t, uint64(7), env.SequenceNumber)
	assert.Equal(t, "resource_locked", env.Type)
	assert.True(t, env.Timestamp.Equal(lockEvent().Timestamp))

	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "acquired", data["reason"])
}

func TestEnvelopeEncodingIsDeterministic(t *testing.T) {
	a, err := EncodeEnvelope(lockEvent())
	require.NoError(t, err)
	b, err := EncodeEnvelope(lockEvent())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSubjectEscapesTokens(t *testing.T) {
	p := newPublisher(&capture{}, "audit")
	ev := lockEvent()
	ev.SessionID = "session-a.b*c>"
	assert.Equal(t, "audit.session.session-a_b_c_.resource_locked", p.Subject(ev))

	ev.SessionID = ""
	assert.Equal(t, "audit.session._.resource_locked", p.Subject(ev))
}

func TestDeliverSurfacesPublishErrors(t *testing.T) {
	p := newPublisher(&capture{err: nats.ErrConnectionClosed}, "")
	err := p.Deliver(context.Background(), lockEvent())
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
	assert.Equal(t, "nats", p.Name())
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(Config{})
	assert.Error(t, err)
}
