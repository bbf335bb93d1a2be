package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/audiolux/lumen/session"
)

func TestNewMQTT_Defaults(t *testing.T) {
	tr := NewMQTT("localhost:1883")

	assert.Equal(t, "tcp://localhost:1883", tr.broker, "bare addresses get a tcp scheme")
	assert.Equal(t, DefaultTopicPrefix, tr.topicPrefix)
	assert.Equal(t, DefaultQoS, tr.qos)
	assert.NotEmpty(t, tr.clientID)
	assert.False(t, tr.Connected())
}

func TestNewMQTT_Options(t *testing.T) {
	tr := NewMQTT("tls://broker.example:8883",
		WithClientID("lumen-test"),
		WithTopicPrefix("custom/root/"),
		WithQoS(2),
		WithCredentials("user", "secret"),
	)

	assert.Equal(t, "tls://broker.example:8883", tr.broker, "explicit schemes pass through")
	assert.Equal(t, "lumen-test", tr.clientID)
	assert.Equal(t, "custom/root", tr.topicPrefix, "trailing slash trimmed")
	assert.Equal(t, byte(2), tr.qos)
}

func TestNewMQTT_InvalidQoSKeepsDefault(t *testing.T) {
	tr := NewMQTT("localhost:1883", WithQoS(7))
	assert.Equal(t, DefaultQoS, tr.qos)
}

func TestMQTT_OpenRequiresConnection(t *testing.T) {
	tr := NewMQTT("localhost:1883")

	_, err := tr.Open(context.Background(), "jam")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMQTTChannel_TopicPerKind(t *testing.T) {
	c := &mqttChannel{base: "lumen/sessions/jam"}

	assert.Equal(t, "lumen/sessions/jam/deltas", c.topicFor(session.KindDelta))
	assert.Equal(t, "lumen/sessions/jam/snapshots", c.topicFor(session.KindSnapshot))
	assert.Equal(t, "lumen/sessions/jam/resync", c.topicFor(session.KindResync))
}
