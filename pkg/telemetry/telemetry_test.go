package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/controller"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/safety"
	"github.com/itohio/gostim/pkg/session"
)

type token struct {
	err     error
	pending bool
}

func (t *token) Wait() bool                     { return !t.pending }
func (t *token) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *token) Error() error                   { return t.err }
func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	err          error
	pending      bool
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &token{err: c.err, pending: c.pending}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func newSink(c *fakeClient) *Sink {
	cfg := config.Default().Telemetry
	cfg.TopicPrefix = "lab/rig1"
	return New(c, cfg, nil)
}

func TestSink_PublishesEvents(t *testing.T) {
	c := &fakeClient{}
	s := newSink(c)

	s.Handle(events.Event{
		Kind:    events.SafetyStateChanged,
		Source:  "safety",
		Time:    time.Unix(1700000000, 0).UTC(),
		Payload: safety.StateChange{From: safety.Attached, To: safety.Detached, Pressure: 40},
	})

	require.Len(t, c.messages, 1)
	msg := c.messages[0]
	assert.Equal(t, "lab/rig1/events/safetyStateChanged", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var got struct {
		Kind    string `json:"kind"`
		Payload struct {
			From     string  `json:"from"`
			To       string  `json:"to"`
			Pressure float64 `json:"pressure"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "safetyStateChanged", got.Kind)
	assert.Equal(t, "Detached", got.Payload.To)
	assert.InDelta(t, 40, got.Payload.Pressure, 1e-9)
}

func TestSink_SessionSummary(t *testing.T) {
	c := &fakeClient{}
	s := newSink(c)

	s.Handle(events.Event{Kind: events.SessionCompleted, Payload: session.Stats{
		SessionID: "abc",
		Mode:      session.Forced,
		Peaks:     2,
		Reason:    session.ReasonTargetPeaks,
	}})

	require.Len(t, c.messages, 2)
	assert.Equal(t, "lab/rig1/events/sessionCompleted", c.messages[0].topic)
	assert.Equal(t, "lab/rig1/sessions", c.messages[1].topic)

	var stats struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
		Peaks     int    `json:"peaks"`
		Final     string `json:"final_state"`
	}
	require.NoError(t, json.Unmarshal(c.messages[1].payload, &stats))
	assert.Equal(t, "abc", stats.SessionID)
	assert.Equal(t, "forced", stats.Mode)
	assert.Equal(t, 2, stats.Peaks)
	assert.Equal(t, "Stopped", stats.Final)
}

func TestSink_Status(t *testing.T) {
	c := &fakeClient{}
	s := newSink(c)

	require.NoError(t, s.PublishStatus(controller.Snapshot{EmergencyStop: true, EmergencyReason: "button"}))
	require.Len(t, c.messages, 1)
	assert.Equal(t, "lab/rig1/status", c.messages[0].topic)
	assert.True(t, c.messages[0].retained)
	assert.Contains(t, string(c.messages[0].payload), `"emergency_reason":"button"`)
}

func TestSink_Errors(t *testing.T) {
	c := &fakeClient{err: errors.New("broker gone")}
	s := newSink(c)
	err := s.PublishStatus(controller.Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")

	// Handle logs and drops failures.
	assert.NotPanics(t, func() { s.Handle(events.Event{Kind: events.EdgeDetected}) })

	c = &fakeClient{pending: true}
	s = newSink(c)
	err = s.PublishStatus(controller.Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSink_Close(t *testing.T) {
	c := &fakeClient{}
	newSink(c).Close()
	assert.True(t, c.disconnected)
}
