package events

import (
	"encoding/json"
	"testing"

	"github.com/danvaneijck/attache/internal/config"
)

func testPublisher() *Publisher {
	return New(config.MQTTConfig{
		Broker:      "mqtt://localhost:1883",
		TopicPrefix: "attache",
	}, nil)
}

func TestEventPayload(t *testing.T) {
	p := testPublisher()
	p.ToolExecuted("c1", "search.query", true)

	ev := <-p.queue
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != TypeToolExecuted {
		t.Errorf("type = %v", got["type"])
	}
	if got["conversation_id"] != "c1" {
		t.Errorf("conversation_id = %v", got["conversation_id"])
	}
	if got["tool"] != "search.query" {
		t.Errorf("tool = %v", got["tool"])
	}
	if got["is_error"] != true {
		t.Errorf("is_error = %v", got["is_error"])
	}
	if got["timestamp"] == nil {
		t.Error("timestamp missing")
	}
	// Zero-value fields stay off the wire.
	if _, present := got["partial"]; present {
		t.Error("partial should be omitted for tool events")
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	p := testPublisher()

	// Far more events than the queue holds, with no worker draining.
	for i := 0; i < 500; i++ {
		p.TurnStarted("c1", "u1")
	}
}

func TestTopics(t *testing.T) {
	p := testPublisher()
	if got := p.availabilityTopic(); got != "attache/availability" {
		t.Errorf("availability topic = %q", got)
	}
	if got := p.eventTopic(TypeTurnCompleted); got != "attache/events/turn_completed" {
		t.Errorf("event topic = %q", got)
	}
}

func TestEnabled(t *testing.T) {
	if testPublisher().Enabled() != true {
		t.Error("configured broker should report enabled")
	}
	if New(config.MQTTConfig{}, nil).Enabled() {
		t.Error("empty broker should report disabled")
	}
}
