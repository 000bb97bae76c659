package mqtt

import (
	"sync"
	"testing"

	paho "github.com/eclipse/paho.mqtt.golang"

	"centinela/internal/buffer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []buffer.Event
}

func (s *recordingSink) Push(e buffer.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func (s *recordingSink) snapshot() []buffer.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]buffer.Event, len(s.events))
	copy(out, s.events)
	return out
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

var _ paho.Message = (*fakeMessage)(nil)

func TestNewDefaultsClientID(t *testing.T) {
	l := New(Config{Broker: "tcp://localhost:1883", Topic: "events/#"}, &recordingSink{})
	if l.cfg.ClientID != "centinela-collector" {
		t.Errorf("expected default client id, got %q", l.cfg.ClientID)
	}
}

func TestNewKeepsExplicitClientID(t *testing.T) {
	l := New(Config{Broker: "tcp://localhost:1883", Topic: "events/#", ClientID: "custom"}, &recordingSink{})
	if l.cfg.ClientID != "custom" {
		t.Errorf("expected custom client id preserved, got %q", l.cfg.ClientID)
	}
}

func TestOnMessagePushesEventWithTopicAsSourceIP(t *testing.T) {
	sink := &recordingSink{}
	l := New(Config{Broker: "tcp://localhost:1883", Topic: "events/#"}, sink)

	l.onMessage(nil, &fakeMessage{topic: "events/gateway-1/security", payload: []byte("intrusion detected")})

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].RawMessage != "intrusion detected" {
		t.Errorf("unexpected raw message: %q", events[0].RawMessage)
	}
	if events[0].SourceIP != "events/gateway-1/security" {
		t.Errorf("expected topic carried as source, got %q", events[0].SourceIP)
	}
}

func TestOnMessageDropWhenSinkFull(t *testing.T) {
	sink := &rejectingSink{}
	l := New(Config{Broker: "tcp://localhost:1883", Topic: "events/#"}, sink)

	// Should not panic even though Push reports failure.
	l.onMessage(nil, &fakeMessage{topic: "events/x", payload: []byte("x")})
}

type rejectingSink struct{}

func (rejectingSink) Push(buffer.Event) bool { return false }
