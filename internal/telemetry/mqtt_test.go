package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"hitomi/internal/stream"
)

type publication struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []publication
	err  error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, publication{topic, payload})
	return nil
}

func TestMQTTReporter_Topics(t *testing.T) {
	tests := []struct {
		prefix    string
		wantStats string
		wantFinal string
	}{
		{"hitomi", "hitomi/cam0/stats", "hitomi/cam0/final"},
		{"lab/cameras/", "lab/cameras/cam0/stats", "lab/cameras/cam0/final"},
		{"", "hitomi/cam0/stats", "hitomi/cam0/final"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			r := NewMQTTReporter(&fakePublisher{}, Config{TopicPrefix: tt.prefix}, "cam0")
			if r.StatsTopic() != tt.wantStats {
				t.Errorf("Expected %s, got %s", tt.wantStats, r.StatsTopic())
			}
			if r.FinalTopic() != tt.wantFinal {
				t.Errorf("Expected %s, got %s", tt.wantFinal, r.FinalTopic())
			}
		})
	}
}

func TestMQTTReporter_Payload(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	stats := stream.Stats{Elapsed: 5 * time.Second, FrameCount: 150, FPS: 30}

	for _, encoding := range []string{EncodingJSON, EncodingMsgpack} {
		t.Run(encoding, func(t *testing.T) {
			pub := &fakePublisher{}
			r := NewMQTTReporter(pub, Config{TopicPrefix: "hitomi", Encoding: encoding}, "cam0")
			r.now = func() time.Time { return fixed }

			r.Progress(stats)
			r.Final(stats)

			if len(pub.sent) != 2 {
				t.Fatalf("Expected 2 publications, got %d", len(pub.sent))
			}

			want := []struct {
				topic string
				event stream.EventType
			}{
				{"hitomi/cam0/stats", stream.EventProgress},
				{"hitomi/cam0/final", stream.EventFinal},
			}
			for i, w := range want {
				if pub.sent[i].topic != w.topic {
					t.Errorf("Expected topic %s, got %s", w.topic, pub.sent[i].topic)
				}
				msg, err := Decode(pub.sent[i].payload, encoding)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if msg.Event != w.event || msg.DeviceID != "cam0" {
					t.Errorf("Unexpected message: %+v", msg)
				}
				if msg.Stats.FrameCount != 150 || msg.Stats.FPS != 30 || msg.Stats.ElapsedSeconds != 5 {
					t.Errorf("Unexpected stats: %+v", msg.Stats)
				}
				if !msg.Timestamp.Equal(fixed) {
					t.Errorf("Expected timestamp %v, got %v", fixed, msg.Timestamp)
				}
			}
		})
	}
}

func TestMQTTReporter_PublishFailureIsNotFatal(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	r := NewMQTTReporter(pub, DefaultConfig(), "cam0")

	// パニックせずに戻ればよい
	r.Progress(stream.Stats{FrameCount: 1})
	r.Final(stream.Stats{FrameCount: 1})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"msgpack", Config{Encoding: EncodingMsgpack}, false},
		{"bad encoding", Config{Encoding: "xml"}, true},
		{"bad qos", Config{QoS: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if DefaultConfig().Enabled() {
		t.Error("Expected MQTT to be disabled without a broker")
	}
}

func TestEncode_Unknown(t *testing.T) {
	if _, err := Encode(Message{}, "xml"); err == nil {
		t.Error("Expected error for unknown encoding")
	}
}

func TestClient_PublishWithoutConnect(t *testing.T) {
	c := NewClient(Config{Broker: "localhost:1883"})
	if err := c.Publish("hitomi/x/stats", []byte("{}")); err == nil {
		t.Error("Expected error when not connected")
	}
	if c.Stats().Errors != 1 {
		t.Errorf("Expected 1 error, got %d", c.Stats().Errors)
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("localhost:1883"); got != "tcp://localhost:1883" {
		t.Errorf("Unexpected URL %s", got)
	}
	if got := brokerURL("ssl://broker:8883"); got != "ssl://broker:8883" {
		t.Errorf("Unexpected URL %s", got)
	}
}
