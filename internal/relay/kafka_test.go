package relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestNewKafkaRelayWriterConfig(t *testing.T) {
	r := NewKafkaRelay([]string{"localhost:9092"}, zerolog.Nop())
	defer r.Close()

	if _, ok := r.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("Balancer = %T, want *kafka.Hash so a room stays on one partition", r.writer.Balancer)
	}
	if r.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("RequiredAcks = %v, want RequireOne", r.writer.RequiredAcks)
	}
	if r.writer.Async {
		t.Errorf("writer must be synchronous so publish failures reach the caller")
	}
}

func TestFromKafka(t *testing.T) {
	at := time.Unix(1700000000, 0)
	got := fromKafka(kafka.Message{Topic: "chat.inbound", Key: []byte("r1"), Value: []byte("{}"), Time: at})

	if got.Topic != "chat.inbound" || got.Key != "r1" || string(got.Value) != "{}" || !got.Time.Equal(at) {
		t.Errorf("fromKafka = %+v", got)
	}
}

func TestSubscribeOptions(t *testing.T) {
	if cfg := buildSubscribeConfig(nil); cfg.fromLatest {
		t.Errorf("default should replay retained messages")
	}
	if cfg := buildSubscribeConfig([]SubscribeOption{FromLatest()}); !cfg.fromLatest {
		t.Errorf("FromLatest not applied")
	}
}
