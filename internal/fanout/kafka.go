package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	NodeID  string
}

// KafkaRelay shares change notifications between nodes. Every node writes
// the topics it publishes and reads everyone else's with its own consumer
// group, so each node sees the full stream.
type KafkaRelay struct {
	bus     *Bus
	node    string
	writer  *kafka.Writer
	reader  *kafka.Reader
	log     *slog.Logger
	metrics *metrics.Metrics
}

type envelope struct {
	Node  string `json:"node"`
	Topic Topic  `json:"topic"`
	At    int64  `json:"at"`
}

func NewKafkaRelay(bus *Bus, cfg KafkaConfig, log *slog.Logger, m *metrics.Metrics) *KafkaRelay {
	log = logging.OrDiscard(log)
	r := &KafkaRelay{bus: bus, node: cfg.NodeID, log: log, metrics: m}

	r.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(_ []kafka.Message, err error) {
			if err != nil {
				log.Warn("relay_write_failed", "error", err)
			}
		},
	}
	r.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     "realtime-" + cfg.NodeID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return r
}

// Forward implements Forwarder.
func (r *KafkaRelay) Forward(t Topic) {
	payload, err := json.Marshal(envelope{Node: r.node, Topic: t, At: time.Now().UnixNano()})
	if err != nil {
		r.log.Error("relay_encode_failed", "topic", string(t), "error", err)
		return
	}
	// Async writer: this only enqueues.
	if err := r.writer.WriteMessages(context.Background(), kafka.Message{Key: []byte(t), Value: payload}); err != nil {
		r.log.Warn("relay_write_failed", "topic", string(t), "error", err)
		return
	}
	r.metrics.Relayed("out")
}

// Run consumes remote notifications until ctx is cancelled. After a read
// error the relay may have missed events, so the first successful read
// afterwards resyncs every local subscription.
func (r *KafkaRelay) Run(ctx context.Context) error {
	degraded := false
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.log.Warn("relay_read_failed", "error", err)
			degraded = true
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if degraded {
			r.log.Info("relay_recovered")
			r.bus.Resync()
			degraded = false
		}
		r.handle(m)
	}
}

func (r *KafkaRelay) handle(m kafka.Message) {
	var env envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		r.log.Warn("relay_decode_failed", "error", err)
		return
	}
	if env.Node == r.node || env.Topic == "" {
		return
	}
	r.metrics.Relayed("in")
	r.bus.PublishLocal(env.Topic)
}

func (r *KafkaRelay) Close() error {
	return errors.Join(r.writer.Close(), r.reader.Close())
}
