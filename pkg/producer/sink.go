package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink produces messages to Kafka.
type KafkaSink struct {
	client *kgo.Client
	owned  bool
}

// NewKafkaSink connects a producer client to brokers.
func NewKafkaSink(brokers []string, clientID string) (*KafkaSink, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaSink{client: client, owned: true}, nil
}

// NewKafkaSinkFromClient produces through a client owned by the caller. Close
// leaves it open.
func NewKafkaSinkFromClient(client *kgo.Client) *KafkaSink {
	return &KafkaSink{client: client}
}

func (s *KafkaSink) Send(ctx context.Context, msg Message) error {
	// A shared client may carry another default topic.
	if msg.Topic == "" {
		return errors.New("message has no topic")
	}
	rec := &kgo.Record{Topic: msg.Topic, Value: msg.Value}
	if msg.Key != "" {
		rec.Key = []byte(msg.Key)
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return s.client.ProduceSync(ctx, rec).FirstErr()
}

func (s *KafkaSink) Close() error {
	if s.owned {
		s.client.Close()
	}
	return nil
}

// MemorySink collects messages in memory.
type MemorySink struct {
	mu       sync.Mutex
	messages []Message
	failWith error
	closed   bool
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.failWith != nil {
		return s.failWith
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FailWith makes subsequent sends return err; nil restores normal sends.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// Messages returns a copy of the messages sent so far.
func (s *MemorySink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Message, len(s.messages))
	copy(cp, s.messages)
	return cp
}
