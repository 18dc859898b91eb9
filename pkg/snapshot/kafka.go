package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaBackend keeps snapshots as keyed records of a compacted topic. Get
// scans the topic up to its high watermarks and returns the last value seen
// for the key.
type KafkaBackend struct {
	logger  *slog.Logger
	brokers []string
	topic   string

	client *kgo.Client
	admin  *kadm.Client

	// idle bounds a single poll of a scan. Scans themselves are bounded by
	// the caller's context.
	idle time.Duration
}

// NewKafkaBackend connects a producer to brokers for topic.
func NewKafkaBackend(logger *slog.Logger, brokers []string, topic, clientID string) (*KafkaBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		return nil, errors.New("snapshot topic required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create snapshot producer: %w", err)
	}
	return &KafkaBackend{
		logger:  logger.With("component", "snapshot_kafka", "topic", topic),
		brokers: brokers,
		topic:   topic,
		client:  client,
		admin:   kadm.NewClient(client),
		idle:    2 * time.Second,
	}, nil
}

// Client returns the producer client. It stays owned by the backend and is
// closed by Close.
func (b *KafkaBackend) Client() *kgo.Client { return b.client }

func (b *KafkaBackend) Put(ctx context.Context, key string, value []byte) error {
	rec := &kgo.Record{Topic: b.topic, Key: []byte(key), Value: value}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce snapshot record: %w", err)
	}
	return nil
}

func (b *KafkaBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ends, err := b.admin.ListEndOffsets(ctx, b.topic)
	if err != nil {
		return nil, false, fmt.Errorf("list snapshot topic end offsets: %w", err)
	}
	starts, err := b.admin.ListStartOffsets(ctx, b.topic)
	if err != nil {
		return nil, false, fmt.Errorf("list snapshot topic start offsets: %w", err)
	}

	progress := newScanProgress()
	offsets := map[string]map[int32]kgo.Offset{b.topic: {}}
	var listErr error
	ends.Each(func(resp kadm.ListedOffset) {
		if resp.Err != nil {
			listErr = fmt.Errorf("end offset of %s/%d: %w", resp.Topic, resp.Partition, resp.Err)
			return
		}
		if start, ok := starts.Lookup(resp.Topic, resp.Partition); ok && start.Err == nil && start.Offset >= resp.Offset {
			return
		}
		if resp.Offset == 0 {
			return
		}
		progress.expect(resp.Partition, resp.Offset)
		offsets[b.topic][resp.Partition] = kgo.NewOffset().AtStart()
	})
	if listErr != nil {
		return nil, false, listErr
	}
	if progress.done() {
		return nil, false, nil
	}

	reader, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumePartitions(offsets),
	)
	if err != nil {
		return nil, false, fmt.Errorf("create snapshot reader: %w", err)
	}
	defer reader.Close()

	var (
		latest []byte
		found  bool
	)
	for !progress.done() {
		pollCtx, cancel := context.WithTimeout(ctx, b.idle)
		fetches := reader.PollFetches(pollCtx)
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, false, fmt.Errorf("snapshot scan incomplete, %d partitions short of their high watermark: %w",
				len(progress.pending), err)
		}
		if fetches.IsClientClosed() {
			return nil, false, errors.New("snapshot reader closed")
		}

		var fetchErr error
		fetches.EachError(func(_ string, _ int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			fetchErr = err
		})
		if fetchErr != nil {
			return nil, false, fmt.Errorf("fetch snapshot topic: %w", fetchErr)
		}

		records := 0
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, r := range p.Records {
				records++
				if string(r.Key) == key {
					// A nil value is a tombstone.
					latest, found = r.Value, r.Value != nil
				}
				progress.observe(p.Partition, r.Offset)
			}
		})
		if records == 0 && progress.settled() {
			// Compaction and transaction markers can leave the last offsets
			// of a partition without a visible record.
			b.logger.Warn("snapshot scan stopped short of the high watermark after an idle poll",
				"pending", progress.pendingList())
			break
		}
	}
	return latest, found, nil
}

// scanProgress tracks a scan of the snapshot topic towards the high
// watermarks listed before it started.
type scanProgress struct {
	pending map[int32]int64
	seen    map[int32]bool
}

func newScanProgress() *scanProgress {
	return &scanProgress{pending: make(map[int32]int64), seen: make(map[int32]bool)}
}

func (s *scanProgress) expect(partition int32, highWatermark int64) {
	s.pending[partition] = highWatermark
}

// observe records that offset of partition was read.
func (s *scanProgress) observe(partition int32, offset int64) {
	hwm, ok := s.pending[partition]
	if !ok {
		return
	}
	s.seen[partition] = true
	if offset+1 >= hwm {
		delete(s.pending, partition)
	}
}

func (s *scanProgress) done() bool { return len(s.pending) == 0 }

// settled reports whether every pending partition already delivered records,
// so an idle poll means only invisible offsets remain. A partition that has
// delivered nothing may still be waiting for its first fetch.
func (s *scanProgress) settled() bool {
	for p := range s.pending {
		if !s.seen[p] {
			return false
		}
	}
	return true
}

func (s *scanProgress) pendingList() []string {
	out := make([]string, 0, len(s.pending))
	for p, hwm := range s.pending {
		out = append(out, fmt.Sprintf("%d<%d", p, hwm))
	}
	sort.Strings(out)
	return out
}

func (b *KafkaBackend) Close() error {
	b.client.Close()
	return nil
}
