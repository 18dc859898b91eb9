package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/raj/hacep/pkg/types"
)

// KafkaLog reads input topics from a Kafka cluster. Consumers are assigned
// partitions directly and never join a consumer group: the process holding
// leadership is the only one consuming, and it tracks offsets in snapshots.
type KafkaLog struct {
	logger   *slog.Logger
	brokers  []string
	clientID string
}

// NewKafkaLog returns a log over brokers.
func NewKafkaLog(logger *slog.Logger, brokers []string, clientID string) *KafkaLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaLog{
		logger:   logger.With("component", "eventlog_kafka"),
		brokers:  brokers,
		clientID: clientID,
	}
}

func (l *KafkaLog) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(l.brokers...)}
	if l.clientID != "" {
		opts = append(opts, kgo.ClientID(l.clientID))
	}
	return opts
}

// NewConsumer lists the current partitions of opts.Topics and assigns all
// of them, starting each at its recorded offset or at opts.Start.
func (l *KafkaLog) NewConsumer(ctx context.Context, opts ConsumerOptions) (Consumer, error) {
	if len(opts.Topics) == 0 {
		return nil, errors.New("no input topics")
	}

	adminClient, err := kgo.NewClient(l.baseOpts()...)
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	starts, err := kadm.NewClient(adminClient).ListStartOffsets(ctx, opts.Topics...)
	adminClient.Close()
	if err != nil {
		return nil, fmt.Errorf("list input partitions: %w", err)
	}

	offsets := make(map[string]map[int32]kgo.Offset, len(opts.Topics))
	var listErr error
	assigned := 0
	starts.Each(func(resp kadm.ListedOffset) {
		if resp.Err != nil {
			listErr = fmt.Errorf("partition %s/%d: %w", resp.Topic, resp.Partition, resp.Err)
			return
		}
		if _, ok := offsets[resp.Topic]; !ok {
			offsets[resp.Topic] = make(map[int32]kgo.Offset)
		}
		tp := types.TopicPartition{Topic: resp.Topic, Partition: resp.Partition}
		if off, ok := opts.Offsets[tp]; ok {
			offsets[resp.Topic][resp.Partition] = kgo.NewOffset().At(off)
		} else if opts.Start == types.StartLatest {
			offsets[resp.Topic][resp.Partition] = kgo.NewOffset().AtEnd()
		} else {
			offsets[resp.Topic][resp.Partition] = kgo.NewOffset().AtStart()
		}
		assigned++
	})
	if listErr != nil {
		return nil, listErr
	}
	if assigned == 0 {
		return nil, fmt.Errorf("input topics %v have no partitions", opts.Topics)
	}

	clientOpts := append(l.baseOpts(),
		kgo.ConsumePartitions(offsets),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	)
	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create input consumer: %w", err)
	}
	l.logger.Info("input consumer assigned", "topics", opts.Topics, "partitions", assigned, "resumed", len(opts.Offsets))

	limit := opts.MaxPollRecords
	if limit <= 0 {
		limit = 500
	}
	return &kafkaConsumer{client: client, max: limit}, nil
}

type kafkaConsumer struct {
	client    *kgo.Client
	max       int
	closeOnce sync.Once
}

func (c *kafkaConsumer) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.client.PollRecords(ctx, c.max)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if fetchErr == nil {
			fetchErr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
		}
	})
	if fetchErr != nil {
		return nil, fetchErr
	}

	var out []Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
		})
	})
	if len(out) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, nil
}

func (c *kafkaConsumer) Close() error {
	c.closeOnce.Do(c.client.Close)
	return nil
}
