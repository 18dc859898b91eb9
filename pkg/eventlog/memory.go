package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/raj/hacep/pkg/types"
)

// MemoryLog is an in-process partitioned log.
type MemoryLog struct {
	mu         sync.Mutex
	partitions map[types.TopicPartition][]Record
	changed    chan struct{}
	pollErr    error
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		partitions: make(map[types.TopicPartition][]Record),
		changed:    make(chan struct{}),
	}
}

// Append adds a record and returns its offset.
func (l *MemoryLog) Append(topic string, partition int32, key string, value []byte) int64 {
	tp := types.TopicPartition{Topic: topic, Partition: partition}
	l.mu.Lock()
	defer l.mu.Unlock()
	off := int64(len(l.partitions[tp]))
	var k []byte
	if key != "" {
		k = []byte(key)
	}
	l.partitions[tp] = append(l.partitions[tp], Record{
		Topic:     topic,
		Partition: partition,
		Offset:    off,
		Key:       k,
		Value:     value,
	})
	close(l.changed)
	l.changed = make(chan struct{})
	return off
}

// EndOffset returns the offset the next appended record will get.
func (l *MemoryLog) EndOffset(topic string, partition int32) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.partitions[types.TopicPartition{Topic: topic, Partition: partition}]))
}

// FailPolls makes every Poll return err until called with nil.
func (l *MemoryLog) FailPolls(err error) {
	l.mu.Lock()
	l.pollErr = err
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}

func (l *MemoryLog) NewConsumer(_ context.Context, opts ConsumerOptions) (Consumer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	topics := make(map[string]struct{}, len(opts.Topics))
	for _, t := range opts.Topics {
		topics[t] = struct{}{}
	}
	// Partitions that appear later start at their beginning.
	pos := make(map[types.TopicPartition]int64)
	for tp, recs := range l.partitions {
		if _, ok := topics[tp.Topic]; !ok {
			continue
		}
		if off, ok := opts.Offsets[tp]; ok {
			pos[tp] = off
		} else if opts.Start == types.StartLatest {
			pos[tp] = int64(len(recs))
		}
	}
	for tp, off := range opts.Offsets {
		if _, ok := topics[tp.Topic]; ok {
			pos[tp] = off
		}
	}
	limit := opts.MaxPollRecords
	if limit <= 0 {
		limit = 500
	}
	return &memoryConsumer{log: l, topics: topics, pos: pos, limit: limit, closed: make(chan struct{})}, nil
}

type memoryConsumer struct {
	log    *MemoryLog
	topics map[string]struct{}
	limit  int

	mu        sync.Mutex
	pos       map[types.TopicPartition]int64
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memoryConsumer) Poll(ctx context.Context) ([]Record, error) {
	for {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}

		c.log.mu.Lock()
		if err := c.log.pollErr; err != nil {
			c.log.mu.Unlock()
			return nil, err
		}
		out := c.collect()
		changed := c.log.changed
		c.log.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-changed:
		case <-c.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// collect must be called with the log mutex held.
func (c *memoryConsumer) collect() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	tps := make([]types.TopicPartition, 0, len(c.log.partitions))
	for tp := range c.log.partitions {
		if _, ok := c.topics[tp.Topic]; ok {
			tps = append(tps, tp)
		}
	}
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})

	var out []Record
	for _, tp := range tps {
		recs := c.log.partitions[tp]
		for p := c.pos[tp]; p < int64(len(recs)) && len(out) < c.limit; p++ {
			out = append(out, recs[p])
			c.pos[tp] = p + 1
		}
	}
	return out
}

func (c *memoryConsumer) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
