// Package eventlog abstracts the partitioned, offset-addressed input log the
// consumer session reads from.
package eventlog

import (
	"context"
	"errors"

	"github.com/raj/hacep/pkg/types"
)

var ErrClosed = errors.New("consumer closed")

// Record is one input log entry.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// TopicPartition returns the partition the record was read from.
func (r Record) TopicPartition() types.TopicPartition {
	return types.TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// ConsumerOptions positions a new consumer.
type ConsumerOptions struct {
	Topics []string
	// Offsets holds explicit resume positions. Partitions not listed start
	// at Start.
	Offsets        types.Offsets
	Start          types.StartPosition
	MaxPollRecords int
}

// Log creates consumers over the input log.
type Log interface {
	NewConsumer(ctx context.Context, opts ConsumerOptions) (Consumer, error)
}

// Consumer reads records in offset order per partition.
type Consumer interface {
	// Poll blocks until records are available or ctx is done. It returns
	// ctx.Err() when ctx ends without records.
	Poll(ctx context.Context) ([]Record, error)
	Close() error
}
