package types

import (
	"fmt"
	"sort"
	"time"
)

// LeadershipState is the locally observed position of a process in the fleet.
type LeadershipState int32

const (
	StateInit LeadershipState = iota
	StateCandidate
	StateLeader
	StateReplica
	StateStopped
)

func (s LeadershipState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateCandidate:
		return "CANDIDATE"
	case StateLeader:
		return "LEADER"
	case StateReplica:
		return "REPLICA"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("LeadershipState(%d)", int32(s))
	}
}

// StartPosition selects where consumption begins when no snapshot exists.
type StartPosition string

const (
	StartEarliest StartPosition = "earliest"
	StartLatest   StartPosition = "latest"
)

// ParseStartPosition accepts "earliest" or "latest" (empty means earliest).
func ParseStartPosition(s string) (StartPosition, error) {
	switch StartPosition(s) {
	case "", StartEarliest:
		return StartEarliest, nil
	case StartLatest:
		return StartLatest, nil
	default:
		return "", fmt.Errorf("invalid start position %q: must be earliest or latest", s)
	}
}

// TopicPartition identifies one partition of the input log.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (tp TopicPartition) String() string { return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition) }

// Offsets maps a partition to its resume position, the offset of the next
// record to consume.
type Offsets map[TopicPartition]int64

// Clone returns an independent copy.
func (o Offsets) Clone() Offsets {
	cp := make(Offsets, len(o))
	for k, v := range o {
		cp[k] = v
	}
	return cp
}

// PartitionOffset is the wire form of one Offsets entry.
type PartitionOffset struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// List returns the offsets ordered by topic then partition.
func (o Offsets) List() []PartitionOffset {
	out := make([]PartitionOffset, 0, len(o))
	for tp, off := range o {
		out = append(out, PartitionOffset{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// OffsetsFromList is the inverse of Offsets.List.
func OffsetsFromList(list []PartitionOffset) Offsets {
	o := make(Offsets, len(list))
	for _, po := range list {
		o[TopicPartition{Topic: po.Topic, Partition: po.Partition}] = po.Offset
	}
	return o
}

// Handle is the engine-assigned reference to a live fact.
type Handle uint64

// FactHandleEntry binds an external key to the engine handle of its fact.
// Topic and Partition name where LastAppliedOffset was read; entries written
// before they were recorded leave them empty.
type FactHandleEntry struct {
	ExternalKey       string `json:"externalKey"`
	Handle            Handle `json:"handle"`
	Topic             string `json:"topic,omitempty"`
	Partition         int32  `json:"partition,omitempty"`
	LastAppliedOffset int64  `json:"lastAppliedOffset"`
}

// Covers reports whether the entry already reflects the record at offset of
// tp. Offsets are only comparable within one partition, so a record from
// any other partition, or an entry without a recorded partition, is never
// covered.
func (e FactHandleEntry) Covers(tp TopicPartition, offset int64) bool {
	return e.Topic != "" && e.Topic == tp.Topic && e.Partition == tp.Partition && offset <= e.LastAppliedOffset
}

// SnapshotVersion is bumped when the persisted layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is a durable point-in-time checkpoint of engine state.
// Offsets never lead the state captured in EngineState.
type Snapshot struct {
	Version         int               `json:"version"`
	Epoch           uint64            `json:"epoch"`
	NodeID          string            `json:"nodeId,omitempty"`
	CreatedUnixNano int64             `json:"createdUnixNano"`
	Offsets         []PartitionOffset `json:"offsets"`
	EngineState     []byte            `json:"engineState"`
	FactHandles     []FactHandleEntry `json:"factHandles"`
}

// OffsetMap returns the snapshot offsets keyed by partition.
func (s *Snapshot) OffsetMap() Offsets { return OffsetsFromList(s.Offsets) }

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot{epoch=%d node=%s offsets=%v facts=%d state=%dB}",
		s.Epoch, s.NodeID, s.Offsets, len(s.FactHandles), len(s.EngineState))
}

// NowUnixNano returns current time in unix nano for convenience.
func NowUnixNano() int64 { return time.Now().UnixNano() }

// EventOp is the operation carried by an input event.
type EventOp string

const (
	OpInsert  EventOp = "insert"
	OpRetract EventOp = "retract"
)

// Event is the JSON envelope of an input record value. The record key is the
// external key of the fact.
type Event struct {
	Op      EventOp `json:"op"`
	Payload []byte  `json:"payload,omitempty"`
}
