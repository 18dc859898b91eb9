package election

import (
	"errors"
	"fmt"
)

// NotLeaderError indicates the raft lock group is led by another member and,
// if known, which one.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderAddr == "" {
		return "node does not hold the lock"
	}
	return fmt.Sprintf("node does not hold the lock; holder=%s addr=%s", e.LeaderID, e.LeaderAddr)
}

// IsNotLeader returns the wrapped *NotLeaderError and a bool indicating match.
func IsNotLeader(err error) (*NotLeaderError, bool) {
	var ne *NotLeaderError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}
