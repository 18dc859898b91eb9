package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeRunner struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	startErr error
}

func (f *fakeRunner) StartSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeRunner) StopSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.stops++
	}
	f.running = false
	return nil
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func TestController_Idempotent(t *testing.T) {
	runner := &fakeRunner{}
	c := NewController(nil, runner)

	c.OnLeader()
	c.OnLeader()
	assert.Equal(t, 1, runner.starts)
	assert.True(t, runner.Running())

	c.OnReplica()
	c.OnReplica()
	assert.Equal(t, 1, runner.stops)
	assert.False(t, runner.Running())

	c.OnLeader()
	assert.Equal(t, 2, runner.starts)
}

func TestController_StartFailureIsNotRetried(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("no brokers")}
	c := NewController(nil, runner)

	c.OnLeader()
	assert.Equal(t, 1, runner.starts)
	assert.False(t, runner.Running())

	c.OnReplica()
	assert.Equal(t, 0, runner.stops)
}

func TestController_ClearIgnoresLaterTransitions(t *testing.T) {
	runner := &fakeRunner{}
	c := NewController(nil, runner)
	c.OnLeader()

	assert.NoError(t, c.Clear())
	assert.False(t, runner.Running())

	c.OnLeader()
	assert.Equal(t, 1, runner.starts)
}
