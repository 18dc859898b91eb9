package election

import (
	"context"
	"sync"
	"time"
)

// MemoryLockService is an in-process Lock shared by simulated processes.
//
// Expire models a session expiry: the holder's lease is marked lost, and the
// key is not granted again until the previous holder calls Release or the
// grace period elapses. A zero grace waits for the release indefinitely.
type MemoryLockService struct {
	grace time.Duration

	mu     sync.Mutex
	keys   map[string]*memoryKey
	closed bool
}

type memoryKey struct {
	holder  *memoryLease
	fenced  *memoryLease
	token   uint64
	changed chan struct{}
}

type memoryLease struct {
	key      string
	holder   string
	token    uint64
	lost     chan struct{}
	lostOnce sync.Once
}

func (l *memoryLease) Key() string           { return l.key }
func (l *memoryLease) Holder() string        { return l.holder }
func (l *memoryLease) Token() uint64         { return l.token }
func (l *memoryLease) Lost() <-chan struct{} { return l.lost }

func (l *memoryLease) markLost() { l.lostOnce.Do(func() { close(l.lost) }) }

// NewMemoryLockService returns an empty lock service.
func NewMemoryLockService(grace time.Duration) *MemoryLockService {
	return &MemoryLockService{grace: grace, keys: make(map[string]*memoryKey)}
}

func (s *MemoryLockService) key(name string) *memoryKey {
	k, ok := s.keys[name]
	if !ok {
		k = &memoryKey{changed: make(chan struct{})}
		s.keys[name] = k
	}
	return k
}

func (k *memoryKey) notify() {
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *memoryKey) holderName() string {
	if k.holder == nil {
		return ""
	}
	return k.holder.holder
}

func (s *MemoryLockService) Acquire(ctx context.Context, key, identity string) (Lease, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrLockClosed
		}
		k := s.key(key)
		if k.holder == nil && k.fenced == nil {
			k.token++
			l := &memoryLease{key: key, holder: identity, token: k.token, lost: make(chan struct{})}
			k.holder = l
			k.notify()
			s.mu.Unlock()
			return l, nil
		}
		ch := k.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *MemoryLockService) Watch(ctx context.Context, key string) (<-chan Ownership, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrLockClosed
	}
	s.key(key)
	s.mu.Unlock()

	out := make(chan Ownership, 1)
	go func() {
		defer close(out)
		var last *string
		for {
			s.mu.Lock()
			k := s.key(key)
			holder, changed, closed := k.holderName(), k.changed, s.closed
			s.mu.Unlock()
			if last == nil || *last != holder {
				select {
				case out <- Ownership{Key: key, Holder: holder}:
					last = &holder
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *MemoryLockService) Release(_ context.Context, lease Lease) error {
	ml, ok := lease.(*memoryLease)
	if !ok {
		return ErrUnknownLease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(ml.key)
	if k.holder == ml {
		k.holder = nil
	}
	if k.fenced == ml {
		k.fenced = nil
	}
	ml.markLost()
	k.notify()
	return nil
}

// Expire ends the current holder's session on key, as a lock service does
// when a client stops heartbeating. It reports whether a lease was expired.
func (s *MemoryLockService) Expire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(key)
	l := k.holder
	if l == nil {
		return false
	}
	k.holder = nil
	k.fenced = l
	l.markLost()
	k.notify()
	if s.grace > 0 {
		time.AfterFunc(s.grace, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if k.fenced == l {
				k.fenced = nil
				k.notify()
			}
		})
	}
	return true
}

// Holder returns the current holder of key, empty when free.
func (s *MemoryLockService) Holder(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key(key).holderName()
}

// Close fails pending and future acquisitions and ends all watches.
func (s *MemoryLockService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, k := range s.keys {
		if k.holder != nil {
			k.holder.markLost()
		}
		k.notify()
	}
	return nil
}
