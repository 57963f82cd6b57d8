package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"strings"
	"sync"
	"time"
)

const defaultKickTimeout = 20 * time.Second

type Publisher[E any] interface {
	Publish(evt E)
}

type Subscriber[E any] interface {
	Subscribe(ctx context.Context) Subscription[E]
}

type Subscription[E any] interface {
	ResultChan() <-chan E
	Stop()
}

// PubSub fans events out to all subscribers in publish order.
// A subscriber that does not accept an event within KickTimeout is removed.
type PubSub[E any] struct {
	KickTimeout   time.Duration
	mutex         sync.RWMutex
	subscriptions map[int64]*subscription[E]
	seq           int64
	stopped       bool
}

func New[E any]() *PubSub[E] {
	return &PubSub[E]{
		KickTimeout:   defaultKickTimeout,
		subscriptions: map[int64]*subscription[E]{},
	}
}

func (p *PubSub[E]) Stop() {
	p.mutex.Lock()
	subscriptions := make([]*subscription[E], 0, len(p.subscriptions))
	p.stopped = true
	for _, s := range p.subscriptions {
		subscriptions = append(subscriptions, s)
	}
	p.mutex.Unlock()

	for _, s := range subscriptions {
		s.Stop()
	}
}

func (p *PubSub[E]) Subscribe(ctx context.Context) Subscription[E] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.stopped {
		return noopSubscription[E]("noop-subscription")
	}

	p.seq++

	buf := make([]byte, 1024)
	i := goruntime.Stack(buf, false)
	buf = buf[:i]
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription[E]{
		id:     p.seq,
		ctx:    ctx,
		cancel: cancel,
		pubsub: p,
		ch:     make(chan E, 10),
		stack:  string(buf),
	}
	p.subscriptions[s.id] = s

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s
}

func (p *PubSub[E]) Publish(evt E) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.stopped {
		return
	}

	timeout := p.KickTimeout
	if timeout <= 0 {
		timeout = defaultKickTimeout
	}

	for _, s := range p.subscriptions {
		if s.ch == nil {
			continue
		}

		select {
		case s.ch <- evt:
		case <-s.ctx.Done():
		case <-time.After(timeout):
			slog.Warn(fmt.Sprintf("kicking subscriber since it timed out accepting the event after %s, subscriber stack trace:\n  %s", timeout, strings.ReplaceAll(s.stack, "\n", "\n  ")))
			s.cancel()
		}
	}
}

type subscription[E any] struct {
	pubsub *PubSub[E]
	id     int64
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan E
	stack  string
}

func (s *subscription[E]) Stop() {
	// Unblocks a concurrent Publish before acquiring the write lock.
	s.cancel()

	s.pubsub.mutex.Lock()
	delete(s.pubsub.subscriptions, s.id)
	ch := s.ch
	s.ch = nil
	s.pubsub.mutex.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (s *subscription[E]) ResultChan() <-chan E {
	s.pubsub.mutex.RLock()
	defer s.pubsub.mutex.RUnlock()

	ch := s.ch
	if ch == nil {
		closed := make(chan E)
		close(closed)
		return closed
	}

	return ch
}

type noopSubscription[E any] string

func (_ noopSubscription[E]) Stop() {}

func (_ noopSubscription[E]) ResultChan() <-chan E {
	ch := make(chan E, 0)
	close(ch)
	return ch
}
