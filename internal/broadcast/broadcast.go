// Package broadcast fans job progress out to live subscribers.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/valpere/epubtran/internal"
)

// Subscriber receives the progress of one job. Implementations must be
// comparable (pointer types are) since they key the subscriber set.
type Subscriber interface {
	Send(msg internal.ProgressMessage) error
}

type subscriberSet struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
	// dead is set once the set has been emptied and removed from the map.
	dead bool
}

// Broadcaster holds the subscriber sets of every job. Each set has its own
// lock, so jobs never contend with each other.
type Broadcaster struct {
	sets   sync.Map // job id -> *subscriberSet
	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broadcaster{logger: logger}
}

func (b *Broadcaster) Subscribe(jobID string, sub Subscriber) {
	for {
		v, _ := b.sets.LoadOrStore(jobID, &subscriberSet{subs: make(map[Subscriber]struct{})})
		set := v.(*subscriberSet)

		set.mu.Lock()
		if set.dead {
			// Lost a race with the removal of an empty set; retry on a fresh one.
			set.mu.Unlock()
			continue
		}
		set.subs[sub] = struct{}{}
		set.mu.Unlock()
		return
	}
}

func (b *Broadcaster) Unsubscribe(jobID string, sub Subscriber) {
	v, ok := b.sets.Load(jobID)
	if !ok {
		return
	}
	b.remove(jobID, v.(*subscriberSet), sub)
}

// Publish delivers msg to every current subscriber of jobID. Subscribers whose
// delivery fails are dropped. Publishing to a job nobody watches is a no-op.
func (b *Broadcaster) Publish(jobID string, msg internal.ProgressMessage) {
	v, ok := b.sets.Load(jobID)
	if !ok {
		return
	}
	set := v.(*subscriberSet)

	set.mu.Lock()
	subs := make([]Subscriber, 0, len(set.subs))
	for sub := range set.subs {
		subs = append(subs, sub)
	}
	set.mu.Unlock()

	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Send(msg); err != nil {
			b.logger.Debugw("Dropping progress subscriber", "job_id", jobID, "error", err)
			failed = append(failed, sub)
		}
	}
	if len(failed) > 0 {
		b.remove(jobID, set, failed...)
	}
}

// Count returns the number of subscribers of jobID.
func (b *Broadcaster) Count(jobID string) int {
	v, ok := b.sets.Load(jobID)
	if !ok {
		return 0
	}
	set := v.(*subscriberSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}

func (b *Broadcaster) remove(jobID string, set *subscriberSet, subs ...Subscriber) {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, sub := range subs {
		delete(set.subs, sub)
	}
	if len(set.subs) == 0 && !set.dead {
		set.dead = true
		b.sets.CompareAndDelete(jobID, set)
	}
}
