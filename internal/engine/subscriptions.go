package engine

import (
	"sync"

	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/value"
)

// Subscriber is invoked after a commit at a path that matches its
// registered subscription (spec §4.3.2): the path the subscription was
// made on, the path that actually changed, and the committed value.
type Subscriber func(subscribedPath, changedPath model.Path, v value.Value)

// Unsubscribe removes a previously registered subscriber.
type Unsubscribe func()

// subscriptionRegistry owns path -> subscriber-set and matches a commit's
// path against every registered path by equality or ancestor relation in
// either direction (spec §4.5). Every registration gets a fresh id, so the
// same callback registered twice under a path is invoked twice.
type subscriptionRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	byPath map[string]map[uint64]subEntry
}

type subEntry struct {
	path Subscriber
	orig model.Path
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{byPath: make(map[string]map[uint64]subEntry)}
}

func (r *subscriptionRegistry) subscribe(path model.Path, fn Subscriber) Unsubscribe {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	key := path.String()
	if r.byPath[key] == nil {
		r.byPath[key] = make(map[uint64]subEntry)
	}
	r.byPath[key][id] = subEntry{path: fn, orig: path}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		set, ok := r.byPath[key]
		if !ok {
			return
		}
		delete(set, id)
		if len(set) == 0 {
			delete(r.byPath, key)
		}
	}
}

// notify invokes every subscriber whose registered path is related
// (equal or ancestor either way) to changedPath, sequentially, isolating
// panics so one bad callback does not block the rest.
func (r *subscriptionRegistry) notify(changedPath model.Path, v value.Value, onPanic func(subscribedPath model.Path, recovered interface{})) int {
	r.mu.RLock()
	matches := make([]subEntry, 0)
	for _, set := range r.byPath {
		for _, entry := range set {
			if entry.orig.RelatedTo(changedPath) {
				matches = append(matches, entry)
			}
		}
	}
	r.mu.RUnlock()

	for _, entry := range matches {
		invokeSubscriber(entry, changedPath, v, onPanic)
	}
	return len(matches)
}

func invokeSubscriber(entry subEntry, changedPath model.Path, v value.Value, onPanic func(model.Path, interface{})) {
	defer func() {
		if rec := recover(); rec != nil && onPanic != nil {
			onPanic(entry.orig, rec)
		}
	}()
	entry.path(entry.orig, changedPath, v)
}
