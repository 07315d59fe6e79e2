package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/orrery/model"
)

var (
	// ErrBodyExists is returned when a body ID is registered twice.
	ErrBodyExists = errors.New("body already exists")
	// ErrBodyNotFound is returned for unknown body IDs.
	ErrBodyNotFound = errors.New("body not found")
	// ErrParentNotFound is returned when a body references an unregistered parent.
	ErrParentNotFound = errors.New("parent body not found")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventBodyAdded EventType = iota
	EventBodyMoved
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type  EventType
	Body  model.BodyDefinition
	State model.BodyState
}

// KnowledgeBase is an in-memory, thread-safe store for body definitions and
// their latest published state.
type KnowledgeBase struct {
	mu sync.RWMutex

	bodies map[string]*model.BodyDefinition
	states map[string]model.BodyState

	subs   map[int]func(Event)
	nextID int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		bodies: make(map[string]*model.BodyDefinition),
		states: make(map[string]model.BodyState),
		subs:   make(map[int]func(Event)),
	}
}

// AddBody registers a body. Parents must be registered before their children.
func (kb *KnowledgeBase) AddBody(b *model.BodyDefinition) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("AddBody: body must have an ID")
	}

	kb.mu.Lock()
	if _, exists := kb.bodies[b.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrBodyExists, b.ID)
	}
	if b.ParentID != "" {
		if _, ok := kb.bodies[b.ParentID]; !ok {
			kb.mu.Unlock()
			return fmt.Errorf("%w: %q (parent of %q)", ErrParentNotFound, b.ParentID, b.ID)
		}
	}
	stored := *b
	kb.bodies[b.ID] = &stored
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventBodyAdded, Body: stored})
	return nil
}

// GetBody returns a copy of the body with the given ID.
func (kb *KnowledgeBase) GetBody(id string) (model.BodyDefinition, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	b, ok := kb.bodies[id]
	if !ok {
		return model.BodyDefinition{}, fmt.Errorf("%w: %q", ErrBodyNotFound, id)
	}
	return *b, nil
}

// ListBodies returns a snapshot of all bodies sorted by ID.
func (kb *KnowledgeBase) ListBodies() []model.BodyDefinition {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.BodyDefinition, 0, len(kb.bodies))
	for _, b := range kb.bodies {
		res = append(res, *b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Len returns the number of registered bodies.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.bodies)
}

// UpdateBodyState stores the latest state of a body and notifies subscribers.
func (kb *KnowledgeBase) UpdateBodyState(st model.BodyState) error {
	kb.mu.Lock()
	b, ok := kb.bodies[st.ID]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrBodyNotFound, st.ID)
	}
	kb.states[st.ID] = st
	event := Event{Type: EventBodyMoved, Body: *b, State: st}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	notify(subs, event)
	return nil
}

// GetBodyState returns the latest published state of a body. The boolean is
// false until the body has been propagated at least once.
func (kb *KnowledgeBase) GetBodyState(id string) (model.BodyState, bool, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if _, ok := kb.bodies[id]; !ok {
		return model.BodyState{}, false, fmt.Errorf("%w: %q", ErrBodyNotFound, id)
	}
	st, ok := kb.states[id]
	return st, ok, nil
}

// States returns the latest state of every propagated body, sorted by ID.
func (kb *KnowledgeBase) States() []model.BodyState {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.BodyState, 0, len(kb.states))
	for _, st := range kb.states {
		res = append(res, st)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			kb.mu.Lock()
			defer kb.mu.Unlock()
			delete(kb.subs, id)
		})
	}
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	if len(kb.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, kb.subs[id])
	}
	return subs
}

func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
