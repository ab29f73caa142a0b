// Package subscription implements the Subscription Engine (C6, design
// §4.6): subscription lifecycle, monitored-item set expansion via the graph
// engine's instance-tree computation, and update fan-out to two delivery
// modes — QoS0 (at-most-once push over a Sink) and QoS2 (at-least-once
// pull-with-acknowledge via Sync).
package subscription

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// QoS is the delivery mode a subscription was created with.
type QoS string

const (
	QoS0 QoS = "QoS0"
	QoS2 QoS = "QoS2"
)

// State is the subscription lifecycle state (design §4.6).
type State string

const (
	StateCreated State = "Created"
	StateActive  State = "Active"
	StateClosed  State = "Closed"
)

// Update is one delivery payload: the recursive value-retrieval result for
// a monitored element at the subscription's stored maxDepth, wrapped with
// the triggering record's own metadata (design §4.6 dispatch wrapping).
type Update struct {
	ElementId string    `json:"elementId"`
	Value     any       `json:"value"`
	Quality   string    `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// defaultQueueCapacity bounds a QoS2 pendingQueue; beyond this the oldest
// pending update is dropped to make room for the newest, a documented,
// implementation-defined policy per design §4.6/§9.
const defaultQueueCapacity = 1024

// Subscription is one client's monitored-item registration plus its
// delivery state. All fields beyond the immutable Id/QoS/CreatedAt are
// guarded by mu, matching the "single coarse lock, set is small" resource
// policy of design §5.
type Subscription struct {
	Id        string
	QoS       QoS
	CreatedAt time.Time

	mu             sync.Mutex
	state          State
	maxDepth       int
	monitoredItems map[string]bool
	pendingQueue   []Update
	sink           Sink
}

// newSubscription allocates a Created subscription with a fresh opaque id.
func newSubscription(qos QoS) *Subscription {
	id, err := uuid.NewV4()
	idStr := id.String()
	if err != nil {
		// uuid.NewV4 only fails if the system's random source is exhausted;
		// fall back to a timestamp-derived id rather than panic.
		idStr = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return &Subscription{
		Id:             idStr,
		QoS:            qos,
		CreatedAt:      time.Now().UTC(),
		state:          StateCreated,
		monitoredItems: map[string]bool{},
	}
}

// State reports the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MonitoredItems returns a snapshot of the monitored elementId set.
func (s *Subscription) MonitoredItems() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.monitoredItems))
	for id := range s.monitoredItems {
		out = append(out, id)
	}
	return out
}

// register adds ids to the monitored set and records maxDepth as the
// subscription's current recursion depth, transitioning Created -> Active.
// Registration is additive and, since it only ever inserts into a set, is
// naturally atomic with respect to partial failure (design §4.6 op 2).
func (s *Subscription) register(ids []string, maxDepth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.monitoredItems[id] = true
	}
	s.maxDepth = maxDepth
	if s.state == StateCreated {
		s.state = StateActive
	}
}

// unregister removes ids from the monitored set; unknown ids are silently
// ignored (design §4.6 op 3).
func (s *Subscription) unregister(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.monitoredItems, id)
	}
}

// isMonitoring reports whether elementId is currently in monitoredItems,
// and if so the subscription's stored maxDepth for delivery projection.
func (s *Subscription) isMonitoring(elementId string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.monitoredItems) == 0 {
		return false, 0
	}
	return s.monitoredItems[elementId], s.maxDepth
}

// openStream allocates (or returns the existing) QoS0 delivery sink.
func (s *Subscription) openStream(sink Sink) Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		s.sink = sink
	}
	return s.sink
}

// deliverQoS0 pushes update to the open sink, non-blocking. If no sink is
// open the update is dropped: QoS0 is at-most-once, no buffering.
func (s *Subscription) deliverQoS0(update Update) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	sink.Send(update)
}

// enqueueQoS2 appends update to pendingQueue, dropping the oldest entry if
// the bounded queue is full (documented drop-oldest policy, design §9).
func (s *Subscription) enqueueQoS2(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingQueue = append(s.pendingQueue, update)
	if len(s.pendingQueue) > defaultQueueCapacity {
		s.pendingQueue = s.pendingQueue[len(s.pendingQueue)-defaultQueueCapacity:]
	}
}

// sync atomically snapshots and clears pendingQueue.
func (s *Subscription) sync() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingQueue
	s.pendingQueue = nil
	return out
}

// close marks the subscription Closed and closes its sink, if any. Prompt
// closure per design §5's cancellation requirement; in-flight deliveries
// already handed to the sink may complete but no new ones are started once
// the engine removes this subscription from its registry.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	if s.sink != nil {
		s.sink.Close()
		s.sink = nil
	}
}
