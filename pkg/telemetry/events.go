package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/strata/pkg/fault"
)

// Event is a notable change in a workspace.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Package   string                 `json:"package,omitempty"`
	Namespace string                 `json:"namespace,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePackageChanged      = "package.changed"
	EventTypeCacheInvalidated    = "cache.invalidated"
	EventTypeCacheBuilt          = "cache.built"
	EventTypeInheritanceRejected = "inheritance.rejected"
	EventTypePoliciesReloaded    = "policy.reloaded"
	EventTypeError               = "error"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers, synchronously or from a
// buffered background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fault.NewUsageError("event publisher stopped", nil)
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fault.NewInternalError("event buffer full, event dropped", nil).WithSubject(event.Type)
	}
}

// PublishPackageChanged publishes a change of a file below a package.
func (ep *EventPublisher) PublishPackageChanged(pkg, path, op string) error {
	return ep.Publish(Event{
		Type:    EventTypePackageChanged,
		Source:  "watcher",
		Package: pkg,
		Message: fmt.Sprintf("Package %s changed: %s %s", pkg, op, path),
		Data: map[string]interface{}{
			"path": path,
			"op":   op,
		},
	})
}

// PublishCacheInvalidated publishes the invalidation of the caches of the
// listed packages.
func (ep *EventPublisher) PublishCacheInvalidated(pkg string, affected []string, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCacheInvalidated,
		Source:  "workspace",
		Package: pkg,
		Message: fmt.Sprintf("Invalidated caches of %d packages after %s changed", len(affected), pkg),
		Data: map[string]interface{}{
			"affected": affected,
			"reason":   reason,
		},
	})
}

// PublishCacheBuilt publishes the rebuild of a repository cache.
func (ep *EventPublisher) PublishCacheBuilt(pkg, namespace string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeCacheBuilt,
		Source:    "workspace",
		Package:   pkg,
		Namespace: namespace,
		Message:   fmt.Sprintf("Built caches of %s/%s", pkg, namespace),
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishInheritanceRejected publishes a chain resolution failure.
func (ep *EventPublisher) PublishInheritanceRejected(pkg string, err error) error {
	return ep.Publish(Event{
		Type:    EventTypeInheritanceRejected,
		Source:  "workspace",
		Package: pkg,
		Message: fmt.Sprintf("Inheritance of %s rejected: %v", pkg, err),
		Level:   EventLevelError,
	})
}

// PublishPoliciesReloaded publishes a reload of the inheritance policies.
func (ep *EventPublisher) PublishPoliciesReloaded(count int) error {
	return ep.Publish(Event{
		Type:    EventTypePoliciesReloaded,
		Source:  "policy",
		Message: fmt.Sprintf("Reloaded %d inheritance policies", count),
		Data: map[string]interface{}{
			"count": count,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.NewInternalError("event publisher shutdown timeout", ctx.Err())
	}
}

// FilterByLevel only allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPackage only allows events about pkg.
func FilterByPackage(pkg string) EventFilter {
	return func(event Event) bool {
		return event.Package == pkg
	}
}
