package app

import (
	"sync"

	"geniza/api/internal/annotation"
)

type EventType string

const (
	EventAnnotationSaved   EventType = "annotation.saved"
	EventAnnotationDeleted EventType = "annotation.deleted"
)

// Event is published after a mutation commits. Subscribers get the saved
// entity plus the document it attaches to, enough to reindex or re-export
// without another lookup.
type Event struct {
	Type       EventType
	Annotation *annotation.Annotation
	DocumentID int64
	Actor      string
}

// Bus is a minimal in-process pub/sub. Handlers run on their own
// goroutines; a slow subscriber never blocks the request path.
type Bus struct {
	mu       sync.RWMutex
	handlers []func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, handler := range handlers {
		go handler(event)
	}
}
