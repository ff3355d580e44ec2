package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain/model"
)

// Bus fans typed pipeline events out to a bounded set of subscribers.
// Publishing never blocks: a subscriber whose buffer is full loses the event,
// and the drop is logged so a stuck observer is visible.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan model.Event
	nextID int
	buffer int
	log    *zerolog.Logger
}

func NewBus(buffer int, logger *zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	busLog := logger.With().Str("component", "EventBus").Logger()
	return &Bus{
		subs:   map[int]chan model.Event{},
		buffer: buffer,
		log:    &busLog,
	}
}

// Subscribe returns a receive channel and a cancel func. Cancel closes the
// channel; the subscriber must stop reading after calling it.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(kind model.EventKind, data interface{}) {
	ev := model.Event{Kind: kind, At: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Int("subscriber", id).Str("kind", string(kind)).Msg("subscriber buffer full, event dropped")
		}
	}
}
