package monitor

import (
	"sync"

	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
)

// TriggerFeed fans trigger events out to SSE subscribers. Publishing never
// blocks: a subscriber that falls behind loses events rather than stalling
// the detection path.
type TriggerFeed struct {
	mu   sync.Mutex
	subs map[chan l4trigger.TriggerEvent]struct{}
}

// subscriberDepth buffers events per subscriber before drops begin.
const subscriberDepth = 16

func NewTriggerFeed() *TriggerFeed {
	return &TriggerFeed{subs: make(map[chan l4trigger.TriggerEvent]struct{})}
}

// Subscribe registers a new subscriber channel.
func (f *TriggerFeed) Subscribe() chan l4trigger.TriggerEvent {
	ch := make(chan l4trigger.TriggerEvent, subscriberDepth)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber. The channel is not closed; the
// subscriber simply stops receiving.
func (f *TriggerFeed) Unsubscribe(ch chan l4trigger.TriggerEvent) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

// Publish delivers ev to every subscriber with room.
func (f *TriggerFeed) Publish(ev l4trigger.TriggerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (f *TriggerFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
