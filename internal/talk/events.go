package talk

import (
	"sync"

	"github.com/rs/zerolog"
)

// ChangeEvent is published after every semantic mutation of a Talk.
type ChangeEvent struct {
	Type           string `json:"type"`
	TalkID         string `json:"talkId"`
	TalkVersion    int64  `json:"talkVersion"`
	ChangeID       string `json:"changeId"`
	Timestamp      int64  `json:"timestamp"`
	LastModifiedBy string `json:"lastModifiedBy,omitempty"`
}

// ChangeListener receives store change events.
type ChangeListener func(ChangeEvent)

type notifier struct {
	mu        sync.RWMutex
	listeners []ChangeListener
	logger    zerolog.Logger
}

func (n *notifier) subscribe(l ChangeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// publish delivers ev to every listener. A panicking listener is isolated and
// never affects the mutation path or other listeners.
func (n *notifier) publish(ev ChangeEvent) {
	n.mu.RLock()
	listeners := make([]ChangeListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Warn().Interface("panic", r).Str("talk_id", ev.TalkID).Msg("change listener panicked")
				}
			}()
			l(ev)
		}()
	}
}
