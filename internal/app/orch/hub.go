package orch

import (
	"sync"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

type NotificationType string

const (
	NotifyStatus        NotificationType = "status"
	NotifyEvent         NotificationType = "event"
	NotifyProtocolError NotificationType = "protocol_error"
)

// Notification is pushed to status stream subscribers.
type Notification struct {
	Type   NotificationType `json:"type"`
	Status *domain.Snapshot `json:"status,omitempty"`
	Event  *domain.Event    `json:"event,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type Subscription struct {
	ID string
	C  <-chan Notification

	ch      chan Notification
	dropped int
}

type hub struct {
	policy app.Policy
	mu     sync.Mutex
	subs   map[string]*Subscription
}

func newHub(p app.Policy) *hub {
	if p == nil {
		p = app.SimplePolicy{}
	}
	return &hub{policy: p, subs: make(map[string]*Subscription)}
}

func (h *hub) subscribe() *Subscription {
	ch := make(chan Notification, subscriberBuffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	return s
}

func (h *hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if stored, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		close(stored.ch)
	}
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		select {
		case s.ch <- n:
			s.dropped = 0
			continue
		default:
		}
		s.dropped++
		switch h.policy.OnBackPressure(id, s.dropped) {
		case app.KickSubscriber:
			log.Warn().Str("module", "orch").Str("subscriber", id).Msg("slow subscriber kicked")
			delete(h.subs, id)
			close(s.ch)
		case app.DropFrame, app.NoAction:
		}
	}
}

// Subscribe registers a status stream. The channel is closed by Unsubscribe or when
// the subscriber falls too far behind.
func (o *Orchestrator) Subscribe() *Subscription {
	return o.hub.subscribe()
}

func (o *Orchestrator) Unsubscribe(s *Subscription) {
	o.hub.unsubscribe(s)
}

func (o *Orchestrator) publish(n Notification) {
	o.hub.publish(n)
}

func (o *Orchestrator) publishStatus() {
	snap := o.Snapshot()
	o.publish(Notification{Type: NotifyStatus, Status: &snap})
}

func (o *Orchestrator) publishEvent(ev domain.Event) {
	o.publish(Notification{Type: NotifyEvent, Event: &ev})
}
