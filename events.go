package zestbay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/graph"
)

// EventType identifies a host event.
type EventType string

const (
	EventNodeChanged            EventType = "node_changed"
	EventNodeRemoved            EventType = "node_removed"
	EventPortChanged            EventType = "port_changed"
	EventPortRemoved            EventType = "port_removed"
	EventLinkChanged            EventType = "link_changed"
	EventLinkRemoved            EventType = "link_removed"
	EventBatchComplete          EventType = "batch_complete"
	EventPluginAdded            EventType = "plugin_added"
	EventPluginRemoved          EventType = "plugin_removed"
	EventPluginParameterChanged EventType = "plugin_parameter_changed"
	EventPluginUiOpened         EventType = "plugin_ui_opened"
	EventPluginUiClosed         EventType = "plugin_ui_closed"
	EventPluginEvent            EventType = "plugin_event"
	EventPluginError            EventType = "plugin_error"
)

// Event is one host notification toward UI collaborators. Only the fields
// relevant to Type are populated.
type Event struct {
	Type EventType `json:"type"`

	Node *graph.Node `json:"node,omitempty"`
	Port *graph.Port `json:"port,omitempty"`
	Link *graph.Link `json:"link,omitempty"`
	// ID carries the removed object's id on *_removed events.
	ID uint32 `json:"id,omitempty"`

	InstanceID  uint64  `json:"instanceId,omitempty"`
	DisplayName string  `json:"displayName,omitempty"`
	PortIndex   int     `json:"portIndex,omitempty"`
	Value       float64 `json:"value,omitempty"`
	Message     string  `json:"message,omitempty"`
}

const subscriberBuffer = 256

// eventFanout delivers host events to subscribers. Each subscriber gets a
// buffered channel; a full buffer drops the event for that subscriber
// rather than blocking the graph thread.
type eventFanout struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	log  *logrus.Entry
}

func newEventFanout() *eventFanout {
	return &eventFanout{
		subs: map[string]chan Event{},
		log:  logrus.WithField("component", "events"),
	}
}

// Subscribe registers a new subscriber and returns its token and channel.
func (f *eventFanout) Subscribe() (string, <-chan Event) {
	ch := make(chan Event, subscriberBuffer)
	token := uuid.NewString()
	f.mu.Lock()
	f.subs[token] = ch
	f.mu.Unlock()
	return token, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (f *eventFanout) Unsubscribe(token string) {
	f.mu.Lock()
	ch, ok := f.subs[token]
	delete(f.subs, token)
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers ev to every subscriber, dropping to the slow ones.
func (f *eventFanout) Publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for token, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.log.WithFields(logrus.Fields{
				"subscriber": token,
				"event":      ev.Type,
			}).Warn("Subscriber buffer full, dropping event")
		}
	}
}

// Close closes every subscriber channel.
func (f *eventFanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, ch := range f.subs {
		close(ch)
		delete(f.subs, token)
	}
}
