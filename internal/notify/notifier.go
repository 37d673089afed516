package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"

	"warden/internal/events"
)

// Sender abstracts message dispatch so the notifier can be tested without
// hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Notifier subscribes to the event bus and forwards warning/critical events
// to the configured Shoutrrr URLs, with a per-event-type cooldown so a
// flapping agent does not flood the operator.
type Notifier struct {
	urls     []string
	sender   Sender
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[events.EventType]time.Time
}

// NewNotifier creates a notifier for the given service URLs. A nil sender
// selects the real Shoutrrr dispatch.
func NewNotifier(urls []string, sender Sender, cooldown time.Duration) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Notifier{
		urls:     urls,
		sender:   sender,
		cooldown: cooldown,
		lastSent: make(map[events.EventType]time.Time),
	}
}

// Attach subscribes the notifier to the bus. Only warning and critical
// events are dispatched.
func (n *Notifier) Attach(bus *events.Bus) {
	bus.Subscribe(n.handle)
}

func (n *Notifier) handle(e events.Event) {
	if len(n.urls) == 0 || e.Severity < events.SeverityWarning {
		return
	}

	n.mu.Lock()
	if last, ok := n.lastSent[e.Type]; ok && time.Since(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[e.Type] = time.Now()
	n.mu.Unlock()

	message := fmt.Sprintf("[%s] %s", e.Severity, e.Message)
	if e.AgentName != "" {
		message = fmt.Sprintf("[%s] agent %s: %s", e.Severity, e.AgentName, e.Message)
	}

	for _, url := range n.urls {
		if err := n.sender.Send(url, message); err != nil {
			log.Printf("[Notify] Dispatch failed for %s: %v", e.Type, err)
		}
	}
}
