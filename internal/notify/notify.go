// Package notify is the user-facing notification channel shared by the IPC
// layer and the motor safety session.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/Kestrel/pkg/logger"
)

type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Notification is one user-visible outcome.
type Notification struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

func (n Notification) String() string {
	return fmt.Sprintf("[%s] %s: %s", n.Severity, n.Title, n.Message)
}

// Notifier receives notifications. Implementations must not block for long;
// the safety session calls Notify while reacting to faults.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})

// Send stamps and delivers a notification. A nil notifier is ignored.
func Send(to Notifier, sev Severity, title, message string) {
	if to == nil {
		return
	}
	to.Notify(Notification{Severity: sev, Title: title, Message: message, Time: time.Now()})
}

// LogNotifier writes notifications to a Logger at the matching level.
type LogNotifier struct {
	Log logger.Logger
}

func (l LogNotifier) Notify(n Notification) {
	log := l.Log
	if log == nil {
		log = logger.Log
	}
	switch n.Severity {
	case Error:
		log.Error(n.Message, "title", n.Title, "severity", n.Severity)
	case Warning:
		log.Warn(n.Message, "title", n.Title, "severity", n.Severity)
	default:
		log.Info(n.Message, "title", n.Title, "severity", n.Severity)
	}
}

// Multi fans a notification out to several notifiers.
func Multi(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(n Notification) {
		for _, to := range notifiers {
			if to != nil {
				to.Notify(n)
			}
		}
	})
}

// Recorder keeps a bounded history of notifications, dropping the oldest.
type Recorder struct {
	mu      sync.Mutex
	history *Ring[Notification]
	counts  map[Severity]int
	watch   []chan Notification
}

// NewRecorder creates a Recorder holding at most capacity notifications.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{
		history: NewRing[Notification](capacity),
		counts:  make(map[Severity]int),
	}
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.history.Push(n)
	r.counts[n.Severity]++
	watchers := append([]chan Notification(nil), r.watch...)
	r.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- n:
		default:
		}
	}
}

// All returns the retained notifications, oldest first.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Items()
}

// Count returns how many notifications of sev were ever recorded.
func (r *Recorder) Count(sev Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[sev]
}

// Find returns retained notifications whose title or message equals text.
func (r *Recorder) Find(text string) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Title == text || n.Message == text {
			out = append(out, n)
		}
	}
	return out
}

// Watch returns a channel receiving notifications recorded from now on.
// Slow readers miss notifications rather than block the sender.
func (r *Recorder) Watch(buffer int) <-chan Notification {
	ch := make(chan Notification, buffer)
	r.mu.Lock()
	r.watch = append(r.watch, ch)
	r.mu.Unlock()
	return ch
}

// Personal.AI order the ending
