package subscription

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/message"
)

// Category is the kind of notification a subscriber listens to.
type Category int

// Categories
const (
	Server Category = iota + 1
	Client
	Online
	Status
	Revision
)

var categoryNames = map[Category]string{
	Server:   "server",
	Client:   "client",
	Online:   "online",
	Status:   "status",
	Revision: "revision",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// ParseCategory maps a category name to its value.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return 0, errors.WrapInvalid(fmt.Errorf("%w: category %q", errors.ErrInvalidData, s),
		"subscription", "ParseCategory", "parse category")
}

// onlineModule is the module of presence events.
const onlineModule = "online"

// CategoryOf routes a push event: client-published events go to Client,
// presence events to Online and everything else to Server.
func CategoryOf(ev message.Event) Category {
	switch {
	case ev.Extra.Sender.Type == message.SenderClient:
		return Client
	case strings.EqualFold(ev.ModuleID, onlineModule):
		return Online
	default:
		return Server
	}
}

// Notification is what subscribers receive.
type Notification struct {
	Category Category
	ModuleID string
	Command  string
	Params   map[string]any
	Extra    message.Extra
	// Event is the decoded push event; nil for Status and Revision.
	Event *message.Event
}

// FromEvent builds the notification delivered for a push event.
func FromEvent(ev message.Event) Notification {
	return Notification{
		Category: CategoryOf(ev),
		ModuleID: ev.ModuleID,
		Command:  ev.Command,
		Params:   ev.Params,
		Extra:    ev.Extra,
		Event:    &ev,
	}
}

// Callback receives matching notifications.
type Callback func(Notification)

// Options describes one subscription. Empty ModuleID or Command match
// anything.
type Options struct {
	Category Category
	ModuleID string
	Command  string
	Callback Callback
}

func (o Options) matches(n Notification) bool {
	if o.Category != n.Category {
		return false
	}
	if o.ModuleID != "" && !strings.EqualFold(o.ModuleID, n.ModuleID) {
		return false
	}
	if o.Command != "" && o.Command != n.Command {
		return false
	}
	return true
}

type entry struct {
	opts   Options
	active atomic.Bool
}

// Registry fans notifications out to subscribers in registration order.
// It is safe for concurrent use; callbacks run on the publishing
// goroutine.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "subscription")}
}

// Subscribe registers opts and returns its unsubscribe function, which may
// be called any number of times.
func (r *Registry) Subscribe(opts Options) (func(), error) {
	if !opts.Category.Valid() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, opts.Category),
			"subscription", "Subscribe", "validate category")
	}
	if opts.Callback == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil callback", errors.ErrInvalidData),
			"subscription", "Subscribe", "validate callback")
	}

	e := &entry{opts: opts}
	e.active.Store(true)

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(e) })
	}, nil
}

func (r *Registry) remove(e *entry) {
	e.active.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Publish delivers n to every matching subscriber and returns how many
// callbacks ran. A subscriber removed during the fan-out is skipped.
func (r *Registry) Publish(n Notification) int {
	r.mu.RLock()
	snapshot := make([]*entry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.RUnlock()

	delivered := 0
	for _, e := range snapshot {
		if !e.opts.matches(n) || !e.active.Load() {
			continue
		}
		r.invoke(e, n)
		delivered++
	}
	return delivered
}

func (r *Registry) invoke(e *entry, n Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Subscriber panicked",
				"category", n.Category.String(),
				"module_id", n.ModuleID,
				"command", n.Command,
				"panic", rec)
		}
	}()
	e.opts.Callback(n)
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Count returns the number of active subscriptions in category c.
func (r *Registry) Count(c Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.opts.Category == c {
			n++
		}
	}
	return n
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.active.Store(false)
	}
	r.entries = nil
}
