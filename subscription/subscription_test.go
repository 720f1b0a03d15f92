package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/message"
)

func serverEvent(module, command string) Notification {
	return FromEvent(message.Event{ID: "aa", ModuleID: module, Command: command})
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		ev   message.Event
		want Category
	}{
		{"backend", message.Event{ModuleID: "im", Extra: message.Extra{Sender: message.Sender{Type: message.SenderBackend}}}, Server},
		{"unknown sender", message.Event{ModuleID: "im"}, Server},
		{"client", message.Event{ModuleID: "im", Extra: message.Extra{Sender: message.Sender{Type: message.SenderClient}}}, Client},
		{"presence", message.Event{ModuleID: "Online"}, Online},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.ev))
		})
	}
}

func TestParseCategory(t *testing.T) {
	for c, name := range categoryNames {
		got, err := ParseCategory(name)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCategory("bogus")
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, "category(42)", Category(42).String())
}

func TestRegistry_FiltersAndOrder(t *testing.T) {
	r := NewRegistry(nil)
	var got []string
	record := func(tag string) Callback {
		return func(Notification) { got = append(got, tag) }
	}

	subs := []Options{
		{Category: Server, Callback: record("all")},
		{Category: Server, ModuleID: "IM", Callback: record("im")},
		{Category: Server, ModuleID: "im", Command: "message", Callback: record("im.message")},
		{Category: Server, ModuleID: "tasks", Callback: record("tasks")},
		{Category: Client, Callback: record("client")},
		{Category: Server, Command: "message", Callback: record("any.message")},
	}
	for _, o := range subs {
		_, err := r.Subscribe(o)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, r.Publish(serverEvent("im", "message")))
	assert.Equal(t, []string{"all", "im", "im.message", "any.message"}, got)

	got = nil
	r.Publish(serverEvent("tasks", "update"))
	assert.Equal(t, []string{"all", "tasks"}, got)
	assert.Equal(t, 5, r.Count(Server))
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Subscribe(Options{Category: 0, Callback: func(Notification) {}})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = r.Subscribe(Options{Category: Status})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UnsubscribeIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	unsubscribe, err := r.Subscribe(Options{Category: Status, Callback: func(Notification) { calls++ }})
	require.NoError(t, err)
	keep, err := r.Subscribe(Options{Category: Status, Callback: func(Notification) {}})
	require.NoError(t, err)
	defer keep()

	r.Publish(Notification{Category: Status})
	unsubscribe()
	unsubscribe()
	r.Publish(Notification{Category: Status})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_UnsubscribeDuringFanOut(t *testing.T) {
	r := NewRegistry(nil)
	var second func()
	secondCalls := 0

	_, err := r.Subscribe(Options{Category: Server, Callback: func(Notification) { second() }})
	require.NoError(t, err)
	second, err = r.Subscribe(Options{Category: Server, Callback: func(Notification) { secondCalls++ }})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Publish(serverEvent("im", "message")))
	assert.Equal(t, 0, secondCalls, "removed while the event was in flight")
}

func TestRegistry_SelfUnsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	var unsubscribe func()
	unsubscribe, err := r.Subscribe(Options{Category: Server, Callback: func(Notification) {
		calls++
		unsubscribe()
	}})
	require.NoError(t, err)

	r.Publish(serverEvent("im", "a"))
	r.Publish(serverEvent("im", "b"))
	assert.Equal(t, 1, calls)
}

func TestRegistry_PanicIsContained(t *testing.T) {
	r := NewRegistry(nil)
	reached := false
	_, err := r.Subscribe(Options{Category: Server, Callback: func(Notification) { panic("boom") }})
	require.NoError(t, err)
	_, err = r.Subscribe(Options{Category: Server, Callback: func(Notification) { reached = true }})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Publish(serverEvent("im", "x")))
	assert.True(t, reached)
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	_, err := r.Subscribe(Options{Category: Revision, Callback: func(Notification) { calls++ }})
	require.NoError(t, err)
	r.Clear()
	r.Publish(Notification{Category: Revision})
	assert.Equal(t, 0, calls)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil)
	var mu sync.Mutex
	delivered := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unsubscribe, err := r.Subscribe(Options{Category: Online, Callback: func(Notification) {
					mu.Lock()
					delivered++
					mu.Unlock()
				}})
				if err != nil {
					return
				}
				r.Publish(Notification{Category: Online})
				unsubscribe()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Positive(t, delivered)
}
