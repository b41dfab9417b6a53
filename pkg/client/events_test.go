package client

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher(t *testing.T) {
	t.Parallel()

	t.Run("Should invoke handlers in registration order", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(slog.New(slog.DiscardHandler))
		defer d.close()
		log := &eventLog{}
		d.on(EventChanged, func(e Event, f string) { log.handle(e, "first-"+f) })
		d.on(EventChanged, func(e Event, f string) { log.handle(e, "second-"+f) })
		d.on(EventReady, log.handle)

		d.emit(EventChanged, "a")
		d.emit(EventReady, "")

		require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, waitFor, tick)
		assert.Equal(t, []string{"changed:first-a", "changed:second-a", "ready:"}, log.snapshot())
	})

	t.Run("Should not let a removal affect the pass in progress", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(slog.New(slog.DiscardHandler))
		defer d.close()
		log := &eventLog{}
		var second Subscription
		d.on(EventChanged, func(e Event, f string) {
			log.handle(e, "first-"+f)
			d.off(second)
		})
		second = d.on(EventChanged, func(e Event, f string) { log.handle(e, "second-"+f) })

		d.emit(EventChanged, "a")
		d.emit(EventChanged, "b")

		require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, waitFor, tick)
		assert.Equal(t, []string{"changed:first-a", "changed:second-a", "changed:first-b"}, log.snapshot())
	})

	t.Run("Should remove handlers", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(slog.New(slog.DiscardHandler))
		defer d.close()
		log := &eventLog{}
		sub := d.on(EventChanged, log.handle)
		d.on(EventReady, log.handle)

		assert.True(t, d.off(sub))
		assert.False(t, d.off(sub))
		d.offEvent(EventReady)
		d.dispatch(notification{event: EventChanged, flag: "a"})
		d.dispatch(notification{event: EventReady})

		d.on(EventChanged, log.handle)
		d.offAll()
		d.on(EventReady, log.handle)
		d.dispatch(notification{event: EventChanged, flag: "b"})
		d.dispatch(notification{event: EventReady})

		assert.Equal(t, []string{"ready:"}, log.snapshot())
	})

	t.Run("Should survive a panicking handler", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(slog.New(slog.DiscardHandler))
		defer d.close()
		log := &eventLog{}
		d.on(EventChanged, func(Event, string) { panic("handler bug") })
		d.on(EventChanged, log.handle)

		d.emit(EventChanged, "a")

		require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, waitFor, tick)
	})

	t.Run("Should drop events once closed", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(slog.New(slog.DiscardHandler))
		d.close()
		d.close()

		done := make(chan struct{})
		go func() {
			for i := range 2000 {
				d.emit(EventChanged, fmt.Sprintf("flag-%d", i))
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("emit blocked on a closed dispatcher")
		}
	})

	t.Run("Should not block producers behind a slow handler", func(t *testing.T) {
		t.Parallel()

		// Arrange
		d := newDispatcher(slog.New(slog.DiscardHandler))
		defer d.close()
		log := &eventLog{}
		entered := make(chan struct{}, 1)
		release := make(chan struct{})
		d.on(EventChanged, func(e Event, f string) {
			if f == "slow" {
				entered <- struct{}{}
				<-release
			}
			log.handle(e, f)
		})
		d.emit(EventChanged, "slow")
		<-entered

		// Act
		done := make(chan struct{})
		go func() {
			for i := range 5000 {
				d.emit(EventChanged, fmt.Sprintf("flag-%d", i%3))
			}
			close(done)
		}()

		// Assert
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("emit blocked while a handler was running")
		}
		close(release)
		require.Eventually(t, func() bool { return len(log.snapshot()) == 4 }, waitFor, tick)
		assert.Equal(t, []string{"changed:slow", "changed:flag-0", "changed:flag-1", "changed:flag-2"}, log.snapshot())
	})
}
