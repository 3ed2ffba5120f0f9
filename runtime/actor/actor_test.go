package actor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/actor"
)

func newSystem(t *testing.T, opts ...actor.Option) *actor.System {
	t.Helper()
	sys := actor.NewSystem(context.Background(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys
}

func TestMessagesProcessedInOrder(t *testing.T) {
	sys := newSystem(t)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	ref, err := sys.Spawn("run-1", func(*actor.Ref) actor.Handler {
		return func(_ context.Context, msg any) {
			mu.Lock()
			got = append(got, msg.(int))
			n := len(got)
			mu.Unlock()
			if n == 100 {
				close(done)
			}
		}
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, ref.Post(context.Background(), i))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for messages")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestSpawnReturnsExistingRef(t *testing.T) {
	sys := newSystem(t)
	factory := func(*actor.Ref) actor.Handler {
		return func(context.Context, any) {}
	}
	a, err := sys.Spawn("conv-1", factory)
	require.NoError(t, err)
	b, err := sys.Spawn("conv-1", factory)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, sys.Len())
}

func TestTryPostFullMailbox(t *testing.T) {
	sys := newSystem(t, actor.WithMailboxSize(1))

	block := make(chan struct{})
	ref, err := sys.Spawn("run-2", func(*actor.Ref) actor.Handler {
		return func(context.Context, any) { <-block }
	})
	require.NoError(t, err)

	// First message occupies the handler, second fills the mailbox.
	require.NoError(t, ref.Post(context.Background(), 1))
	require.Eventually(t, func() bool {
		return ref.TryPost(2) == nil
	}, time.Second, time.Millisecond)

	err = ref.TryPost(3)
	require.ErrorIs(t, err, actor.ErrMailboxFull)
	close(block)
}

func TestStopDrainsQueuedMessages(t *testing.T) {
	sys := newSystem(t)

	var mu sync.Mutex
	var count int
	ref, err := sys.Spawn("run-3", func(*actor.Ref) actor.Handler {
		return func(context.Context, any) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			count++
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, ref.Post(context.Background(), i))
	}
	ref.Stop()
	select {
	case <-ref.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, count)

	require.ErrorIs(t, ref.Post(context.Background(), 11), actor.ErrStopped)
	_, live := sys.Lookup("run-3")
	require.False(t, live)
}

func TestTimerDeliversToMailbox(t *testing.T) {
	sys := newSystem(t)

	fired := make(chan any, 1)
	ref, err := sys.Spawn("run-4", func(self *actor.Ref) actor.Handler {
		return func(_ context.Context, msg any) {
			if msg == "start" {
				self.After("sync-timeout", 10*time.Millisecond, "timeout")
				return
			}
			fired <- msg
		}
	})
	require.NoError(t, err)
	require.NoError(t, ref.Post(context.Background(), "start"))

	select {
	case msg := <-fired:
		require.Equal(t, "timeout", msg)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelTimer(t *testing.T) {
	sys := newSystem(t)

	fired := make(chan any, 1)
	ref, err := sys.Spawn("run-5", func(self *actor.Ref) actor.Handler {
		return func(_ context.Context, msg any) {
			switch msg {
			case "arm":
				self.After("t", 30*time.Millisecond, "boom")
			case "disarm":
				self.CancelTimer("t")
			default:
				fired <- msg
			}
		}
	})
	require.NoError(t, err)
	require.NoError(t, ref.Post(context.Background(), "arm"))
	require.NoError(t, ref.Post(context.Background(), "disarm"))

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestPanicStopsActorAndNotifies(t *testing.T) {
	panicked := make(chan string, 1)
	sys := newSystem(t, actor.WithPanicHandler(func(id string, _ any, _ []byte) {
		panicked <- id
	}))

	ref, err := sys.Spawn("run-6", func(*actor.Ref) actor.Handler {
		return func(context.Context, any) { panic("boom") }
	})
	require.NoError(t, err)
	require.NoError(t, ref.Post(context.Background(), "x"))

	select {
	case id := <-panicked:
		require.Equal(t, "run-6", id)
	case <-time.After(time.Second):
		t.Fatal("panic handler not invoked")
	}
	select {
	case <-ref.Done():
	case <-time.After(time.Second):
		t.Fatal("panicked actor did not stop")
	}
}

func TestShutdownStopsAll(t *testing.T) {
	sys := actor.NewSystem(context.Background())
	for _, id := range []string{"a", "b", "c"} {
		_, err := sys.Spawn(id, func(*actor.Ref) actor.Handler {
			return func(context.Context, any) {}
		})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx))
	require.Equal(t, 0, sys.Len())

	_, err := sys.Spawn("d", func(*actor.Ref) actor.Handler {
		return func(context.Context, any) {}
	})
	require.ErrorIs(t, err, actor.ErrSystemClosed)
}

func TestAsk(t *testing.T) {
	sys := newSystem(t)

	type question struct {
		reply *actor.Future[int]
	}
	ref, err := sys.Spawn("run-7", func(*actor.Ref) actor.Handler {
		return func(_ context.Context, msg any) {
			q := msg.(question)
			q.reply.Resolve(42)
		}
	})
	require.NoError(t, err)

	got, err := actor.Ask(context.Background(), ref, func(f *actor.Future[int]) any {
		return question{reply: f}
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestFutureResolveIdempotent(t *testing.T) {
	fut := actor.NewFuture[string]()
	fut.Resolve("first")
	fut.Resolve("second")
	fut.Fail(context.Canceled)

	got, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", got)
}
