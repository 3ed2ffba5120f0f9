package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/fault"
)

func TestResolveInvokesReplyExactlyOnce(t *testing.T) {
	c := NewCorrelators()
	var got []Result
	require.NoError(t, c.Register("run-1/tok-1/0", Pending{
		Kind:    KindTask,
		ReplyTo: func(r Result) { got = append(got, r) },
	}))

	ok := c.Resolve("run-1/tok-1/0", Result{Output: map[string]any{"n": 1}})
	require.True(t, ok)
	require.False(t, c.Resolve("run-1/tok-1/0", Result{Output: map[string]any{"n": 2}}))
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Output["n"])
	require.Zero(t, c.Outstanding(""))
}

func TestResolveUnknownIsNoop(t *testing.T) {
	c := NewCorrelators()
	require.False(t, c.Resolve("ghost", Result{}))
}

func TestDuplicateRegisterFails(t *testing.T) {
	c := NewCorrelators()
	require.NoError(t, c.Register("op-1", Pending{Kind: KindTask}))
	err := c.Register("op-1", Pending{Kind: KindTask})
	require.Error(t, err)
	require.Equal(t, fault.KindInternal, fault.KindOf(err))
}

func TestFailCarriesFailure(t *testing.T) {
	c := NewCorrelators()
	var got Result
	require.NoError(t, c.Register("op-1", Pending{
		Kind:    KindWorkflow,
		ReplyTo: func(r Result) { got = r },
	}))

	require.True(t, c.Fail("op-1", fault.Timeout("sync window expired")))
	require.NotNil(t, got.Failure)
	require.Equal(t, fault.KindTimeout, got.Failure.Kind)
}

func TestCancelDropsByPrefixWithoutReply(t *testing.T) {
	c := NewCorrelators()
	replied := false
	reply := func(Result) { replied = true }
	require.NoError(t, c.Register("run-1/tok-1/0", Pending{Kind: KindTask, ReplyTo: reply}))
	require.NoError(t, c.Register("run-1/tok-2/0", Pending{Kind: KindTask, ReplyTo: reply}))
	require.NoError(t, c.Register("run-2/tok-1/0", Pending{Kind: KindTask, ReplyTo: reply}))

	require.Equal(t, 2, c.Cancel("run-1/"))
	require.False(t, replied)
	require.Equal(t, 1, c.Outstanding(""))
	require.Equal(t, 1, c.Outstanding("run-2/"))
	require.False(t, c.Resolve("run-1/tok-1/0", Result{}))
}

func TestReplyRunsOutsideLock(t *testing.T) {
	c := NewCorrelators()
	// A reply that re-enters the registry must not deadlock.
	require.NoError(t, c.Register("op-2", Pending{Kind: KindTask}))
	require.NoError(t, c.Register("op-1", Pending{
		Kind:    KindTask,
		ReplyTo: func(Result) { c.Resolve("op-2", Result{}) },
	}))

	require.True(t, c.Resolve("op-1", Result{}))
	require.Zero(t, c.Outstanding(""))
}

func TestConcurrentResolversRaceOneWinner(t *testing.T) {
	c := NewCorrelators()
	var mu sync.Mutex
	calls := 0
	require.NoError(t, c.Register("op-1", Pending{
		Kind: KindTask,
		ReplyTo: func(Result) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	}))

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- c.Resolve("op-1", Result{})
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, calls)
}

func TestLookup(t *testing.T) {
	c := NewCorrelators()
	require.NoError(t, c.Register("op-1", Pending{Kind: KindAgent, Meta: map[string]string{"runId": "run-1"}}))

	p, ok := c.Lookup("op-1")
	require.True(t, ok)
	require.Equal(t, KindAgent, p.Kind)
	require.Equal(t, "run-1", p.Meta["runId"])
	require.False(t, p.IssuedAt.IsZero())

	_, ok = c.Lookup("ghost")
	require.False(t, ok)
}
