package dashboard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semwatch/report"
	"github.com/c360studio/semwatch/state"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// recordingConn collects every state it is sent.
type recordingConn struct {
	mu       sync.Mutex
	received []state.DashboardState
	notify   chan struct{}
	closed   bool
	failWith error
}

func newRecordingConn() *recordingConn {
	return &recordingConn{notify: make(chan struct{}, 100)}
}

func (c *recordingConn) Send(s state.DashboardState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.received = append(c.received, s)
	c.notify <- struct{}{}
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) states() []state.DashboardState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]state.DashboardState(nil), c.received...)
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) waitFor(t *testing.T, n int) []state.DashboardState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := c.states(); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d states, got %d", n, len(c.states()))
		}
	}
}

// blockingConn never completes a send until released.
type blockingConn struct {
	release chan struct{}
	once    sync.Once
}

func (c *blockingConn) Send(state.DashboardState) error {
	<-c.release
	return errors.New("released")
}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

func newTestDashboard(t *testing.T, opts ...Option) (*Dashboard, *state.Store) {
	t.Helper()
	store := state.NewStore(epoch)
	d := New(store, opts...)
	store.SetListener(d.Publish)
	t.Cleanup(d.Close)
	return d, store
}

func TestSubscribeSendsCurrentStateFirst(t *testing.T) {
	d, store := newTestDashboard(t)

	store.Begin("run-1", epoch.Add(time.Second))
	_, err := store.Complete("run-1", report.Empty(), epoch.Add(2*time.Second))
	require.NoError(t, err)

	conn := newRecordingConn()
	d.Subscribe(conn)

	got := conn.waitFor(t, 1)
	assert.Equal(t, state.Idle, got[0].RunState)
	require.NotNil(t, got[0].LastReport)
	assert.Equal(t, epoch.Add(2*time.Second), got[0].LastUpdatedAt)
}

func TestPublishPreservesTransitionOrder(t *testing.T) {
	d, store := newTestDashboard(t)

	conn := newRecordingConn()
	d.Subscribe(conn)

	store.Begin("run-1", epoch.Add(time.Second))
	_, err := store.Fail("run-1", "compile error", epoch.Add(2*time.Second))
	require.NoError(t, err)
	store.Begin("run-2", epoch.Add(3*time.Second))
	_, err = store.Complete("run-2", report.Empty(), epoch.Add(4*time.Second))
	require.NoError(t, err)

	got := conn.waitFor(t, 5)
	var states []state.RunState
	for _, s := range got {
		states = append(states, s.RunState)
	}
	assert.Equal(t, []state.RunState{state.Idle, state.Running, state.Errored, state.Running, state.Idle}, states)
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	d, store := newTestDashboard(t)

	good := newRecordingConn()
	bad := newRecordingConn()
	bad.failWith = errors.New("broken pipe")

	d.Subscribe(good)
	badSub := d.Subscribe(bad)

	select {
	case <-badSub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failing subscriber was not removed")
	}
	assert.ErrorIs(t, d.Err(badSub), ErrTransport)
	assert.True(t, bad.isClosed())

	store.Begin("run-1", epoch.Add(time.Second))
	got := good.waitFor(t, 2)
	assert.Equal(t, state.Running, got[1].RunState)
	assert.Equal(t, 1, d.Subscribers())
}

func TestStalledSubscriberIsDropped(t *testing.T) {
	d, store := newTestDashboard(t, WithSendBuffer(1))

	stalled := &blockingConn{release: make(chan struct{})}
	good := newRecordingConn()

	stalledSub := d.Subscribe(stalled)
	d.Subscribe(good)
	good.waitFor(t, 1)

	// The stalled writer holds at most one state in flight; the outbox
	// overflows well before three transitions.
	for i := 0; i < 3; i++ {
		store.Begin("run", epoch.Add(time.Duration(i)*time.Second))
		good.waitFor(t, i+2)
	}

	select {
	case <-stalledSub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled subscriber was not removed")
	}
	assert.ErrorIs(t, d.Err(stalledSub), ErrTransport)

	got := good.waitFor(t, 4)
	assert.Equal(t, state.Idle, got[0].RunState)
	assert.Equal(t, state.Running, got[3].RunState)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	d, store := newTestDashboard(t)

	conn := newRecordingConn()
	sub := d.Subscribe(conn)
	conn.waitFor(t, 1)

	d.Unsubscribe(sub)
	d.Unsubscribe(sub)

	<-sub.Done()
	assert.True(t, conn.isClosed())
	assert.NoError(t, d.Err(sub))
	assert.Equal(t, 0, d.Subscribers())

	store.Begin("run-1", epoch)
	assert.Len(t, conn.states(), 1)
}

func TestSubscriptionIDsAreDistinct(t *testing.T) {
	d, _ := newTestDashboard(t)

	a := d.Subscribe(newRecordingConn())
	b := d.Subscribe(newRecordingConn())

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSubscribeAfterClose(t *testing.T) {
	d, _ := newTestDashboard(t)
	d.Close()

	conn := newRecordingConn()
	sub := d.Subscribe(conn)

	<-sub.Done()
	assert.True(t, conn.isClosed())
	assert.Empty(t, conn.states())
}

func TestStateAndReportPassThrough(t *testing.T) {
	d, store := newTestDashboard(t)
	assert.Nil(t, d.Report())
	assert.Equal(t, state.Idle, d.State().RunState)

	r := report.Empty()
	store.Begin("run-1", epoch)
	_, err := store.Complete("run-1", r, epoch)
	require.NoError(t, err)

	assert.Same(t, r, d.Report())
}
