package inbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/realtime"
	"tempmail/inboxd/internal/storage/feed"
	"tempmail/inboxd/internal/storage/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu      sync.Mutex
	snaps   []Snapshot
	cleared []string
	stale   []string
}

func (r *recorder) Snapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) SelectionCleared(_, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, messageID)
}

func (r *recorder) Stale(mailboxID string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = append(r.stale, mailboxID)
}

func (r *recorder) snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func (r *recorder) clearedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cleared...)
}

func (r *recorder) staleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stale)
}

type countingExecutor struct {
	n atomic.Int32
}

func (e *countingExecutor) TrySubmit(task func()) bool {
	e.n.Add(1)
	go task()
	return true
}

type fixture struct {
	broker *realtime.MemoryBroker
	mgr    *realtime.Manager
	store  *feed.Store
	sink   *recorder
	view   *View
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	broker := realtime.NewMemoryBroker(64)
	mgr := realtime.NewManager(broker, zap.NewNop(), 64)
	store := feed.NewStore(memory.NewStore(), broker, zap.NewNop())
	sink := &recorder{}
	view := NewView(mgr, store, sink, zap.NewNop(), opts...)
	t.Cleanup(func() {
		view.Shutdown()
		mgr.Close()
		broker.Close()
	})
	return &fixture{broker: broker, mgr: mgr, store: store, sink: sink, view: view}
}

func (f *fixture) createMailbox(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	mb := &domain.Mailbox{
		ID:          id,
		Address:     id + "@tempmail.dev",
		LocalPart:   id,
		Domain:      "tempmail.dev",
		OwnerID:     "owner-1",
		MaxMessages: 10,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	mb.Activate()
	require.NoError(t, f.store.CreateMailbox(context.Background(), mb))
}

func (f *fixture) appendMessage(t *testing.T, id, mailboxID string) {
	t.Helper()
	_, err := f.store.AppendMessage(context.Background(), &domain.Message{
		ID:         id,
		MailboxID:  mailboxID,
		Direction:  domain.DirectionReceived,
		From:       "sender@example.org",
		To:         []string{mailboxID + "@tempmail.dev"},
		Subject:    "hello",
		ReceivedAt: time.Now().UTC(),
	}, domain.CapacityReject)
	require.NoError(t, err)
}

func (f *fixture) waitActive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.view.State() == StateActive }, waitFor, tick)
}

func (f *fixture) waitMessages(t *testing.T, mailboxID string, n int) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, ok := f.sink.last()
		if !ok || s.MailboxID != mailboxID || len(s.Messages) != n {
			return false
		}
		snap = s
		return true
	}, waitFor, tick)
	return snap
}

func TestView_SelectAndResync(t *testing.T) {
	f := newFixture(t)
	f.createMailbox(t, "foo")

	token := f.view.Select("foo")
	assert.NotZero(t, token)
	f.waitActive(t)
	f.waitMessages(t, "foo", 0)

	f.appendMessage(t, "m1", "foo")
	snap := f.waitMessages(t, "foo", 1)
	assert.Equal(t, token, snap.Generation)
	assert.Equal(t, 1, snap.Stats.Unread)
	assert.False(t, snap.Gone)
	assert.False(t, snap.Stale)

	_, _, err := f.store.MarkMessageRead(context.Background(), "m1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := f.sink.last()
		return len(s.Messages) == 1 && s.Stats.Unread == 0
	}, waitFor, tick)
}

func TestView_RapidReselection(t *testing.T) {
	f := newFixture(t)
	f.createMailbox(t, "a")
	f.createMailbox(t, "b")

	f.view.Select("a")
	tokenB := f.view.Select("b")
	before := len(f.sink.snapshots())

	f.waitActive(t)
	require.Eventually(t, func() bool { return f.mgr.Open() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.broker.Channels() == 1 }, waitFor, tick)

	mailboxID, token := f.view.Current()
	assert.Equal(t, "b", mailboxID)
	assert.Equal(t, tokenB, token)

	// A 的写入不会触发 B 的刷新
	f.waitMessages(t, "b", 0)
	settled := len(f.sink.snapshots())
	f.appendMessage(t, "ma", "a")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, len(f.sink.snapshots()))

	for _, s := range f.sink.snapshots()[before:] {
		assert.Equal(t, "b", s.MailboxID)
		assert.Equal(t, tokenB, s.Generation)
	}
}

func TestView_DiscardsSupersededToken(t *testing.T) {
	f := newFixture(t)
	f.createMailbox(t, "a")
	f.createMailbox(t, "b")

	old := f.view.Select("a")
	f.view.Select("b")

	ev := realtime.Event{
		Token:  old,
		Change: realtime.NewChange(realtime.ChangeInsert, realtime.TableMessages, "b", "m1", nil),
	}
	assert.False(t, f.view.apply(ev, "b"))

	// 过期代号的刷新也不会输出
	f.view.resync(old, "a")
	for _, s := range f.sink.snapshots() {
		assert.NotEqual(t, old, s.Generation)
	}
}

func TestView_ProviderClosed(t *testing.T) {
	f := newFixture(t)
	f.createMailbox(t, "foo")

	token := f.view.Select("foo")
	f.waitActive(t)

	require.True(t, f.broker.Disconnect(realtime.ChannelName("foo", token)))
	require.Eventually(t, func() bool { return f.view.State() == StateIdle }, waitFor, tick)
	assert.True(t, f.view.Stale())
	assert.Equal(t, 1, f.sink.staleCount())
	assert.Equal(t, 0, f.mgr.Open())

	// 不会自动重连
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, f.view.State())

	f.view.Refresh()
	f.waitActive(t)
	assert.False(t, f.view.Stale())
	_, newToken := f.view.Current()
	assert.Greater(t, newToken, token)
	assert.Equal(t, 1, f.mgr.Open())
}

func TestView_FocusClearedOnDelete(t *testing.T) {
	f := newFixture(t)
	f.createMailbox(t, "foo")
	f.view.Select("foo")
	f.waitActive(t)

	f.appendMessage(t, "m1", "foo")
	f.appendMessage(t, "m2", "foo")
	f.waitMessages(t, "foo", 2)
	require.True(t, f.view.Focus("m1"))

	_, err := f.store.DeleteMessage(context.Background(), "m2")
	require.NoError(t, err)
	snap := f.waitMessages(t, "foo", 1)
	assert.Equal(t, "m1", snap.Focus)
	assert.Empty(t, f.sink.clearedIDs())

	_, err = f.store.DeleteMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.sink.clearedIDs()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"m1"}, f.sink.clearedIDs())

	snap = f.waitMessages(t, "foo", 0)
	assert.Empty(t, snap.Focus)
}

func TestView_MailboxGone(t *testing.T) {
	f := newFixture(t)
	f.createMailbox(t, "foo")
	f.view.Select("foo")
	f.waitActive(t)

	_, err := f.store.DeactivateMailbox(context.Background(), "foo", time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := f.sink.last()
		return ok && s.Gone
	}, waitFor, tick)

	require.NoError(t, f.store.DeleteMailbox(context.Background(), "foo"))
	require.Eventually(t, func() bool {
		s, ok := f.sink.last()
		return ok && s.Gone && s.Mailbox == nil
	}, waitFor, tick)
}

func TestView_Deselect(t *testing.T) {
	exec := &countingExecutor{}
	f := newFixture(t, WithExecutor(exec))
	f.createMailbox(t, "foo")
	f.view.Select("foo")
	f.waitActive(t)

	f.view.Select("")
	require.Eventually(t, func() bool { return f.view.State() == StateIdle }, waitFor, tick)
	require.Eventually(t, func() bool { return f.mgr.Open() == 0 }, waitFor, tick)
	assert.Equal(t, int32(1), exec.n.Load())
	assert.False(t, f.view.Focus("m1"))
}

func TestView_Shutdown(t *testing.T) {
	f := newFixture(t)
	f.createMailbox(t, "foo")
	f.view.Select("foo")
	f.waitActive(t)

	f.view.Shutdown()
	f.view.Shutdown()

	assert.Equal(t, StateIdle, f.view.State())
	assert.Equal(t, 0, f.mgr.Open())
	assert.Zero(t, f.view.Select("foo"))

	// 从未打开过通道的视图也可以安全关闭
	idle := NewView(f.mgr, f.store, &recorder{}, zap.NewNop())
	idle.Shutdown()
	assert.Equal(t, StateIdle, idle.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "subscribing", StateSubscribing.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown", State(42).String())
}
