// Package inbox 实现单个客户端视图的实时收件箱同步。
//
// 视图同一时刻最多绑定一个订阅。每次选择邮箱都会分配新的代号，
// 代号不匹配的通知直接丢弃；收到通知后总是从存储全量刷新，而不是增量修补。
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/realtime"
	"tempmail/inboxd/internal/storage"
)

const (
	openTimeout   = 10 * time.Second
	resyncTimeout = 10 * time.Second
)

// State 视图订阅状态
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Source 全量刷新时读取的数据源，storage.Store 满足该接口
type Source interface {
	GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error)
	ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error)
}

// Snapshot 一次全量刷新的结果
type Snapshot struct {
	MailboxID  string              `json:"mailboxId"`
	Generation realtime.Token      `json:"generation"`
	Mailbox    *domain.Mailbox     `json:"mailbox,omitempty"`
	Messages   []domain.Message    `json:"messages"`
	Stats      domain.MailboxStats `json:"stats"`
	Focus      string              `json:"focus,omitempty"`
	Stale      bool                `json:"stale"`
	Gone       bool                `json:"gone"`
}

// Sink 接收视图输出。回调在视图锁内执行，实现不得回调视图方法，也不应阻塞。
type Sink interface {
	Snapshot(snap Snapshot)
	SelectionCleared(mailboxID, messageID string)
	Stale(mailboxID string, err error)
}

// Executor 执行异步释放任务，pool.WorkerPool 满足该接口
type Executor interface {
	TrySubmit(task func()) bool
}

// Option 视图选项
type Option func(*View)

// WithExecutor 使用协程池归还旧通道
func WithExecutor(exec Executor) Option {
	return func(v *View) { v.exec = exec }
}

// WithClock 替换时钟，用于测试过期判断
func WithClock(now func() time.Time) Option {
	return func(v *View) { v.now = now }
}

// View 单个客户端的收件箱视图
type View struct {
	mgr  *realtime.Manager
	src  Source
	sink Sink
	exec Executor
	log  *zap.Logger
	now  func() time.Time

	mu        sync.Mutex
	state     State
	token     realtime.Token
	mailboxID string
	focus     string
	handle    *realtime.Handle
	stale     bool
	closed    bool

	// 串行化全量刷新，保证快照按读取顺序输出
	syncMu sync.Mutex

	wg       sync.WaitGroup
	shutdown sync.Once
}

// NewView 创建视图
func NewView(mgr *realtime.Manager, src Source, sink Sink, log *zap.Logger, opts ...Option) *View {
	v := &View{
		mgr:  mgr,
		src:  src,
		sink: sink,
		log:  log.Named("inbox"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Select 切换到指定邮箱，空 ID 表示取消选择。
//
// 旧订阅的代号在返回前失效，通道归还和新订阅的建立都在后台完成，不阻塞调用方。
func (v *View) Select(mailboxID string) realtime.Token {
	token := v.mgr.NextToken()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0
	}
	prev := v.handle
	v.handle = nil
	v.token = token
	v.mailboxID = mailboxID
	v.focus = ""
	v.stale = false
	switch {
	case mailboxID != "":
		v.state = StateSubscribing
	case prev != nil:
		v.state = StateClosing
	default:
		v.state = StateIdle
	}
	if prev != nil {
		v.wg.Add(1)
	}
	if mailboxID != "" {
		v.wg.Add(1)
	}
	v.mu.Unlock()

	v.releaseAsync(prev, token)
	if mailboxID != "" {
		go v.open(token, mailboxID)
	}
	return token
}

// Refresh 重新同步当前邮箱；订阅已失效时重新建立订阅
func (v *View) Refresh() {
	v.mu.Lock()
	if v.closed || v.mailboxID == "" {
		v.mu.Unlock()
		return
	}
	token, mailboxID, state := v.token, v.mailboxID, v.state
	if state != StateIdle {
		v.mu.Unlock()
		v.resync(token, mailboxID)
		return
	}

	// 订阅已被远端关闭，换新代号重新打开，保留当前焦点
	token = v.mgr.NextToken()
	v.token = token
	v.state = StateSubscribing
	v.wg.Add(1)
	v.mu.Unlock()

	go v.open(token, mailboxID)
}

// Focus 记录当前显示的邮件，空 ID 表示无焦点
func (v *View) Focus(messageID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.mailboxID == "" {
		return false
	}
	v.focus = messageID
	return true
}

// State 返回当前状态
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Current 返回当前邮箱及代号
func (v *View) Current() (string, realtime.Token) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mailboxID, v.token
}

// Stale 判断视图数据是否可能已过时
func (v *View) Stale() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale
}

// Shutdown 关闭视图并归还通道，重复调用安全
func (v *View) Shutdown() {
	v.shutdown.Do(func() {
		v.mu.Lock()
		v.closed = true
		h := v.handle
		v.handle = nil
		if h != nil {
			v.state = StateClosing
		}
		v.mu.Unlock()

		if err := v.mgr.Release(h); err != nil {
			v.log.Warn("release channel failed", zap.Error(err))
		}
		v.wg.Wait()

		v.mu.Lock()
		v.state = StateIdle
		v.mailboxID = ""
		v.focus = ""
		v.mu.Unlock()
	})
}

// releaseAsync 在后台归还被替换的通道，调用方已在锁内登记 wg
func (v *View) releaseAsync(h *realtime.Handle, current realtime.Token) {
	if h == nil {
		return
	}
	task := func() {
		defer v.wg.Done()
		if err := v.mgr.Release(h); err != nil {
			v.log.Warn("release channel failed", zap.String("channel", h.Name()), zap.Error(err))
		}
		v.mu.Lock()
		if v.token == current && v.state == StateClosing {
			v.state = StateIdle
		}
		v.mu.Unlock()
	}
	if v.exec == nil || !v.exec.TrySubmit(task) {
		go task()
	}
}

func (v *View) open(token realtime.Token, mailboxID string) {
	defer v.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	h, err := v.mgr.Acquire(ctx, token, realtime.Filter{MailboxID: mailboxID})
	cancel()

	v.mu.Lock()
	if v.closed || v.token != token {
		// 等待期间已被重新选择
		v.mu.Unlock()
		if h != nil {
			v.mgr.Release(h)
		}
		return
	}
	if err != nil {
		v.state = StateIdle
		v.stale = true
		v.log.Warn("subscribe failed", zap.String("mailbox_id", mailboxID), zap.Error(err))
		v.sink.Stale(mailboxID, err)
		v.mu.Unlock()
		return
	}
	v.handle = h
	v.state = StateActive
	v.stale = false
	v.wg.Add(1)
	v.mu.Unlock()

	go v.watch(h, mailboxID)
}

// watch 先做一次初始刷新，然后逐个处理通知
func (v *View) watch(h *realtime.Handle, mailboxID string) {
	defer v.wg.Done()

	v.resync(h.Token(), mailboxID)

	events := h.Events()
	for ev := range events {
		if !v.apply(ev, mailboxID) {
			continue
		}
		// 合并已排队的通知，只做一次刷新
		if !v.drain(events, mailboxID) {
			break
		}
		v.resync(ev.Token, mailboxID)
	}

	if h.Released() {
		return
	}

	err := h.Err()
	if err == nil {
		err = realtime.ErrProviderClosed
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.token != h.Token() {
		return
	}
	v.log.Warn("channel closed by provider, view marked stale",
		zap.String("mailbox_id", mailboxID),
		zap.Error(err),
	)
	v.handle = nil
	v.state = StateIdle
	v.stale = true
	v.sink.Stale(mailboxID, err)
}

// apply 校验代号并处理焦点，返回是否需要刷新
func (v *View) apply(ev realtime.Event, mailboxID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed || ev.Token != v.token || ev.Change.MailboxID != mailboxID {
		return false
	}
	c := ev.Change
	if c.Table == realtime.TableMessages && c.Type == realtime.ChangeDelete && v.focus != "" {
		if c.RecordID == "" || c.RecordID == v.focus {
			cleared := v.focus
			v.focus = ""
			v.sink.SelectionCleared(mailboxID, cleared)
		}
	}
	return true
}

// drain 处理通道中已到达的通知，通道关闭时返回 false
func (v *View) drain(events <-chan realtime.Event, mailboxID string) bool {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			v.apply(ev, mailboxID)
		default:
			return true
		}
	}
}

// resync 从存储读取全量数据，代号仍然有效时输出快照
func (v *View) resync(token realtime.Token, mailboxID string) {
	v.syncMu.Lock()
	defer v.syncMu.Unlock()

	if !v.isCurrent(token) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	snap := Snapshot{MailboxID: mailboxID, Generation: token, Messages: []domain.Message{}}
	mb, err := v.src.GetMailbox(ctx, mailboxID)
	switch {
	case errors.Is(err, storage.ErrMailboxNotFound):
		snap.Gone = true
	case err != nil:
		v.fail(token, mailboxID, err)
		return
	default:
		snap.Mailbox = mb
		snap.Gone = !mb.IsLive(v.now())

		msgs, err := v.src.ListMessages(ctx, mailboxID)
		switch {
		case errors.Is(err, storage.ErrMailboxNotFound):
			snap.Mailbox = nil
			snap.Gone = true
		case err != nil:
			v.fail(token, mailboxID, err)
			return
		default:
			snap.Messages = msgs
			snap.Stats = domain.ComputeStats(msgs)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.token != token {
		return
	}
	if v.focus != "" && !containsMessage(snap.Messages, v.focus) {
		cleared := v.focus
		v.focus = ""
		v.sink.SelectionCleared(mailboxID, cleared)
	}
	snap.Focus = v.focus
	snap.Stale = v.stale
	v.sink.Snapshot(snap)
}

// fail 读取失败时只把视图标记为过时，保持订阅
func (v *View) fail(token realtime.Token, mailboxID string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.token != token {
		return
	}
	v.log.Warn("resync failed", zap.String("mailbox_id", mailboxID), zap.Error(err))
	v.stale = true
	v.sink.Stale(mailboxID, err)
}

func (v *View) isCurrent(token realtime.Token) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed && v.token == token
}

func containsMessage(msgs []domain.Message, id string) bool {
	for i := range msgs {
		if msgs[i].ID == id {
			return true
		}
	}
	return false
}
