package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/inboxd/internal/config"
	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/inbox"
	"tempmail/inboxd/internal/middleware"
	"tempmail/inboxd/internal/realtime"
	"tempmail/inboxd/internal/service"
	"tempmail/inboxd/internal/storage/feed"
	"tempmail/inboxd/internal/storage/memory"
)

type fixture struct {
	hub     *Hub
	store   *feed.Store
	svc     *service.MailboxService
	manager *realtime.Manager
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	broker := realtime.NewMemoryBroker(16)
	manager := realtime.NewManager(broker, zap.NewNop(), 16)
	store := feed.NewStore(memory.NewStore(), broker, zap.NewNop())
	svc := service.NewMailboxService(store, config.MailboxConfig{}, nil, zap.NewNop())
	require.NoError(t, svc.SeedDomains(context.Background(), []string{"tempmail.dev"}))

	hub := NewHub(Options{
		Manager:   manager,
		Source:    store,
		Mailboxes: svc,
		Logger:    zap.NewNop(),
	})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if owner := c.GetHeader("X-Owner"); owner != "" {
			c.Set(middleware.ContextOwnerID, owner)
		}
		c.Next()
	}, hub.Handler())

	server := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		svc.Close()
		_ = manager.Close()
	})
	return &fixture{hub: hub, store: store, svc: svc, manager: manager, server: server}
}

func (f *fixture) dial(t *testing.T, owner string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("X-Owner", owner)
	conn, resp, err := gorilla.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorilla.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil 读取消息直到满足条件
func readUntil(t *testing.T, conn *gorilla.Conn, match func(Message) bool) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func decodeSnapshot(t *testing.T, msg Message) inbox.Snapshot {
	t.Helper()
	var snap inbox.Snapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	return snap
}

func TestHub_SelectStreamsSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mb, err := f.svc.Create(ctx, service.CreateMailboxInput{OwnerID: "u1", Username: "alice"})
	require.NoError(t, err)

	conn := f.dial(t, "u1")
	send(t, conn, Message{Type: MessageTypeSelect, MailboxID: mb.ID})

	first := readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypeSnapshot })
	snap := decodeSnapshot(t, first)
	assert.Equal(t, mb.ID, snap.MailboxID)
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Gone)

	_, err = f.store.AppendMessage(ctx, &domain.Message{
		ID:         "m1",
		MailboxID:  mb.ID,
		Direction:  domain.DirectionReceived,
		Subject:    "hello",
		ReceivedAt: time.Now().UTC(),
	}, domain.CapacityReject)
	require.NoError(t, err)

	next := readUntil(t, conn, func(m Message) bool {
		return m.Type == MessageTypeSnapshot && len(decodeSnapshot(t, m).Messages) == 1
	})
	snap = decodeSnapshot(t, next)
	assert.Equal(t, "m1", snap.Messages[0].ID)
	assert.Equal(t, 1, snap.Stats.Unread)

	assert.Equal(t, 1, f.hub.Count())
	assert.Eventually(t, func() bool { return f.manager.Open() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_SelectForeignMailbox(t *testing.T) {
	f := newFixture(t)
	mb, err := f.svc.Create(context.Background(), service.CreateMailboxInput{OwnerID: "u2"})
	require.NoError(t, err)

	conn := f.dial(t, "u1")
	send(t, conn, Message{Type: MessageTypeSelect, MailboxID: mb.ID})
	msg := readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypeError })
	assert.Equal(t, "forbidden", msg.Code)

	send(t, conn, Message{Type: MessageTypeSelect, MailboxID: "missing"})
	msg = readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypeError })
	assert.Equal(t, "not_found", msg.Code)

	assert.Equal(t, 0, f.manager.Open())
}

func TestHub_PingAndUnknown(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	send(t, conn, Message{Type: MessageTypePing})
	readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypePong })

	send(t, conn, Message{Type: MessageTypeFocus, MessageID: "m1"})
	msg := readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypeError })
	assert.Equal(t, "no_selection", msg.Code)

	send(t, conn, Message{Type: "bogus"})
	msg = readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypeError })
	assert.Equal(t, "unknown_type", msg.Code)
}

func TestHub_RequiresOwner(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_CloseReleasesChannels(t *testing.T) {
	f := newFixture(t)
	mb, err := f.svc.Create(context.Background(), service.CreateMailboxInput{OwnerID: "u1"})
	require.NoError(t, err)

	conn := f.dial(t, "u1")
	send(t, conn, Message{Type: MessageTypeSelect, MailboxID: mb.ID})
	readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypeSnapshot })

	f.hub.Close()

	assert.Eventually(t, func() bool {
		return f.hub.Count() == 0 && f.manager.Open() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_ClientDisconnectReleasesView(t *testing.T) {
	f := newFixture(t)
	mb, err := f.svc.Create(context.Background(), service.CreateMailboxInput{OwnerID: "u1"})
	require.NoError(t, err)

	conn := f.dial(t, "u1")
	send(t, conn, Message{Type: MessageTypeSelect, MailboxID: mb.ID})
	readUntil(t, conn, func(m Message) bool { return m.Type == MessageTypeSnapshot })

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return f.hub.Count() == 0 && f.manager.Open() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
