package sql

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tempmail/inboxd/internal/domain"
	"tempmail/inboxd/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStoreWithDB(db, "mysql")
	require.NoError(t, err)
	return store, mock
}

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"gorm 翻译后的错误", gorm.ErrDuplicatedKey, true},
		{"lib/pq 唯一约束", &pq.Error{Code: "23505"}, true},
		{"pgx 唯一约束", &pgconn.PgError{Code: "23505"}, true},
		{"mysql 重复键", &mysqldriver.MySQLError{Number: 1062}, true},
		{"包装后的错误", fmt.Errorf("insert: %w", &mysqldriver.MySQLError{Number: 1062}), true},
		{"其他 pg 错误", &pq.Error{Code: "23503"}, false},
		{"其他 mysql 错误", &mysqldriver.MySQLError{Number: 1452}, false},
		{"普通错误", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDuplicateKey(tt.err))
		})
	}
}

func TestNewStoreWithDBRejectsUnknownDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStoreWithDB(db, "sqlite")
	assert.Error(t, err)
}

func TestCreateMailboxDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `mailboxes`").
		WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	mb := &domain.Mailbox{ID: "mb-1", Address: "foo@tempmail.dev", OwnerID: "owner", ExpiresAt: time.Now().Add(time.Hour)}
	mb.Activate()

	err := store.CreateMailbox(context.Background(), mb)
	assert.ErrorIs(t, err, storage.ErrDuplicateAddress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateMailbox(t *testing.T) {
	t.Run("有效邮箱被停用", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `mailboxes` SET").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		changed, err := store.DeactivateMailbox(context.Background(), "mb-1", time.Now())
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("已停用邮箱无变化", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `mailboxes` SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		changed, err := store.DeactivateMailbox(context.Background(), "mb-1", time.Now())
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("不存在的邮箱", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `mailboxes` SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		_, err := store.DeactivateMailbox(context.Background(), "missing", time.Now())
		assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
	})
}

func TestGetMailboxNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT \\* FROM `mailboxes`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "address"}))

	_, err := store.GetMailbox(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func mailboxRows(id string, maxMessages int, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "address", "owner_id", "active", "max_messages", "expires_at"}).
		AddRow(id, "foo@tempmail.dev", "owner", active, maxMessages, time.Now().Add(time.Hour))
}

func TestAppendMessageCapacity(t *testing.T) {
	newMsg := func(id string) *domain.Message {
		return &domain.Message{
			ID:         id,
			MailboxID:  "mb-1",
			Direction:  domain.DirectionReceived,
			To:         []string{"foo@tempmail.dev"},
			ReceivedAt: time.Now(),
		}
	}

	t.Run("未满时插入", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `mailboxes`.*FOR UPDATE").WillReturnRows(mailboxRows("mb-1", 2, true))
		mock.ExpectQuery("SELECT count\\(\\*\\) FROM `messages`").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectExec("INSERT INTO `messages`").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		evicted, err := store.AppendMessage(context.Background(), newMsg("m-2"), domain.CapacityReject)
		require.NoError(t, err)
		assert.Empty(t, evicted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("满容量拒绝且不插入", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `mailboxes`.*FOR UPDATE").WillReturnRows(mailboxRows("mb-1", 2, true))
		mock.ExpectQuery("SELECT count\\(\\*\\) FROM `messages`").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectRollback()

		_, err := store.AppendMessage(context.Background(), newMsg("m-3"), domain.CapacityReject)
		assert.ErrorIs(t, err, storage.ErrMailboxFull)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("满容量淘汰最旧邮件后插入", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `mailboxes`.*FOR UPDATE").WillReturnRows(mailboxRows("mb-1", 2, true))
		mock.ExpectQuery("SELECT count\\(\\*\\) FROM `messages`").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectQuery("SELECT `id` FROM `messages`.*ORDER BY received_at ASC, id ASC").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m-0"))
		mock.ExpectExec("DELETE FROM `messages` WHERE id IN").
			WithArgs("m-0").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO `messages`").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		evicted, err := store.AppendMessage(context.Background(), newMsg("m-3"), domain.CapacityEvictOldest)
		require.NoError(t, err)
		assert.Equal(t, []string{"m-0"}, evicted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("邮箱不存在", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `mailboxes`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := store.AppendMessage(context.Background(), newMsg("m-1"), domain.CapacityReject)
		assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCountMessages(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `messages`").
		WithArgs("mb-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.CountMessages(context.Background(), "mb-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMessageRead(t *testing.T) {
	messageRows := func(isRead bool) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "mailbox_id", "direction", "is_read"}).
			AddRow("m-1", "mb-1", "received", isRead)
	}

	t.Run("未读邮件被标记", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `messages`.*FOR UPDATE").WillReturnRows(messageRows(false))
		mock.ExpectExec("UPDATE `messages` SET `is_read`").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		msg, changed, err := store.MarkMessageRead(context.Background(), "m-1")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, msg.IsRead)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("已读邮件不再更新", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `messages`.*FOR UPDATE").WillReturnRows(messageRows(true))
		mock.ExpectCommit()

		msg, changed, err := store.MarkMessageRead(context.Background(), "m-1")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, msg.IsRead)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("邮件不存在", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `messages`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, _, err := store.MarkMessageRead(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestExtendMailbox(t *testing.T) {
	t.Run("有效邮箱重置过期时间", func(t *testing.T) {
		store, mock := newMockStore(t)
		expiresAt := time.Now().Add(48 * time.Hour).UTC()
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `mailboxes`.*FOR UPDATE").WillReturnRows(mailboxRows("mb-1", 100, true))
		mock.ExpectExec("UPDATE `mailboxes` SET `expires_at`").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mb, err := store.ExtendMailbox(context.Background(), "mb-1", expiresAt)
		require.NoError(t, err)
		assert.True(t, mb.ExpiresAt.Equal(expiresAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("已停用邮箱返回不存在", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `mailboxes`.*FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := store.ExtendMailbox(context.Background(), "mb-1", time.Now().Add(time.Hour))
		assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListActiveMailboxes(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "address", "owner_id", "active", "created_at"}).
		AddRow("mb-2", "b@tempmail.dev", "owner", true, now).
		AddRow("mb-1", "a@tempmail.dev", "owner", true, now.Add(-time.Minute))
	mock.ExpectQuery("SELECT \\* FROM `mailboxes` WHERE .*owner_id = \\?.*ORDER BY created_at DESC").
		WithArgs("owner", true, now).
		WillReturnRows(rows)

	list, err := store.ListActiveMailboxes(context.Background(), "owner", now)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "mb-2", list[0].ID)
	assert.Equal(t, "mb-1", list[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
