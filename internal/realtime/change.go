// Package realtime 提供表变更的发布订阅抽象，以及进程级的订阅管理器。
package realtime

import (
	"encoding/json"
	"time"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Table 变更涉及的数据表
type Table string

const (
	TableMailboxes Table = "mailboxes"
	TableMessages  Table = "messages"
)

// Change 一条已提交的行变更
type Change struct {
	Type      ChangeType      `json:"type"`
	Table     Table           `json:"table"`
	MailboxID string          `json:"mailboxId"`
	RecordID  string          `json:"recordId,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
	At        time.Time       `json:"at"`
}

// NewChange 构造变更，row 序列化失败时忽略行数据
func NewChange(typ ChangeType, table Table, mailboxID, recordID string, row interface{}) Change {
	c := Change{
		Type:      typ,
		Table:     table,
		MailboxID: mailboxID,
		RecordID:  recordID,
		At:        time.Now().UTC(),
	}
	if row != nil {
		if data, err := json.Marshal(row); err == nil {
			c.Row = data
		}
	}
	return c
}

// Filter 订阅过滤条件，空字段表示不限
type Filter struct {
	Table     Table  `json:"table,omitempty"`
	MailboxID string `json:"mailboxId,omitempty"`
}

// Match 判断变更是否满足过滤条件
func (f Filter) Match(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.MailboxID != "" && f.MailboxID != c.MailboxID {
		return false
	}
	return true
}

// Encode 序列化变更
func Encode(c Change) ([]byte, error) {
	return json.Marshal(c)
}

// Decode 反序列化变更
func Decode(data []byte) (Change, error) {
	var c Change
	err := json.Unmarshal(data, &c)
	return c, err
}
