package domain

import (
	"sort"
	"time"
)

// Direction 表示邮件方向。
type Direction string

const (
	// DirectionReceived 入站邮件。
	DirectionReceived Direction = "received"
	// DirectionSent 由邮箱所有者发出的邮件。
	DirectionSent Direction = "sent"
)

// DefaultSubject 入站邮件缺少主题时使用。
const DefaultSubject = "No Subject"

// Message 表示一封临时邮箱内的邮件。
type Message struct {
	ID          string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID   string            `json:"mailboxId" gorm:"type:varchar(36);index:idx_messages_mailbox_received,priority:1;not null"`
	MessageID   string            `json:"messageId,omitempty" gorm:"type:varchar(255)"`
	Direction   Direction         `json:"direction" gorm:"type:varchar(16);not null"`
	From        string            `json:"from" gorm:"type:varchar(255)"`
	To          []string          `json:"to" gorm:"serializer:json;type:text"`
	Cc          []string          `json:"cc,omitempty" gorm:"serializer:json;type:text"`
	Bcc         []string          `json:"bcc,omitempty" gorm:"serializer:json;type:text"`
	Subject     string            `json:"subject" gorm:"type:varchar(500)"`
	BodyText    string            `json:"bodyText,omitempty" gorm:"type:text"`
	BodyHTML    string            `json:"bodyHtml,omitempty" gorm:"type:text"`
	Attachments []Attachment      `json:"attachments,omitempty" gorm:"serializer:json;type:text"`
	Headers     map[string]string `json:"headers,omitempty" gorm:"serializer:json;type:text"`
	ReceivedAt  time.Time         `json:"receivedAt" gorm:"index:idx_messages_mailbox_received,priority:2"`
	IsRead      bool              `json:"isRead" gorm:"index;not null"`
}

// Attachment 记录附件元数据，不包含内容。
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// MailboxStats 是按需计算的邮箱统计，不持久化。
type MailboxStats struct {
	Total    int `json:"total"`
	Unread   int `json:"unread"`
	Received int `json:"received"`
	Sent     int `json:"sent"`
}

// ComputeStats 从邮件列表推导统计信息。
func ComputeStats(messages []Message) MailboxStats {
	var stats MailboxStats
	for i := range messages {
		stats.Total++
		switch messages[i].Direction {
		case DirectionSent:
			stats.Sent++
		default:
			stats.Received++
			if !messages[i].IsRead {
				stats.Unread++
			}
		}
	}
	return stats
}

// SortByReceivedDesc 按接收时间倒序排列，时间相同按 ID 排列保证稳定。
func SortByReceivedDesc(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].ReceivedAt.Equal(messages[j].ReceivedAt) {
			return messages[i].ID > messages[j].ID
		}
		return messages[i].ReceivedAt.After(messages[j].ReceivedAt)
	})
}
