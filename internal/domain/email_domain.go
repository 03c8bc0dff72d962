package domain

import "time"

// Domain 是可用于构造邮箱地址的域名，只读参考数据。
type Domain struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"type:varchar(255);uniqueIndex;not null"`
	Active    bool      `json:"active" gorm:"index;not null"`
	CreatedAt time.Time `json:"createdAt"`
}
