package models

import "time"

// SignalMessage is one row of the durable signaling mailbox. Rows are written
// on send, read back in creation order when a recipient drains its mailbox,
// and deleted once the recipient has processed them.
type SignalMessage struct {
	ID         string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	RoomID     string    `json:"room_id" gorm:"type:varchar(64);index"`
	FromUserID string    `json:"from_user_id" gorm:"type:varchar(64)"`
	ToUserID   string    `json:"to_user_id" gorm:"type:varchar(64);index"`
	Kind       string    `json:"kind" gorm:"type:varchar(16)"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName overrides the table name
func (SignalMessage) TableName() string {
	return "signal_messages"
}
