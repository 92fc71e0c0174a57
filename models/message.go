package models

import "time"

// 消息发送方角色
const (
	SenderRequester = "requester"
	SenderOperator  = "operator"
)

// Message 会话内的一条消息。Sequence 由中继统一分配，单调递增且无空洞。
type Message struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"index"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content" gorm:"type:text"`
	Sequence  uint64    `json:"sequence"`
	SentAt    time.Time `json:"sent_at"`
}
