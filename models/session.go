package models

import "time"

// 会话状态
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// 会话关闭原因
const (
	CloseReasonNone          = "none"
	CloseReasonRequesterLeft = "requester_left"
	CloseReasonOperatorLeft  = "operator_left"
	CloseReasonExplicit      = "explicit_close"
)

// ChatSession 一次客户与客服的配对会话摘要，落库供历史查询。
type ChatSession struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	RequestID     string     `json:"request_id" gorm:"index"`
	RequesterID   uint       `json:"requester_id" gorm:"index"`
	OperatorID    uint       `json:"operator_id" gorm:"index"`
	IssueCategory string     `json:"issue_category"`
	State         string     `json:"state" gorm:"default:'active';index"`
	CloseReason   string     `json:"close_reason" gorm:"default:'none'"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	// 关联
	Requester User `json:"requester" gorm:"foreignKey:RequesterID"`
	Operator  User `json:"operator" gorm:"foreignKey:OperatorID"`
}
