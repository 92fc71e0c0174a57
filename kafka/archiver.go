package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"LiteSupport/models"

	"github.com/IBM/sarama"
)

// 会话生命周期事件类型
const (
	SessionStarted = "session_started"
	SessionEnded   = "session_ended"
)

// SessionEvent broker 发布到 Kafka 的会话生命周期记录
type SessionEvent struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id"`
	RequestID     string    `json:"request_id"`
	RequesterID   uint      `json:"requester_id"`
	OperatorID    uint      `json:"operator_id"`
	IssueCategory string    `json:"issue_category"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SessionArchive 会话摘要的持久化端口，生产实现走 gorm
type SessionArchive interface {
	RecordStarted(ctx context.Context, session models.ChatSession) error
	RecordEnded(ctx context.Context, sessionID, reason string, endedAt time.Time) error
}

// SessionEventHandler 消费生命周期事件并写入历史库
type SessionEventHandler struct {
	archive SessionArchive
}

func NewSessionEventHandler(archive SessionArchive) *SessionEventHandler {
	return &SessionEventHandler{archive: archive}
}

func (h *SessionEventHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event SessionEvent

	if err := json.Unmarshal(message.Value, &event); err != nil {
		log.Printf("Failed to unmarshal session event: %v", err)
		return err
	}

	switch event.Type {
	case SessionStarted:
		return h.archive.RecordStarted(ctx, models.ChatSession{
			ID:            event.SessionID,
			RequestID:     event.RequestID,
			RequesterID:   event.RequesterID,
			OperatorID:    event.OperatorID,
			IssueCategory: event.IssueCategory,
			State:         models.SessionActive,
			CloseReason:   models.CloseReasonNone,
			StartedAt:     event.Timestamp,
		})
	case SessionEnded:
		return h.archive.RecordEnded(ctx, event.SessionID, event.Reason, event.Timestamp)
	default:
		log.Printf("Ignoring session event of unknown type %q", event.Type)
		return nil
	}
}
