package services

import (
	"context"
	"time"

	"LiteSupport/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStore 会话摘要的 gorm 实现。Kafka 归档消费者和
// 未启用 Kafka 时的 hub 内联写入都走这里。
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// RecordStarted 会话开始时创建摘要行。用 upsert 保证事件重放不报错。
func (s *SessionStore) RecordStarted(ctx context.Context, session models.ChatSession) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&session).Error
}

// RecordEnded 会话结束时补写关闭原因和结束时间
func (s *SessionStore) RecordEnded(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.ChatSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"state":        models.SessionClosed,
			"close_reason": reason,
			"ended_at":     endedAt,
		}).Error
}
