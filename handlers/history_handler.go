package handlers

import (
	"net/http"

	"LiteSupport/models"
	"LiteSupport/registry"
	redisc "LiteSupport/redis"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// HistoryHandler 历史会话与消息日志的查询接口（外部 CRUD 协作面）
type HistoryHandler struct {
	db       *gorm.DB
	redis    *redisc.RedisClient
	registry *registry.Registry
}

func NewHistoryHandler(db *gorm.DB, redisClient *redisc.RedisClient, reg *registry.Registry) *HistoryHandler {
	return &HistoryHandler{db: db, redis: redisClient, registry: reg}
}

// ListSessions 管理员获取会话摘要列表，支持 status 过滤
func (h *HistoryHandler) ListSessions(c echo.Context) error {
	status := c.QueryParam("status") // active, closed
	var sessions []models.ChatSession
	query := h.db.Preload("Requester").Preload("Operator").Order("started_at DESC")
	if status != "" {
		query = query.Where("state = ?", status)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch sessions",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// sessionSummary 解析会话摘要：先查注册表（覆盖活跃会话和宽限期内
// 尚未归档落库的会话），再落回历史库。
func (h *HistoryHandler) sessionSummary(sessionID string) (models.ChatSession, bool) {
	if session, ok := h.registry.Session(sessionID); ok {
		return session, true
	}
	if h.db == nil {
		return models.ChatSession{}, false
	}
	var session models.ChatSession
	if err := h.db.First(&session, "id = ?", sessionID).Error; err != nil {
		return models.ChatSession{}, false
	}
	return session, true
}

// GetMessages 按序号升序返回会话消息日志，参与者或管理员可见
func (h *HistoryHandler) GetMessages(c echo.Context) error {
	sessionID := c.Param("sessionId")
	user := c.Get("user").(*models.User)

	session, ok := h.sessionSummary(sessionID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "session not found",
		})
	}
	if !user.IsOperator() && session.RequesterID != user.ID {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "access denied",
		})
	}

	limit := 50
	offset := 0
	echo.QueryParamsBinder(c).Int("limit", &limit).Int("offset", &offset)

	var messages []models.Message
	err := h.db.Where("session_id = ?", sessionID).
		Order("sequence ASC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch messages",
		})
	}

	return c.JSON(http.StatusOK, messages)
}

// GetQueue 管理员通过 HTTP 拉取权威待处理队列
func (h *HistoryHandler) GetQueue(c echo.Context) error {
	requests := h.registry.ListPending()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    len(requests),
	})
}

// GetOnlineOperators 从 Redis 获取在线客服列表
func (h *HistoryHandler) GetOnlineOperators(c echo.Context) error {
	if h.redis == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"count":     0,
			"operators": []redisc.OperatorInfo{},
		})
	}

	operators, err := h.redis.GetOnlineOperators(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch online operators",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":     len(operators),
		"operators": operators,
	})
}
