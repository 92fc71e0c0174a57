package handlers

import (
	"context"
	"log"
	"time"

	"LiteSupport/kafka"
	"LiteSupport/models"
	"LiteSupport/protocol"
	"LiteSupport/registry"
	redisc "LiteSupport/redis"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

// SupportClient 代表一条 WebSocket 连接的客户端，包含连接、身份和发送队列
type SupportClient struct {
	ID       string                    // 连接唯一标识（UUID）
	UserID   uint                      // 用户数据库ID
	Username string                    // 用户名
	Role     string                    // requester / operator
	Conn     *websocket.Conn           // WebSocket连接
	Send     chan protocol.ServerEvent // 发送消息队列（缓冲256条）
	closed   bool                      // 已标记拆除，只在 run 循环里读写
	ctx      context.Context
	cancel   context.CancelFunc
}

// binding 连接与其当前占用的请求/会话的绑定关系，只在 hub 的 run 循环里读写
type binding struct {
	client           *SupportClient
	pendingRequestID string // 该连接提交且仍在排队的请求
	sessionID        string // 该连接参与的活跃会话
}

type inboundEvent struct {
	client *SupportClient
	event  protocol.ClientEvent
}

// SupportHub 支持会话的 broker：持有连接绑定表，串行处理
// 注册/注销/入站事件，转发消息并把断线转换为会话状态迁移。
// 绑定表只被 run 循环这个单写者访问；注册表的不变量由 registry 自己的锁保证。
type SupportHub struct {
	registry *registry.Registry
	db       *gorm.DB             // 为 nil 时跳过消息落库
	redis    *redisc.RedisClient  // 为 nil 时跳过在线状态
	producer *kafka.Producer      // 为 nil 时摘要走内联写入
	topic    string               // 生命周期事件的 Kafka topic
	archive  kafka.SessionArchive // 未启用 Kafka 时的摘要写入口径

	bindings map[string]*binding

	Register   chan *SupportClient // 客户端注册通道（缓冲16个）
	Unregister chan *SupportClient // 客户端注销通道（缓冲16个）
	Inbound    chan inboundEvent   // 入站事件通道（缓冲256条）

	dbQueue chan *models.Message // 数据库写入队列（缓冲1000条）

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupportHub(reg *registry.Registry, db *gorm.DB, redisClient *redisc.RedisClient,
	producer *kafka.Producer, topic string, archive kafka.SessionArchive) *SupportHub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &SupportHub{
		registry:   reg,
		db:         db,
		redis:      redisClient,
		producer:   producer,
		topic:      topic,
		archive:    archive,
		bindings:   make(map[string]*binding),
		Register:   make(chan *SupportClient, 16),
		Unregister: make(chan *SupportClient, 16),
		Inbound:    make(chan inboundEvent, 256),
		dbQueue:    make(chan *models.Message, 1000),
		ctx:        ctx,
		cancel:     cancel,
	}

	if db != nil {
		for i := 0; i < 4; i++ {
			go h.dbWorker()
		}
	}
	go h.run()

	return h
}

func (h *SupportHub) Stop() {
	h.cancel()
}

func (h *SupportHub) dbWorker() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case message := <-h.dbQueue:
			if err := h.db.Create(message).Error; err != nil {
				log.Printf("Failed to save message: %v", err)
			}
		}
	}
}

// hub 的核心事件循环，所有绑定表的读写都发生在这里
func (h *SupportHub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.Register:
			h.handleRegister(client)

		case client := <-h.Unregister:
			h.handleDisconnect(client)

		case in := <-h.Inbound:
			h.dispatch(in.client, in.event)
		}
	}
}

func (h *SupportHub) handleRegister(client *SupportClient) {
	h.bindings[client.ID] = &binding{client: client}

	if client.Role == models.SenderOperator {
		h.addOperatorPresence(client)
		// 新上线的客服立刻拿到权威队列快照
		h.trySend(client, protocol.RequestQueue{Requests: h.registry.ListPending()})
	}
}

// handleDisconnect 生命周期监督：把连接断开转换为排队取消或会话关闭
func (h *SupportHub) handleDisconnect(client *SupportClient) {
	b, ok := h.bindings[client.ID]
	if !ok {
		return
	}
	delete(h.bindings, client.ID)

	if b.pendingRequestID != "" {
		// 排队中断开：静默取消，刷新客服端队列
		if h.registry.CancelPending(b.pendingRequestID) {
			h.broadcastQueue()
		}
	}

	if b.sessionID != "" {
		reason := models.CloseReasonRequesterLeft
		if client.Role == models.SenderOperator {
			reason = models.CloseReasonOperatorLeft
		}
		h.endSession(b.sessionID, reason, client.ID)
	}

	if client.Role == models.SenderOperator {
		h.removeOperatorPresence(client)
	}

	client.closed = true
	client.cancel()
	close(client.Send)
}

func (h *SupportHub) dispatch(client *SupportClient, event protocol.ClientEvent) {
	// Inbound 和 Unregister 是两条通道，晚到的事件可能在连接拆除后出现
	if _, ok := h.bindings[client.ID]; !ok {
		return
	}

	switch ev := event.(type) {
	case protocol.IssueSubmit:
		h.handleIssueSubmit(client, ev)
	case protocol.RequestList:
		h.handleRequestList(client)
	case protocol.RequestAccept:
		h.handleRequestAccept(client, ev)
	case protocol.MessageSend:
		h.handleMessageSend(client, ev)
	case protocol.SessionClose:
		h.handleSessionClose(client, ev)
	}
}

func (h *SupportHub) handleIssueSubmit(client *SupportClient, ev protocol.IssueSubmit) {
	if client.Role != models.SenderRequester {
		h.sendError(client, "forbidden", "only requesters can submit issues")
		return
	}

	req, err := h.registry.Enqueue(client.UserID, client.Username, ev.IssueCategory)
	if err != nil {
		h.sendRegistryError(client, err)
		return
	}

	h.bindings[client.ID].pendingRequestID = req.ID
	h.trySend(client, protocol.RequestEnqueued{RequestID: req.ID})
	h.broadcastQueue()
}

func (h *SupportHub) handleRequestList(client *SupportClient) {
	if client.Role != models.SenderOperator {
		h.sendError(client, "forbidden", "only operators can list the queue")
		return
	}
	h.trySend(client, protocol.RequestQueue{Requests: h.registry.ListPending()})
}

func (h *SupportHub) handleRequestAccept(client *SupportClient, ev protocol.RequestAccept) {
	if client.Role != models.SenderOperator {
		h.sendError(client, "forbidden", "only operators can accept requests")
		return
	}

	session, err := h.registry.Accept(ev.RequestID, client.UserID)
	if err == registry.ErrRequestNotFound {
		// 已被别的客服抢走或已取消，让客户端按权威队列重新渲染
		h.trySend(client, protocol.RequestUnavailable{
			RequestID: ev.RequestID,
			Message:   "request already taken or cancelled",
		})
		return
	}
	if err != nil {
		h.sendRegistryError(client, err)
		return
	}

	h.bindings[client.ID].sessionID = session.ID

	// 把提交该请求的那条连接绑定到新会话
	requester := h.findByPendingRequest(session.RequestID)
	if requester != nil {
		requester.pendingRequestID = ""
		requester.sessionID = session.ID
		h.trySend(requester.client, protocol.SessionStarted{
			SessionID:       session.ID,
			RequestID:       session.RequestID,
			IssueCategory:   session.IssueCategory,
			CounterpartName: client.Username,
			CounterpartRole: models.SenderOperator,
			StartedAt:       session.StartedAt,
		})
	}

	requesterName := ""
	if requester != nil {
		requesterName = requester.client.Username
	}
	h.trySend(client, protocol.SessionStarted{
		SessionID:       session.ID,
		RequestID:       session.RequestID,
		IssueCategory:   session.IssueCategory,
		CounterpartName: requesterName,
		CounterpartRole: models.SenderRequester,
		StartedAt:       session.StartedAt,
	})

	h.broadcastQueue()
	h.publishSessionEvent(kafka.SessionEvent{
		Type:          kafka.SessionStarted,
		SessionID:     session.ID,
		RequestID:     session.RequestID,
		RequesterID:   session.RequesterID,
		OperatorID:    session.OperatorID,
		IssueCategory: session.IssueCategory,
		Timestamp:     session.StartedAt,
	})
}

// handleMessageSend 中继：集中分配序号，异步落库，转发给对端并回显给发送方
func (h *SupportHub) handleMessageSend(client *SupportClient, ev protocol.MessageSend) {
	if ev.Content == "" {
		return
	}

	b := h.bindings[client.ID]
	if b.sessionID == "" || b.sessionID != ev.SessionID {
		h.sendError(client, "session_not_active", "no active session for this connection")
		return
	}

	message, err := h.registry.AppendMessage(ev.SessionID, client.Role, ev.Content)
	if err != nil {
		h.sendRegistryError(client, err)
		return
	}

	// 异步保存到数据库
	if h.db != nil {
		msg := message
		select {
		case h.dbQueue <- &msg:
		default:
			log.Println("Database queue full, dropping message")
		}
	}

	delivered := protocol.MessageDelivered{
		SessionID: message.SessionID,
		Sequence:  message.Sequence,
		Sender:    message.Sender,
		Content:   message.Content,
		SentAt:    message.SentAt,
	}

	// 对端当前不在线则跳过投递，消息已落库，恢复后走历史接口补读
	if peer := h.findPeer(ev.SessionID, client.ID); peer != nil {
		h.trySend(peer.client, delivered)
	} else {
		log.Printf("No bound counterpart for session %s, delivery skipped", ev.SessionID)
	}
	h.trySend(client, delivered)
}

func (h *SupportHub) handleSessionClose(client *SupportClient, ev protocol.SessionClose) {
	b := h.bindings[client.ID]
	if b.sessionID == "" || b.sessionID != ev.SessionID {
		h.sendError(client, "session_not_active", "no active session for this connection")
		return
	}
	h.endSession(ev.SessionID, models.CloseReasonExplicit, "")
}

// endSession 关闭会话并通知仍在线的参与方。excludeConnID 用于断线场景：
// 断开的那条连接不再接收任何事件。
func (h *SupportHub) endSession(sessionID, reason, excludeConnID string) {
	session, transitioned := h.registry.CloseSession(sessionID, reason)
	if !transitioned {
		// 重复关闭是 no-op
		return
	}

	ended := protocol.SessionEnded{SessionID: sessionID, Reason: reason}
	for _, b := range h.bindings {
		if b.sessionID != sessionID {
			continue
		}
		b.sessionID = ""
		if b.client.ID == excludeConnID {
			continue
		}
		h.trySend(b.client, ended)
	}

	endedAt := session.StartedAt
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}
	h.publishSessionEvent(kafka.SessionEvent{
		Type:          kafka.SessionEnded,
		SessionID:     session.ID,
		RequestID:     session.RequestID,
		RequesterID:   session.RequesterID,
		OperatorID:    session.OperatorID,
		IssueCategory: session.IssueCategory,
		Reason:        reason,
		Timestamp:     endedAt,
	})
}

func (h *SupportHub) findByPendingRequest(requestID string) *binding {
	for _, b := range h.bindings {
		if b.pendingRequestID == requestID {
			return b
		}
	}
	return nil
}

func (h *SupportHub) findPeer(sessionID, selfConnID string) *binding {
	for _, b := range h.bindings {
		if b.sessionID == sessionID && b.client.ID != selfConnID {
			return b
		}
	}
	return nil
}

// broadcastQueue 队列一有变化就把权威快照推给所有客服连接
func (h *SupportHub) broadcastQueue() {
	snapshot := protocol.RequestQueue{Requests: h.registry.ListPending()}
	for _, b := range h.bindings {
		if b.client.Role == models.SenderOperator {
			h.trySend(b.client, snapshot)
		}
	}
}

// trySend 不阻塞投递；发送缓冲满视同断线。此处可能正处于某个事件
// 处理的中途（比如绑定表遍历），不能当场拆除连接，只做标记并把
// 注销交回 run 循环，统一走 handleDisconnect。
func (h *SupportHub) trySend(client *SupportClient, ev protocol.ServerEvent) {
	if client.closed {
		return
	}
	select {
	case client.Send <- ev:
	default:
		log.Printf("Client %s send buffer full, disconnecting", client.ID)
		client.closed = true
		client.cancel()
		go func() { h.Unregister <- client }()
	}
}

func (h *SupportHub) sendRegistryError(client *SupportClient, err error) {
	code := "internal"
	switch err {
	case registry.ErrAlreadyPendingOrActive:
		code = "already_pending_or_active"
	case registry.ErrRequestNotFound:
		code = "request_not_found"
	case registry.ErrOperatorBusy:
		code = "operator_busy"
	case registry.ErrSessionNotActive:
		code = "session_not_active"
	case registry.ErrUnknownCategory:
		code = "unknown_category"
	}
	h.sendError(client, code, err.Error())
}

func (h *SupportHub) sendError(client *SupportClient, code, message string) {
	h.trySend(client, protocol.ErrorEvent{Code: code, Message: message})
}

// publishSessionEvent 生命周期事件发 Kafka，由归档消费者落库；
// 未配置 Kafka 时直接内联写历史库。两条路径都不阻塞事件循环。
func (h *SupportHub) publishSessionEvent(event kafka.SessionEvent) {
	if h.producer != nil {
		go func() {
			if err := h.producer.SendMessage(h.topic, event.SessionID, event); err != nil {
				log.Printf("Failed to publish session event: %v", err)
			}
		}()
		return
	}
	if h.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		switch event.Type {
		case kafka.SessionStarted:
			err = h.archive.RecordStarted(ctx, models.ChatSession{
				ID:            event.SessionID,
				RequestID:     event.RequestID,
				RequesterID:   event.RequesterID,
				OperatorID:    event.OperatorID,
				IssueCategory: event.IssueCategory,
				State:         models.SessionActive,
				CloseReason:   models.CloseReasonNone,
				StartedAt:     event.Timestamp,
			})
		case kafka.SessionEnded:
			err = h.archive.RecordEnded(ctx, event.SessionID, event.Reason, event.Timestamp)
		}
		if err != nil {
			log.Printf("Failed to archive session event: %v", err)
		}
	}()
}

func (h *SupportHub) addOperatorPresence(client *SupportClient) {
	if h.redis == nil {
		return
	}
	info := redisc.OperatorInfo{UserID: client.UserID, Username: client.Username}
	if err := h.redis.AddOnlineOperator(context.Background(), info); err != nil {
		log.Printf("Failed to add operator presence: %v", err)
	}
}

func (h *SupportHub) removeOperatorPresence(client *SupportClient) {
	if h.redis == nil {
		return
	}

	// 同一客服还有其他连接时保留在线标记
	for _, b := range h.bindings {
		if b.client.UserID == client.UserID && b.client.Role == models.SenderOperator {
			return
		}
	}
	if err := h.redis.RemoveOnlineOperator(context.Background(), client.UserID); err != nil {
		log.Printf("Failed to remove operator presence: %v", err)
	}
}
