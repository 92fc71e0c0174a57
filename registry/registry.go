package registry

import (
	"errors"
	"sync"
	"time"

	"LiteSupport/models"

	"github.com/google/uuid"
)

var (
	ErrAlreadyPendingOrActive = errors.New("requester already has a pending request or active session")
	ErrRequestNotFound        = errors.New("request not found")
	ErrOperatorBusy           = errors.New("operator already has an active session")
	ErrSessionNotActive       = errors.New("session not active")
	ErrUnknownCategory        = errors.New("unknown issue category")
)

type sessionState struct {
	session models.ChatSession
	nextSeq uint64
}

// Registry 待处理队列和活跃会话表的唯一事实来源。
// 所有修改操作都在同一把锁下完成，accept 的先到先得和
// 每客户单会话约束由此保证。
type Registry struct {
	mu    sync.Mutex
	grace time.Duration

	pending            []*models.SupportRequest // FIFO（入队顺序）
	pendingByRequester map[uint]*models.SupportRequest
	sessions           map[string]*sessionState
	activeByRequester  map[uint]string
	activeByOperator   map[uint]string
}

// New grace 为会话关闭后在表中保留（只读）的时长，到期后驱逐
func New(grace time.Duration) *Registry {
	return &Registry{
		grace:              grace,
		pendingByRequester: make(map[uint]*models.SupportRequest),
		sessions:           make(map[string]*sessionState),
		activeByRequester:  make(map[uint]string),
		activeByOperator:   make(map[uint]string),
	}
}

// Enqueue 客户提交问题入队。同一客户已有排队请求或活跃会话时拒绝。
func (r *Registry) Enqueue(requesterID uint, requesterName, issueCategory string) (models.SupportRequest, error) {
	if !models.ValidIssueCategory(issueCategory) {
		return models.SupportRequest{}, ErrUnknownCategory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pendingByRequester[requesterID]; ok {
		return models.SupportRequest{}, ErrAlreadyPendingOrActive
	}
	if _, ok := r.activeByRequester[requesterID]; ok {
		return models.SupportRequest{}, ErrAlreadyPendingOrActive
	}

	req := &models.SupportRequest{
		ID:            uuid.New().String(),
		RequesterID:   requesterID,
		RequesterName: requesterName,
		IssueCategory: issueCategory,
		State:         models.RequestPending,
		CreatedAt:     time.Now(),
	}
	r.pending = append(r.pending, req)
	r.pendingByRequester[requesterID] = req
	return *req, nil
}

// ListPending 返回入队顺序的快照，可与写操作并发调用
func (r *Registry) ListPending() []*models.SupportRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.SupportRequest, 0, len(r.pending))
	for _, req := range r.pending {
		cp := *req
		out = append(out, &cp)
	}
	return out
}

// Accept 原子地把请求移出队列并创建会话。检查和移除在同一临界区内，
// 同一 requestID 上并发的 accept 只有第一个成功，其余得到 ErrRequestNotFound。
func (r *Registry) Accept(requestID string, operatorID uint) (models.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.activeByOperator[operatorID]; ok {
		return models.ChatSession{}, ErrOperatorBusy
	}

	idx := -1
	for i, req := range r.pending {
		if req.ID == requestID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return models.ChatSession{}, ErrRequestNotFound
	}

	req := r.pending[idx]
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	delete(r.pendingByRequester, req.RequesterID)
	req.State = models.RequestAssigned

	state := &sessionState{
		session: models.ChatSession{
			ID:            uuid.New().String(),
			RequestID:     req.ID,
			RequesterID:   req.RequesterID,
			OperatorID:    operatorID,
			IssueCategory: req.IssueCategory,
			State:         models.SessionActive,
			CloseReason:   models.CloseReasonNone,
			StartedAt:     time.Now(),
		},
	}
	r.sessions[state.session.ID] = state
	r.activeByRequester[req.RequesterID] = state.session.ID
	r.activeByOperator[operatorID] = state.session.ID
	return state.session, nil
}

// CancelPending 客户在排队中断开时移除请求。请求不存在时返回 false。
func (r *Registry) CancelPending(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, req := range r.pending {
		if req.ID == requestID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			delete(r.pendingByRequester, req.RequesterID)
			req.State = models.RequestCancelled
			return true
		}
	}
	return false
}

// CloseSession 幂等关闭。第二次关闭已关闭的会话是 no-op，返回 false。
// 关闭后的会话保留 grace 时长供只读查询，然后从表中驱逐。
func (r *Registry) CloseSession(sessionID, reason string) (models.ChatSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok || state.session.State != models.SessionActive {
		if ok {
			return state.session, false
		}
		return models.ChatSession{}, false
	}

	now := time.Now()
	state.session.State = models.SessionClosed
	state.session.CloseReason = reason
	state.session.EndedAt = &now
	delete(r.activeByRequester, state.session.RequesterID)
	delete(r.activeByOperator, state.session.OperatorID)

	time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s, ok := r.sessions[sessionID]; ok && s.session.State == models.SessionClosed {
			delete(r.sessions, sessionID)
		}
	})
	return state.session, true
}

// AppendMessage 为会话分配下一个序号并生成消息。序号由此处集中分配，
// 双方并发发送也不会碰撞或出现空洞。
func (r *Registry) AppendMessage(sessionID, sender, content string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok || state.session.State != models.SessionActive {
		return models.Message{}, ErrSessionNotActive
	}

	state.nextSeq++
	return models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Sequence:  state.nextSeq,
		SentAt:    time.Now(),
	}, nil
}

// Session 按 ID 查会话快照（含宽限期内已关闭的）
func (r *Registry) Session(sessionID string) (models.ChatSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return models.ChatSession{}, false
	}
	return state.session, true
}
