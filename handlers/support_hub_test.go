package handlers

import (
	"context"
	"testing"
	"time"

	"LiteSupport/models"
	"LiteSupport/protocol"
	"LiteSupport/registry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *SupportHub {
	return NewSupportHub(registry.New(time.Minute), nil, nil, nil, "", nil)
}

func newTestClient(role string, userID uint, name string) *SupportClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &SupportClient{
		ID:       uuid.New().String(),
		UserID:   userID,
		Username: name,
		Role:     role,
		Send:     make(chan protocol.ServerEvent, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (h *SupportHub) inject(c *SupportClient, ev protocol.ClientEvent) {
	h.Inbound <- inboundEvent{client: c, event: ev}
}

// waitFor 读取 Send 通道直到出现指定类型的事件，其他类型跳过
func waitFor[T protocol.ServerEvent](t *testing.T, c *SupportClient) T {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-c.Send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %T", *new(T))
			}
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

// waitForQueueLen 等待长度恰好为 n 的队列快照
func waitForQueueLen(t *testing.T, c *SupportClient, n int) protocol.RequestQueue {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-c.Send:
			if !ok {
				t.Fatal("send channel closed while waiting for queue snapshot")
			}
			if q, isQueue := ev.(protocol.RequestQueue); isQueue && len(q.Requests) == n {
				return q
			}
		case <-deadline:
			t.Fatalf("timed out waiting for queue snapshot of length %d", n)
		}
	}
}

// assertNoMore 断言短窗口内不再出现指定类型的事件
func assertNoMoreEnded(t *testing.T, c *SupportClient) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case ev, ok := <-c.Send:
			if !ok {
				return
			}
			if _, isEnded := ev.(protocol.SessionEnded); isEnded {
				t.Fatal("received a second session.ended event")
			}
		case <-timeout:
			return
		}
	}
}

// 完整流程：提交 -> 抢单 -> 双向消息 -> 客服断线 -> 过期请求不可再接
func TestSupportFlow(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	requester := newTestClient(models.SenderRequester, 1, "alice")
	operator := newTestClient(models.SenderOperator, 2, "bob")
	hub.Register <- requester
	hub.Register <- operator

	// 客服上线先收到空队列快照
	waitForQueueLen(t, operator, 0)

	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "Billing"})
	enqueued := waitFor[protocol.RequestEnqueued](t, requester)
	require.NotEmpty(t, enqueued.RequestID)

	queue := waitForQueueLen(t, operator, 1)
	assert.Equal(t, enqueued.RequestID, queue.Requests[0].ID)
	assert.Equal(t, "Billing", queue.Requests[0].IssueCategory)

	hub.inject(operator, protocol.RequestAccept{RequestID: enqueued.RequestID})
	startedReq := waitFor[protocol.SessionStarted](t, requester)
	startedOp := waitFor[protocol.SessionStarted](t, operator)
	assert.Equal(t, startedReq.SessionID, startedOp.SessionID)
	assert.Equal(t, "bob", startedReq.CounterpartName)
	assert.Equal(t, models.SenderOperator, startedReq.CounterpartRole)
	assert.Equal(t, "alice", startedOp.CounterpartName)

	sessionID := startedReq.SessionID

	hub.inject(requester, protocol.MessageSend{SessionID: sessionID, Content: "Hi"})
	got := waitFor[protocol.MessageDelivered](t, operator)
	assert.Equal(t, uint64(1), got.Sequence)
	assert.Equal(t, models.SenderRequester, got.Sender)
	assert.Equal(t, "Hi", got.Content)
	// 发送方收到回显
	echo := waitFor[protocol.MessageDelivered](t, requester)
	assert.Equal(t, uint64(1), echo.Sequence)

	hub.inject(operator, protocol.MessageSend{SessionID: sessionID, Content: "Hello"})
	reply := waitFor[protocol.MessageDelivered](t, requester)
	assert.Equal(t, uint64(2), reply.Sequence)
	assert.Equal(t, models.SenderOperator, reply.Sender)
	assert.Equal(t, "Hello", reply.Content)

	// 客服断线：客户收到且只收到一次 session.ended
	hub.Unregister <- operator
	ended := waitFor[protocol.SessionEnded](t, requester)
	assert.Equal(t, sessionID, ended.SessionID)
	assert.Equal(t, models.CloseReasonOperatorLeft, ended.Reason)
	assertNoMoreEnded(t, requester)

	// 已经被接走的请求对任何客服都不可用
	late := newTestClient(models.SenderOperator, 3, "carol")
	hub.Register <- late
	hub.inject(late, protocol.RequestAccept{RequestID: enqueued.RequestID})
	unavailable := waitFor[protocol.RequestUnavailable](t, late)
	assert.Equal(t, enqueued.RequestID, unavailable.RequestID)
}

func TestAcceptRace(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	requester := newTestClient(models.SenderRequester, 1, "alice")
	op1 := newTestClient(models.SenderOperator, 2, "bob")
	op2 := newTestClient(models.SenderOperator, 3, "carol")
	hub.Register <- requester
	hub.Register <- op1
	hub.Register <- op2

	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "Technical Support"})
	enqueued := waitFor[protocol.RequestEnqueued](t, requester)

	// 两个客服抢同一请求，hub 串行处理，先到者得
	hub.inject(op1, protocol.RequestAccept{RequestID: enqueued.RequestID})
	hub.inject(op2, protocol.RequestAccept{RequestID: enqueued.RequestID})

	started := waitFor[protocol.SessionStarted](t, op1)
	assert.Equal(t, enqueued.RequestID, started.RequestID)
	unavailable := waitFor[protocol.RequestUnavailable](t, op2)
	assert.Equal(t, enqueued.RequestID, unavailable.RequestID)
}

func TestRequesterDisconnectWhilePending(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	requester := newTestClient(models.SenderRequester, 1, "alice")
	hub.Register <- requester
	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "General Inquiry"})
	enqueued := waitFor[protocol.RequestEnqueued](t, requester)

	operator := newTestClient(models.SenderOperator, 2, "bob")
	hub.Register <- operator
	waitForQueueLen(t, operator, 1)

	// 排队中的客户断线：请求被静默取消
	hub.Unregister <- requester
	waitForQueueLen(t, operator, 0)

	hub.inject(operator, protocol.RequestAccept{RequestID: enqueued.RequestID})
	unavailable := waitFor[protocol.RequestUnavailable](t, operator)
	assert.Equal(t, enqueued.RequestID, unavailable.RequestID)
}

func TestExplicitClose(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	requester := newTestClient(models.SenderRequester, 1, "alice")
	operator := newTestClient(models.SenderOperator, 2, "bob")
	hub.Register <- requester
	hub.Register <- operator

	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "Billing"})
	enqueued := waitFor[protocol.RequestEnqueued](t, requester)
	hub.inject(operator, protocol.RequestAccept{RequestID: enqueued.RequestID})
	started := waitFor[protocol.SessionStarted](t, requester)
	waitFor[protocol.SessionStarted](t, operator)

	hub.inject(requester, protocol.SessionClose{SessionID: started.SessionID})
	endedReq := waitFor[protocol.SessionEnded](t, requester)
	endedOp := waitFor[protocol.SessionEnded](t, operator)
	assert.Equal(t, models.CloseReasonExplicit, endedReq.Reason)
	assert.Equal(t, models.CloseReasonExplicit, endedOp.Reason)

	// 会话结束后的发送被拒绝
	hub.inject(requester, protocol.MessageSend{SessionID: started.SessionID, Content: "still there?"})
	errEv := waitFor[protocol.ErrorEvent](t, requester)
	assert.Equal(t, "session_not_active", errEv.Code)
}

func TestRoleChecks(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	requester := newTestClient(models.SenderRequester, 1, "alice")
	operator := newTestClient(models.SenderOperator, 2, "bob")
	hub.Register <- requester
	hub.Register <- operator

	hub.inject(operator, protocol.IssueSubmit{IssueCategory: "Billing"})
	errEv := waitFor[protocol.ErrorEvent](t, operator)
	assert.Equal(t, "forbidden", errEv.Code)

	hub.inject(requester, protocol.RequestList{})
	errEv = waitFor[protocol.ErrorEvent](t, requester)
	assert.Equal(t, "forbidden", errEv.Code)
}

func TestDuplicateSubmit(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	requester := newTestClient(models.SenderRequester, 1, "alice")
	hub.Register <- requester

	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "Billing"})
	waitFor[protocol.RequestEnqueued](t, requester)

	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "Billing"})
	errEv := waitFor[protocol.ErrorEvent](t, requester)
	assert.Equal(t, "already_pending_or_active", errEv.Code)

	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "Complaints"})
	errEv = waitFor[protocol.ErrorEvent](t, requester)
	assert.Equal(t, "unknown_category", errEv.Code)
}

// 双方都停止读取、发送缓冲占满时，broker 不崩溃，连接被当作断线拆除
func TestSendBufferFullDisconnects(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	requester := newTestClient(models.SenderRequester, 1, "alice")
	operator := newTestClient(models.SenderOperator, 2, "bob")
	hub.Register <- requester
	hub.Register <- operator
	waitForQueueLen(t, operator, 0)

	hub.inject(requester, protocol.IssueSubmit{IssueCategory: "Billing"})
	enqueued := waitFor[protocol.RequestEnqueued](t, requester)
	hub.inject(operator, protocol.RequestAccept{RequestID: enqueued.RequestID})
	started := waitFor[protocol.SessionStarted](t, requester)
	waitFor[protocol.SessionStarted](t, operator)

	// 双方都不再读取，填满各自的发送缓冲
	for len(requester.Send) < cap(requester.Send) {
		requester.Send <- protocol.RequestEnqueued{}
	}
	for len(operator.Send) < cap(operator.Send) {
		operator.Send <- protocol.RequestEnqueued{}
	}

	// 转发和回显都会撞上满缓冲
	hub.inject(requester, protocol.MessageSend{SessionID: started.SessionID, Content: "Hi"})

	// 事件循环仍然活着：新客服能注册并拿到队列快照
	late := newTestClient(models.SenderOperator, 3, "carol")
	hub.Register <- late
	waitForQueueLen(t, late, 0)

	// 缓冲占满的连接最终被注销，发送通道被关闭
	drainedClosed := func(c *SupportClient) func() bool {
		return func() bool {
			for {
				select {
				case _, ok := <-c.Send:
					if !ok {
						return true
					}
				default:
					return false
				}
			}
		}
	}
	require.Eventually(t, drainedClosed(requester), time.Second, 10*time.Millisecond)
	require.Eventually(t, drainedClosed(operator), time.Second, 10*time.Millisecond)
}
