package registry

import (
	"sort"
	"sync"
	"testing"
	"time"

	"LiteSupport/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(50 * time.Millisecond)
}

func TestEnqueue(t *testing.T) {
	r := newTestRegistry()

	t.Run("happy path", func(t *testing.T) {
		req, err := r.Enqueue(1, "alice", "Billing")
		require.NoError(t, err)
		assert.NotEmpty(t, req.ID)
		assert.Equal(t, models.RequestPending, req.State)
		assert.Equal(t, uint(1), req.RequesterID)
	})

	t.Run("duplicate while pending", func(t *testing.T) {
		_, err := r.Enqueue(1, "alice", "Billing")
		assert.ErrorIs(t, err, ErrAlreadyPendingOrActive)
	})

	t.Run("unknown category", func(t *testing.T) {
		_, err := r.Enqueue(2, "bob", "Complaints")
		assert.ErrorIs(t, err, ErrUnknownCategory)
	})
}

func TestEnqueueWhileSessionActive(t *testing.T) {
	r := newTestRegistry()

	req, err := r.Enqueue(1, "alice", "Billing")
	require.NoError(t, err)
	session, err := r.Accept(req.ID, 10)
	require.NoError(t, err)

	// 会话活跃期间不允许再次入队
	_, err = r.Enqueue(1, "alice", "Billing")
	assert.ErrorIs(t, err, ErrAlreadyPendingOrActive)

	// 关闭后可以重新入队
	_, transitioned := r.CloseSession(session.ID, models.CloseReasonExplicit)
	require.True(t, transitioned)
	_, err = r.Enqueue(1, "alice", "Billing")
	assert.NoError(t, err)
}

func TestListPendingOrder(t *testing.T) {
	r := newTestRegistry()

	first, err := r.Enqueue(1, "alice", "Billing")
	require.NoError(t, err)
	second, err := r.Enqueue(2, "bob", "Technical Support")
	require.NoError(t, err)
	third, err := r.Enqueue(3, "carol", "General Inquiry")
	require.NoError(t, err)

	pending := r.ListPending()
	require.Len(t, pending, 3)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, third.ID, pending[2].ID)

	// 取消中间的一个，顺序保持
	require.True(t, r.CancelPending(second.ID))
	pending = r.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, third.ID, pending[1].ID)

	// 重复取消是 no-op
	assert.False(t, r.CancelPending(second.ID))
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	r := newTestRegistry()

	req, err := r.Enqueue(1, "alice", "Billing")
	require.NoError(t, err)

	const operators = 32
	var wg sync.WaitGroup
	results := make(chan error, operators)
	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func(operatorID uint) {
			defer wg.Done()
			_, err := r.Accept(req.ID, operatorID)
			results <- err
		}(uint(100 + i))
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrRequestNotFound)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, operators-1, losses)
}

func TestAcceptOperatorBusy(t *testing.T) {
	r := newTestRegistry()

	first, err := r.Enqueue(1, "alice", "Billing")
	require.NoError(t, err)
	second, err := r.Enqueue(2, "bob", "Billing")
	require.NoError(t, err)

	session, err := r.Accept(first.ID, 10)
	require.NoError(t, err)

	_, err = r.Accept(second.ID, 10)
	assert.ErrorIs(t, err, ErrOperatorBusy)
	// 被拒绝的请求留在队列里
	require.Len(t, r.ListPending(), 1)

	_, transitioned := r.CloseSession(session.ID, models.CloseReasonExplicit)
	require.True(t, transitioned)
	_, err = r.Accept(second.ID, 10)
	assert.NoError(t, err)
}

func TestSequenceStrictlyIncreasingGapFree(t *testing.T) {
	r := newTestRegistry()

	req, err := r.Enqueue(1, "alice", "Billing")
	require.NoError(t, err)
	session, err := r.Accept(req.ID, 10)
	require.NoError(t, err)

	// 双方并发发送，序号仍然从 1 开始、严格递增且无空洞
	const perSide = 50
	var wg sync.WaitGroup
	seqs := make(chan uint64, perSide*2)
	send := func(sender string) {
		defer wg.Done()
		for i := 0; i < perSide; i++ {
			msg, err := r.AppendMessage(session.ID, sender, "hi")
			assert.NoError(t, err)
			seqs <- msg.Sequence
		}
	}
	wg.Add(2)
	go send(models.SenderRequester)
	go send(models.SenderOperator)
	wg.Wait()
	close(seqs)

	all := make([]uint64, 0, perSide*2)
	for s := range seqs {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	require.Len(t, all, perSide*2)
	for i, s := range all {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	r := newTestRegistry()

	req, err := r.Enqueue(1, "alice", "Billing")
	require.NoError(t, err)
	session, err := r.Accept(req.ID, 10)
	require.NoError(t, err)

	closed, transitioned := r.CloseSession(session.ID, models.CloseReasonOperatorLeft)
	require.True(t, transitioned)
	assert.Equal(t, models.SessionClosed, closed.State)
	assert.Equal(t, models.CloseReasonOperatorLeft, closed.CloseReason)
	require.NotNil(t, closed.EndedAt)

	// 第二次关闭是 no-op，原因不被覆盖
	again, transitioned := r.CloseSession(session.ID, models.CloseReasonExplicit)
	assert.False(t, transitioned)
	assert.Equal(t, models.CloseReasonOperatorLeft, again.CloseReason)

	// 关闭后的会话拒绝新消息
	_, err = r.AppendMessage(session.ID, models.SenderRequester, "hello?")
	assert.ErrorIs(t, err, ErrSessionNotActive)

	// 未知会话同样拒绝
	_, err = r.AppendMessage("nope", models.SenderRequester, "hi")
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestClosedSessionEvictedAfterGrace(t *testing.T) {
	r := newTestRegistry()

	req, err := r.Enqueue(1, "alice", "Billing")
	require.NoError(t, err)
	session, err := r.Accept(req.ID, 10)
	require.NoError(t, err)
	r.CloseSession(session.ID, models.CloseReasonExplicit)

	// 宽限期内仍可只读查询
	got, ok := r.Session(session.ID)
	require.True(t, ok)
	assert.Equal(t, models.SessionClosed, got.State)

	require.Eventually(t, func() bool {
		_, ok := r.Session(session.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
