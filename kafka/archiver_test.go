package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"LiteSupport/models"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	started []models.ChatSession
	ended   []string
}

func (f *fakeArchive) RecordStarted(ctx context.Context, session models.ChatSession) error {
	f.started = append(f.started, session)
	return nil
}

func (f *fakeArchive) RecordEnded(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	f.ended = append(f.ended, sessionID+"/"+reason)
	return nil
}

func consumerMessage(t *testing.T, event SessionEvent) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Value: value}
}

func TestSessionEventHandler(t *testing.T) {
	t.Run("session_started creates summary", func(t *testing.T) {
		archive := &fakeArchive{}
		h := NewSessionEventHandler(archive)

		err := h.Handle(context.Background(), consumerMessage(t, SessionEvent{
			Type:          SessionStarted,
			SessionID:     "s1",
			RequestID:     "r1",
			RequesterID:   1,
			OperatorID:    2,
			IssueCategory: "Billing",
			Timestamp:     time.Now(),
		}))
		require.NoError(t, err)
		require.Len(t, archive.started, 1)
		assert.Equal(t, "s1", archive.started[0].ID)
		assert.Equal(t, models.SessionActive, archive.started[0].State)
		assert.Equal(t, uint(2), archive.started[0].OperatorID)
	})

	t.Run("session_ended updates summary", func(t *testing.T) {
		archive := &fakeArchive{}
		h := NewSessionEventHandler(archive)

		err := h.Handle(context.Background(), consumerMessage(t, SessionEvent{
			Type:      SessionEnded,
			SessionID: "s1",
			Reason:    models.CloseReasonOperatorLeft,
			Timestamp: time.Now(),
		}))
		require.NoError(t, err)
		require.Len(t, archive.ended, 1)
		assert.Equal(t, "s1/operator_left", archive.ended[0])
	})

	t.Run("unknown event type is skipped", func(t *testing.T) {
		archive := &fakeArchive{}
		h := NewSessionEventHandler(archive)

		err := h.Handle(context.Background(), consumerMessage(t, SessionEvent{Type: "session_paused"}))
		assert.NoError(t, err)
		assert.Empty(t, archive.started)
		assert.Empty(t, archive.ended)
	})

	t.Run("malformed payload errors", func(t *testing.T) {
		archive := &fakeArchive{}
		h := NewSessionEventHandler(archive)

		err := h.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")})
		assert.Error(t, err)
	})
}
