package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"LiteSupport/models"
)

type EventType string

// 客户端 -> broker
const (
	EventIssueSubmit   EventType = "issue.submit"
	EventRequestList   EventType = "request.list"
	EventRequestAccept EventType = "request.accept"
	EventMessageSend   EventType = "message.send"
	EventSessionClose  EventType = "session.close"
)

// broker -> 客户端
const (
	EventRequestEnqueued    EventType = "request.enqueued"
	EventRequestQueue       EventType = "request.queue"
	EventRequestUnavailable EventType = "request.unavailable"
	EventSessionStarted     EventType = "session.started"
	EventMessageDelivered   EventType = "message.delivered"
	EventSessionEnded       EventType = "session.ended"
	EventError              EventType = "error"
)

// Envelope 线上帧：{"type": ..., "payload": ...}
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientEvent 客户端事件的封闭集合，保证 hub 的分发是穷尽的
type ClientEvent interface {
	clientEvent()
}

type IssueSubmit struct {
	IssueCategory string `json:"issue_category"`
}

type RequestList struct{}

type RequestAccept struct {
	RequestID string `json:"request_id"`
}

type MessageSend struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type SessionClose struct {
	SessionID string `json:"session_id"`
}

func (IssueSubmit) clientEvent()   {}
func (RequestList) clientEvent()   {}
func (RequestAccept) clientEvent() {}
func (MessageSend) clientEvent()   {}
func (SessionClose) clientEvent()  {}

// DecodeClient 把线上帧解码为具体的客户端事件
func DecodeClient(env Envelope) (ClientEvent, error) {
	switch env.Type {
	case EventIssueSubmit:
		var ev IssueSubmit
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case EventRequestList:
		return RequestList{}, nil
	case EventRequestAccept:
		var ev RequestAccept
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case EventMessageSend:
		var ev MessageSend
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case EventSessionClose:
		var ev SessionClose
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown client event type %q", env.Type)
	}
}

// ServerEvent broker 下发给客户端的事件
type ServerEvent interface {
	EventType() EventType
}

type RequestEnqueued struct {
	RequestID string `json:"request_id"`
}

type RequestQueue struct {
	Requests []*models.SupportRequest `json:"requests"`
}

type RequestUnavailable struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

type SessionStarted struct {
	SessionID       string    `json:"session_id"`
	RequestID       string    `json:"request_id"`
	IssueCategory   string    `json:"issue_category"`
	CounterpartName string    `json:"counterpart_name"`
	CounterpartRole string    `json:"counterpart_role"`
	StartedAt       time.Time `json:"started_at"`
}

type MessageDelivered struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

type SessionEnded struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (RequestEnqueued) EventType() EventType    { return EventRequestEnqueued }
func (RequestQueue) EventType() EventType       { return EventRequestQueue }
func (RequestUnavailable) EventType() EventType { return EventRequestUnavailable }
func (SessionStarted) EventType() EventType     { return EventSessionStarted }
func (MessageDelivered) EventType() EventType   { return EventMessageDelivered }
func (SessionEnded) EventType() EventType       { return EventSessionEnded }
func (ErrorEvent) EventType() EventType         { return EventError }

// Encode 把服务端事件编码为线上帧
func Encode(ev ServerEvent) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return Envelope{Type: ev.EventType(), Payload: payload}, nil
}
