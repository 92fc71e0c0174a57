package models

import "time"

// 支持请求状态
const (
	RequestPending   = "pending"
	RequestAssigned  = "assigned"
	RequestCancelled = "cancelled"
)

// SupportRequest 排队中的求助请求。只存在于内存队列中，不落库；
// 被接受后生成 ChatSession，后者才是持久化记录。
type SupportRequest struct {
	ID            string    `json:"id"`
	RequesterID   uint      `json:"requester_id"`
	RequesterName string    `json:"requester_name"`
	IssueCategory string    `json:"issue_category"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

// 固定的问题类别集合
var IssueCategories = []string{"Technical Support", "Billing", "General Inquiry"}

func ValidIssueCategory(category string) bool {
	for _, c := range IssueCategories {
		if c == category {
			return true
		}
	}
	return false
}
