package models

import "time"

// CampaignHandoff is the payload passed to the external delivery queue when a
// campaign is confirmed.
type CampaignHandoff struct {
	CampaignID     string          `json:"campaign_id"`
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id"`
	TemplateID     string          `json:"template_id,omitempty"`
	RecipientStats *RecipientStats `json:"recipient_stats,omitempty"`
	SMTPSource     string          `json:"smtp_source"`
	ScheduleAt     *time.Time      `json:"schedule_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
