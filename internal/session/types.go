package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// NewCreateResponse describes info for the client that created it.
func NewCreateResponse(info Info, ttl time.Duration) CreateResponse {
	return CreateResponse{
		SessionID:       info.ID,
		UserID:          info.UserID,
		Status:          info.Status,
		StartedAt:       info.StartedAt,
		LastActivityAt:  info.LastActivityAt,
		InactivityTTLMS: ttl.Milliseconds(),
	}
}
