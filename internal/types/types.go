package types

import "time"

type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Session is one page's conversation session.
type Session struct {
	ID        string    `json:"session_id"`
	Locale    string    `json:"locale"`
	PageToken string    `json:"page_token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`

	PageConnectedAt    *time.Time `json:"page_connected_at,omitempty"`
	PageDisconnectedAt *time.Time `json:"page_disconnected_at,omitempty"`
}

const (
	StatusCreated   = "created"
	StatusConnected = "connected"
	StatusIdle      = "idle"
	StatusClosed    = "closed"
)
