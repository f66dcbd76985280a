package models

// AgentStatus is what a viewer renders for one agent.
type AgentStatus struct {
	Message      string `json:"message"`
	IsProcessing bool   `json:"isProcessing"`
}

// StatusEvent is an immutable status change broadcast to viewers.
type StatusEvent struct {
	ID        string      `json:"id"`
	Agent     string      `json:"agent"`
	Status    AgentStatus `json:"status"`
	Timestamp int64       `json:"ts"` // Unix ms
}

// Snapshot is the message pushed to every viewer.
type Snapshot struct {
	Current StatusEvent   `json:"current"`
	History []StatusEvent `json:"history"`
}
