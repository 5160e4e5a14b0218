package model

import "time"

// AuditEntry is an operator-visible record of a state-changing action.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Action  string    `json:"action"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail,omitempty"`
}
