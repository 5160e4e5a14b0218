package model

import (
	"encoding/json"
	"time"
)

type BroadcastStatus string

const (
	BroadcastScheduled  BroadcastStatus = "scheduled"
	BroadcastInProgress BroadcastStatus = "in_progress"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
)

func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastFailed
}

type Broadcast struct {
	ID              string          `json:"id"`
	Label           string          `json:"label"`
	TemplateID      string          `json:"templateId"`
	Body            string          `json:"body"`
	Target          Target          `json:"-"`
	ScheduledFor    *time.Time      `json:"scheduledFor,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Status          BroadcastStatus `json:"status"`
	TotalRecipients int             `json:"totalRecipients"`
	Delivered       int             `json:"delivered"`
	Failed          int             `json:"failed"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

// MarshalJSON adds the target in its wire form.
func (b Broadcast) MarshalJSON() ([]byte, error) {
	type plain Broadcast
	return json.Marshal(struct {
		plain
		Target TargetSpec `json:"target"`
	}{plain(b), SpecOf(b.Target)})
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSending   TaskStatus = "sending"
	TaskDelivered TaskStatus = "delivered"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool { return s == TaskDelivered || s == TaskFailed }

// DeliveryTask is one recipient's delivery. IDs sort in creation order.
type DeliveryTask struct {
	ID           string     `json:"id"`
	BroadcastID  string     `json:"broadcastId"`
	ContactID    string     `json:"contactId"`
	ContactName  string     `json:"contactName"`
	Phone        string     `json:"phone"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Status       TaskStatus `json:"status"`
	Preview      string     `json:"preview"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Due reports whether the task may be dispatched at now given a lookahead window.
func (t DeliveryTask) Due(now time.Time, lookahead time.Duration) bool {
	return t.ScheduledFor == nil || !t.ScheduledFor.After(now.Add(lookahead))
}
