package models

import "time"

// RedeployStatus is the state of a queued webhook redeploy.
type RedeployStatus string

const (
	RedeployStatusPending    RedeployStatus = "pending"
	RedeployStatusProcessing RedeployStatus = "processing"
	RedeployStatusSucceeded  RedeployStatus = "succeeded"
	RedeployStatusFailed     RedeployStatus = "failed"
)

// RedeployJob is a reload request produced by an accepted push delivery.
type RedeployJob struct {
	ID          string         `json:"id"`
	ServiceID   string         `json:"service_id"`
	Branch      string         `json:"branch"`
	Repository  string         `json:"repository,omitempty"`
	Pusher      string         `json:"pusher,omitempty"`
	Attempts    int            `json:"attempts"`
	Status      RedeployStatus `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	// AvailableAt is the earliest time the job may be claimed.
	AvailableAt time.Time      `json:"available_at"`
}

// Terminal reports whether the job will not be picked up again.
func (j *RedeployJob) Terminal() bool {
	return j.Status == RedeployStatusSucceeded || j.Status == RedeployStatusFailed
}
