package store

import (
	"time"

	"bcast/internal/domain"
)

type ListFilter struct {
	AccountID string
	State     domain.CampaignState
	Platform  domain.Platform
	Limit     int
	Offset    int
}

// TaskOutcome carries everything a worker writes back for one task: the
// rendered body, the terminal status and (for failures) the classified reason.
type TaskOutcome struct {
	TaskID        string
	CampaignID    string
	Rendered      string
	FailureReason string
	Now           time.Time
}
