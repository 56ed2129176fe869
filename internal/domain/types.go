package domain

import (
	"errors"
	"time"
)

type Platform string

const (
	PlatformWhatsApp Platform = "WHATSAPP"
	PlatformTelegram Platform = "TELEGRAM"
)

func (p Platform) Valid() bool {
	return p == PlatformWhatsApp || p == PlatformTelegram
}

type TargetMode string

const (
	ModeNumber TargetMode = "NUMBER"
	ModeGroup  TargetMode = "GROUP"
	ModeBoth   TargetMode = "BOTH"
)

func (m TargetMode) Valid() bool {
	return m == ModeNumber || m == ModeGroup || m == ModeBoth
}

type TargetKind string

const (
	KindNumber TargetKind = "number"
	KindGroup  TargetKind = "group"
)

// Target is one resolved delivery address, tagged with how the platform
// should address it.
type Target struct {
	Kind    TargetKind `json:"kind"`
	Address string     `json:"address"`
}

type CampaignState string

const (
	StatePending    CampaignState = "pending"
	StateScheduled  CampaignState = "scheduled"
	StateProcessing CampaignState = "processing"
	StateCompleted  CampaignState = "completed"
	StateFailed     CampaignState = "failed"
	StateCancelled  CampaignState = "cancelled"
)

func (s CampaignState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	// TaskSending marks a task claimed by a worker. Cancellation only touches
	// tasks still pending, so cancel latency is bounded by in-flight sends.
	TaskSending   TaskStatus = "sending"
	TaskSent      TaskStatus = "sent"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

type Campaign struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccountID string `json:"accountId"`
	SenderID  string `json:"senderId"`

	Platform   Platform   `json:"platform"`
	TargetMode TargetMode `json:"targetMode"`

	Message  string `json:"message"`
	MediaRef string `json:"mediaRef,omitempty"`

	AutoIDEnabled bool   `json:"autoIdEnabled"`
	AutoIDPrefix  string `json:"autoIdPrefix,omitempty"`
	// AutoIDBase is the first integer of the block reserved for this campaign
	// at resolution time. Decoration stays a pure function of (message, flags,
	// base, ordinal), so rendered output is reproducible after delivery.
	AutoIDBase       int64  `json:"autoIdBase,omitempty"`
	WatermarkEnabled bool   `json:"watermarkEnabled"`
	WatermarkText    string `json:"watermarkText,omitempty"`

	State           CampaignState `json:"state"`
	TotalRecipients int           `json:"totalRecipients"`
	Sent            int           `json:"sent"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	Duplicates      int           `json:"duplicates"`
	Rejected        int           `json:"rejected"`
	LastError       string        `json:"lastError,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type RecipientTask struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaignId"`
	Ordinal    int        `json:"ordinal"`
	Target     Target     `json:"target"`
	Status     TaskStatus `json:"status"`
	// Rendered is written together with the outcome; until then the body is
	// derivable from the campaign fields and Ordinal.
	Rendered      string     `json:"rendered,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

type WatermarkTemplate struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CreateCampaignRequest struct {
	Name      string `json:"name"`
	AccountID string `json:"accountId"`
	SenderID  string `json:"senderId"`

	Platform   Platform   `json:"platform"`
	TargetMode TargetMode `json:"targetMode"`

	Message  string `json:"message"`
	MediaRef string `json:"mediaRef,omitempty"`

	Recipients      []string `json:"recipients,omitempty"`
	GroupIDs        []string `json:"groupIds,omitempty"`
	IncludeContacts bool     `json:"includeContacts,omitempty"`

	AutoIDEnabled    bool   `json:"autoIdEnabled"`
	AutoIDPrefix     string `json:"autoIdPrefix,omitempty"`
	WatermarkEnabled bool   `json:"watermarkEnabled"`
	WatermarkText    string `json:"watermarkText,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.Name == "" || r.AccountID == "" || r.SenderID == "" || r.Message == "" {
		return ErrMissingFields
	}
	if !r.Platform.Valid() {
		return ErrInvalidPlatform
	}
	if !r.TargetMode.Valid() {
		return ErrInvalidTargetMode
	}
	if r.TargetMode == ModeGroup && len(r.GroupIDs) == 0 {
		return ErrNoGroupsSelected
	}
	if r.TargetMode == ModeBoth && len(r.Recipients) == 0 && len(r.GroupIDs) == 0 && !r.IncludeContacts {
		return ErrNoTargets
	}
	return nil
}

var (
	ErrMissingFields     = errors.New("missing required fields")
	ErrInvalidPlatform   = errors.New("unknown platform")
	ErrInvalidTargetMode = errors.New("unknown target mode")
	ErrNoGroupsSelected  = errors.New("target mode requires at least one group")
	ErrNoTargets         = errors.New("no target source selected")
	ErrNoValidRecipients = errors.New("no valid recipients after resolution")
	ErrScheduleInPast    = errors.New("scheduled time is below the minimum lead")
	ErrNotFound          = errors.New("not found")
)
