package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"bcast/internal/decorate"
	"bcast/internal/domain"
	"bcast/internal/observability"
	"bcast/internal/resolve"
	"bcast/internal/store"
)

var errNoContactSource = errors.New("no contact source configured")

type Store interface {
	ReserveAutoIDBlock(ctx context.Context, accountID, prefix string, count int, now time.Time) (int64, error)
	NextAutoID(ctx context.Context, accountID, prefix string) (int64, error)
	CreateCampaign(ctx context.Context, c domain.Campaign, tasks []domain.RecipientTask) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	ListCampaigns(ctx context.Context, f store.ListFilter) ([]domain.Campaign, error)
	CancelCampaign(ctx context.Context, id string, now time.Time) (domain.Campaign, error)
	ListFailedTasks(ctx context.Context, campaignID string) ([]domain.RecipientTask, error)
	UpsertTemplate(ctx context.Context, t domain.WatermarkTemplate) (domain.WatermarkTemplate, error)
	ListTemplates(ctx context.Context, accountID string) ([]domain.WatermarkTemplate, error)
}

type ContactSource interface {
	FetchPhones(ctx context.Context, accountID, deviceID string) ([]string, error)
}

type CampaignService struct {
	Store    Store
	Contacts ContactSource // nil when no contact source is configured

	MinScheduleLead time.Duration
	DisableDedup    bool

	CampaignIDGen func() string
	TaskIDGen     func() string
	TemplateIDGen func() string
}

// CreateCampaign validates the request, resolves the target set and persists
// the campaign with one task per resolved target. Validation problems return
// an error with nothing persisted; a resolution-time dependency failure
// persists the campaign as failed with zero tasks.
func (s *CampaignService) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest, now time.Time) (domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	if req.ScheduledAt != nil && req.ScheduledAt.Before(now.Add(s.MinScheduleLead)) {
		return domain.Campaign{}, domain.ErrScheduleInPast
	}

	c := domain.Campaign{
		ID:               s.CampaignIDGen(),
		Name:             req.Name,
		AccountID:        req.AccountID,
		SenderID:         req.SenderID,
		Platform:         req.Platform,
		TargetMode:       req.TargetMode,
		Message:          req.Message,
		MediaRef:         req.MediaRef,
		AutoIDEnabled:    req.AutoIDEnabled,
		AutoIDPrefix:     req.AutoIDPrefix,
		WatermarkEnabled: req.WatermarkEnabled,
		WatermarkText:    req.WatermarkText,
		ScheduledAt:      req.ScheduledAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	lines := req.Recipients
	if req.IncludeContacts {
		phones, err := s.fetchContacts(ctx, req)
		if err != nil {
			// resolution failure: the campaign lands in failed with zero
			// tasks so the operator sees it, per the error taxonomy
			c.State = domain.StateFailed
			c.LastError = "contact_source_unavailable: " + err.Error()
			if err := s.Store.CreateCampaign(ctx, c, nil); err != nil {
				return domain.Campaign{}, err
			}
			observability.CampaignsTerminal.WithLabelValues(string(domain.StateFailed)).Inc()
			return c, nil
		}
		lines = append(append([]string{}, lines...), phones...)
	}

	res, err := resolve.Resolve(resolve.Input{
		Lines:        lines,
		GroupIDs:     req.GroupIDs,
		Mode:         req.TargetMode,
		DisableDedup: s.DisableDedup,
	})
	if err != nil {
		return domain.Campaign{}, err
	}

	if req.AutoIDEnabled {
		base, err := s.Store.ReserveAutoIDBlock(ctx, req.AccountID, req.AutoIDPrefix, len(res.Targets), now)
		if err != nil {
			return domain.Campaign{}, err
		}
		c.AutoIDBase = base
	}

	c.TotalRecipients = len(res.Targets)
	c.Duplicates = res.Duplicates
	c.Rejected = res.Rejected
	c.State = domain.StatePending
	if req.ScheduledAt != nil {
		c.State = domain.StateScheduled
	}

	tasks := make([]domain.RecipientTask, 0, len(res.Targets))
	for i, tg := range res.Targets {
		tasks = append(tasks, domain.RecipientTask{
			ID:         s.TaskIDGen(),
			CampaignID: c.ID,
			Ordinal:    i,
			Target:     tg,
			Status:     domain.TaskPending,
		})
	}

	if err := s.Store.CreateCampaign(ctx, c, tasks); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

func (s *CampaignService) fetchContacts(ctx context.Context, req domain.CreateCampaignRequest) ([]string, error) {
	if s.Contacts == nil {
		return nil, errNoContactSource
	}
	return s.Contacts.FetchPhones(ctx, req.AccountID, req.SenderID)
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	return s.Store.GetCampaign(ctx, id)
}

func (s *CampaignService) ListCampaigns(ctx context.Context, f store.ListFilter) ([]domain.Campaign, error) {
	return s.Store.ListCampaigns(ctx, f)
}

// Cancel is idempotent: cancelling a terminal campaign returns its current
// record unchanged.
func (s *CampaignService) Cancel(ctx context.Context, id string, now time.Time) (domain.Campaign, error) {
	c, err := s.Store.CancelCampaign(ctx, id, now)
	if err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// ExportFailed is a read-only projection: one line per failed target,
// tab-delimited, for operator download.
func (s *CampaignService) ExportFailed(ctx context.Context, id string) (string, error) {
	_, found, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.ErrNotFound
	}

	tasks, err := s.Store.ListFailedTasks(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, t := range tasks {
		b.WriteString(t.Target.Address)
		b.WriteByte('\t')
		b.WriteString(t.FailureReason)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// SaveTemplate is a full-replace upsert keyed by (account, name).
func (s *CampaignService) SaveTemplate(ctx context.Context, accountID, name, text string, now time.Time) (domain.WatermarkTemplate, error) {
	if accountID == "" || name == "" || text == "" {
		return domain.WatermarkTemplate{}, domain.ErrMissingFields
	}
	return s.Store.UpsertTemplate(ctx, domain.WatermarkTemplate{
		ID:        s.TemplateIDGen(),
		AccountID: accountID,
		Name:      name,
		Text:      text,
		CreatedAt: now,
	})
}

func (s *CampaignService) ListTemplates(ctx context.Context, accountID string) ([]domain.WatermarkTemplate, error) {
	return s.Store.ListTemplates(ctx, accountID)
}

type PreviewRequest struct {
	AccountID        string `json:"accountId"`
	Message          string `json:"message"`
	AutoIDEnabled    bool   `json:"autoIdEnabled"`
	AutoIDPrefix     string `json:"autoIdPrefix,omitempty"`
	WatermarkEnabled bool   `json:"watermarkEnabled"`
	WatermarkText    string `json:"watermarkText,omitempty"`
}

// Preview renders the first recipient's body against the counter's current
// position without reserving anything.
func (s *CampaignService) Preview(ctx context.Context, req PreviewRequest) (string, error) {
	if req.Message == "" {
		return "", domain.ErrMissingFields
	}
	base := int64(0)
	if req.AutoIDEnabled {
		next, err := s.Store.NextAutoID(ctx, req.AccountID, req.AutoIDPrefix)
		if err != nil {
			return "", err
		}
		base = next
	}
	return decorate.Render(req.Message, decorate.Flags{
		AutoIDEnabled:    req.AutoIDEnabled,
		AutoIDPrefix:     req.AutoIDPrefix,
		WatermarkEnabled: req.WatermarkEnabled,
		WatermarkText:    req.WatermarkText,
	}, base, 0), nil
}
