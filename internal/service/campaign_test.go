package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bcast/internal/decorate"
	"bcast/internal/domain"
	"bcast/internal/store"
)

type memStore struct {
	campaigns map[string]domain.Campaign
	tasks     map[string][]domain.RecipientTask
	templates map[string]domain.WatermarkTemplate
	counters  map[string]int64

	contactErr error
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: make(map[string]domain.Campaign),
		tasks:     make(map[string][]domain.RecipientTask),
		templates: make(map[string]domain.WatermarkTemplate),
		counters:  make(map[string]int64),
	}
}

func (m *memStore) ReserveAutoIDBlock(ctx context.Context, accountID, prefix string, count int, now time.Time) (int64, error) {
	key := accountID + "/" + prefix
	next, ok := m.counters[key]
	if !ok {
		next = 1
	}
	m.counters[key] = next + int64(count)
	return next, nil
}

func (m *memStore) NextAutoID(ctx context.Context, accountID, prefix string) (int64, error) {
	next, ok := m.counters[accountID+"/"+prefix]
	if !ok {
		return 1, nil
	}
	return next, nil
}

func (m *memStore) CreateCampaign(ctx context.Context, c domain.Campaign, tasks []domain.RecipientTask) error {
	m.campaigns[c.ID] = c
	m.tasks[c.ID] = tasks
	return nil
}

func (m *memStore) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	c, ok := m.campaigns[id]
	return c, ok, nil
}

func (m *memStore) ListCampaigns(ctx context.Context, f store.ListFilter) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) CancelCampaign(ctx context.Context, id string, now time.Time) (domain.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	if c.State.Terminal() {
		return c, nil
	}
	c.State = domain.StateCancelled
	c.CompletedAt = &now
	tasks := m.tasks[id]
	for i := range tasks {
		if tasks[i].Status == domain.TaskPending {
			tasks[i].Status = domain.TaskCancelled
			c.Cancelled++
		}
	}
	m.campaigns[id] = c
	return c, nil
}

func (m *memStore) ListFailedTasks(ctx context.Context, campaignID string) ([]domain.RecipientTask, error) {
	var out []domain.RecipientTask
	for _, t := range m.tasks[campaignID] {
		if t.Status == domain.TaskFailed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) UpsertTemplate(ctx context.Context, t domain.WatermarkTemplate) (domain.WatermarkTemplate, error) {
	key := t.AccountID + "/" + t.Name
	if old, ok := m.templates[key]; ok {
		t.ID = old.ID
		t.CreatedAt = old.CreatedAt
	}
	m.templates[key] = t
	return t, nil
}

func (m *memStore) ListTemplates(ctx context.Context, accountID string) ([]domain.WatermarkTemplate, error) {
	var out []domain.WatermarkTemplate
	for _, t := range m.templates {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeContacts struct {
	phones []string
	err    error
}

func (f *fakeContacts) FetchPhones(ctx context.Context, accountID, deviceID string) ([]string, error) {
	return f.phones, f.err
}

func newService(ms *memStore) *CampaignService {
	nCampaign, nTask, nTmpl := 0, 0, 0
	return &CampaignService{
		Store:           ms,
		MinScheduleLead: 5 * time.Minute,
		CampaignIDGen:   func() string { nCampaign++; return fmt.Sprintf("cmp_%d", nCampaign) },
		TaskIDGen:       func() string { nTask++; return fmt.Sprintf("tsk_%d", nTask) },
		TemplateIDGen:   func() string { nTmpl++; return fmt.Sprintf("wmt_%d", nTmpl) },
	}
}

func validRequest() domain.CreateCampaignRequest {
	return domain.CreateCampaignRequest{
		Name:       "launch",
		AccountID:  "acct_1",
		SenderID:   "dev_1",
		Platform:   domain.PlatformWhatsApp,
		TargetMode: domain.ModeNumber,
		Message:    "promo live now",
		Recipients: []string{"+1 555 0100", "+1 555 0101", "+1 555 0102"},
	}
}

func TestCreateCampaignPersistsTasks(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c, err := svc.CreateCampaign(context.Background(), validRequest(), now)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if c.State != domain.StatePending {
		t.Fatalf("state = %s, want pending", c.State)
	}
	if c.TotalRecipients != 3 {
		t.Fatalf("totalRecipients = %d, want 3", c.TotalRecipients)
	}
	tasks := ms.tasks[c.ID]
	if len(tasks) != 3 {
		t.Fatalf("persisted %d tasks, want 3", len(tasks))
	}
	for i, tk := range tasks {
		if tk.Ordinal != i {
			t.Fatalf("task %d ordinal = %d", i, tk.Ordinal)
		}
		if tk.Status != domain.TaskPending {
			t.Fatalf("task %d status = %s", i, tk.Status)
		}
	}
	if tasks[0].Target.Address != "+15550100" {
		t.Fatalf("target 0 = %q, want normalized +15550100", tasks[0].Target.Address)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	now := time.Now().UTC()

	req := validRequest()
	req.Message = ""
	if _, err := svc.CreateCampaign(context.Background(), req, now); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("empty message: err = %v, want ErrMissingFields", err)
	}

	req = validRequest()
	req.Platform = "SIGNAL"
	if _, err := svc.CreateCampaign(context.Background(), req, now); !errors.Is(err, domain.ErrInvalidPlatform) {
		t.Fatalf("bad platform: err = %v, want ErrInvalidPlatform", err)
	}

	req = validRequest()
	req.TargetMode = domain.ModeGroup
	if _, err := svc.CreateCampaign(context.Background(), req, now); !errors.Is(err, domain.ErrNoGroupsSelected) {
		t.Fatalf("group mode without groups: err = %v, want ErrNoGroupsSelected", err)
	}

	req = validRequest()
	req.TargetMode = domain.ModeBoth
	req.Recipients = nil
	if _, err := svc.CreateCampaign(context.Background(), req, now); !errors.Is(err, domain.ErrNoTargets) {
		t.Fatalf("both mode without any source: err = %v, want ErrNoTargets", err)
	}

	req = validRequest()
	req.Recipients = []string{"123", "abc"}
	if _, err := svc.CreateCampaign(context.Background(), req, now); !errors.Is(err, domain.ErrNoValidRecipients) {
		t.Fatalf("all rejected: err = %v, want ErrNoValidRecipients", err)
	}
	if len(ms.campaigns) != 0 {
		t.Fatalf("validation failure persisted %d campaigns", len(ms.campaigns))
	}
}

func TestCreateCampaignScheduleLead(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	req := validRequest()
	soon := now.Add(4 * time.Minute)
	req.ScheduledAt = &soon
	if _, err := svc.CreateCampaign(context.Background(), req, now); !errors.Is(err, domain.ErrScheduleInPast) {
		t.Fatalf("4m lead: err = %v, want ErrScheduleInPast", err)
	}

	req = validRequest()
	later := now.Add(10 * time.Minute)
	req.ScheduledAt = &later
	c, err := svc.CreateCampaign(context.Background(), req, now)
	if err != nil {
		t.Fatalf("10m lead: %v", err)
	}
	if c.State != domain.StateScheduled {
		t.Fatalf("state = %s, want scheduled", c.State)
	}
	if c.ScheduledAt == nil || !c.ScheduledAt.Equal(later) {
		t.Fatalf("scheduledAt = %v, want %v", c.ScheduledAt, later)
	}
}

func TestCreateCampaignReservesAutoIDBlock(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	now := time.Now().UTC()

	req := validRequest()
	req.AutoIDEnabled = true
	req.AutoIDPrefix = "ORD-"
	c1, err := svc.CreateCampaign(context.Background(), req, now)
	if err != nil {
		t.Fatalf("first campaign: %v", err)
	}
	if c1.AutoIDBase != 1 {
		t.Fatalf("first base = %d, want 1", c1.AutoIDBase)
	}

	// second campaign on the same counter starts past the first block
	c2, err := svc.CreateCampaign(context.Background(), req, now)
	if err != nil {
		t.Fatalf("second campaign: %v", err)
	}
	if c2.AutoIDBase != 4 {
		t.Fatalf("second base = %d, want 4", c2.AutoIDBase)
	}

	// a different prefix gets its own counter
	req.AutoIDPrefix = "TKT-"
	c3, err := svc.CreateCampaign(context.Background(), req, now)
	if err != nil {
		t.Fatalf("third campaign: %v", err)
	}
	if c3.AutoIDBase != 1 {
		t.Fatalf("other prefix base = %d, want 1", c3.AutoIDBase)
	}
}

func TestCreateCampaignRecordsDedupStats(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)

	req := validRequest()
	req.Recipients = []string{"+1 555 0100", "1-555-0100", "15550100", "99"}
	c, err := svc.CreateCampaign(context.Background(), req, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if c.TotalRecipients != 1 || c.Duplicates != 2 || c.Rejected != 1 {
		t.Fatalf("total=%d dup=%d rejected=%d, want 1/2/1", c.TotalRecipients, c.Duplicates, c.Rejected)
	}
}

func TestCreateCampaignBothModeWithDecoration(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)

	req := validRequest()
	req.TargetMode = domain.ModeBoth
	req.Recipients = []string{"+1 555 0100", "15550100", "+1 555 0101"}
	req.GroupIDs = []string{"group-A", "group-B"}
	req.AutoIDEnabled = true
	req.AutoIDPrefix = "ORD-"
	req.WatermarkEnabled = true
	req.WatermarkText = "via AcmePanel"

	c, err := svc.CreateCampaign(context.Background(), req, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if c.TotalRecipients != 4 || c.Duplicates != 1 {
		t.Fatalf("total=%d dup=%d, want 4/1", c.TotalRecipients, c.Duplicates)
	}

	tasks := ms.tasks[c.ID]
	if tasks[0].Target.Kind != domain.KindNumber || tasks[3].Target.Kind != domain.KindGroup {
		t.Fatalf("expected numbers before groups, got %+v", tasks)
	}

	// the last recipient's rendered body ends with watermark then ID line
	got := decorate.Render(c.Message, decorate.Flags{
		AutoIDEnabled:    c.AutoIDEnabled,
		AutoIDPrefix:     c.AutoIDPrefix,
		WatermarkEnabled: c.WatermarkEnabled,
		WatermarkText:    c.WatermarkText,
	}, c.AutoIDBase, tasks[3].Ordinal)
	if got != "promo live now\nvia AcmePanel\nID: ORD-4" {
		t.Fatalf("rendered = %q", got)
	}
}

func TestCreateCampaignBothModeNumbersOnly(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)

	req := validRequest()
	req.TargetMode = domain.ModeBoth
	req.GroupIDs = nil

	c, err := svc.CreateCampaign(context.Background(), req, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if c.TotalRecipients != 3 {
		t.Fatalf("totalRecipients = %d, want 3", c.TotalRecipients)
	}
	for _, tk := range ms.tasks[c.ID] {
		if tk.Target.Kind != domain.KindNumber {
			t.Fatalf("target kind = %s, want number", tk.Target.Kind)
		}
	}
}

func TestCreateCampaignContactSourceFailure(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	svc.Contacts = &fakeContacts{err: errors.New("connection refused")}

	req := validRequest()
	req.IncludeContacts = true
	c, err := svc.CreateCampaign(context.Background(), req, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if c.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed", c.State)
	}
	if c.LastError != "contact_source_unavailable: connection refused" {
		t.Fatalf("lastError = %q", c.LastError)
	}
	if len(ms.tasks[c.ID]) != 0 {
		t.Fatalf("failed campaign persisted %d tasks, want 0", len(ms.tasks[c.ID]))
	}
}

func TestCreateCampaignMergesContacts(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	svc.Contacts = &fakeContacts{phones: []string{"+1 555 0200", "15550100"}}

	req := validRequest()
	req.IncludeContacts = true
	c, err := svc.CreateCampaign(context.Background(), req, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	// 3 explicit + 2 from contacts, one of which collapses into +15550100
	if c.TotalRecipients != 4 || c.Duplicates != 1 {
		t.Fatalf("total=%d dup=%d, want 4/1", c.TotalRecipients, c.Duplicates)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	now := time.Now().UTC()

	c, err := svc.CreateCampaign(context.Background(), validRequest(), now)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	got, err := svc.Cancel(context.Background(), c.ID, now)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if got.State != domain.StateCancelled || got.Cancelled != 3 {
		t.Fatalf("state=%s cancelled=%d, want cancelled/3", got.State, got.Cancelled)
	}

	again, err := svc.Cancel(context.Background(), c.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Cancelled != 3 {
		t.Fatalf("second cancel changed counters: %d", again.Cancelled)
	}

	if _, err := svc.Cancel(context.Background(), "cmp_missing", now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing campaign: err = %v, want ErrNotFound", err)
	}
}

func TestExportFailed(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	now := time.Now().UTC()

	c, err := svc.CreateCampaign(context.Background(), validRequest(), now)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	tasks := ms.tasks[c.ID]
	tasks[1].Status = domain.TaskFailed
	tasks[1].FailureReason = "permanent: gateway status 400: bad number"
	ms.tasks[c.ID] = tasks

	out, err := svc.ExportFailed(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("ExportFailed: %v", err)
	}
	want := "+15550101\tpermanent: gateway status 400: bad number\n"
	if out != want {
		t.Fatalf("export = %q, want %q", out, want)
	}

	if _, err := svc.ExportFailed(context.Background(), "cmp_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing campaign: err = %v, want ErrNotFound", err)
	}
}

func TestSaveTemplateUpsert(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)
	now := time.Now().UTC()

	first, err := svc.SaveTemplate(context.Background(), "acct_1", "default", "via AcmePanel", now)
	if err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	second, err := svc.SaveTemplate(context.Background(), "acct_1", "default", "via Acme v2", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SaveTemplate update: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert minted a new id: %s vs %s", second.ID, first.ID)
	}
	if second.Text != "via Acme v2" {
		t.Fatalf("text = %q", second.Text)
	}

	if _, err := svc.SaveTemplate(context.Background(), "acct_1", "", "x", now); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("empty name: err = %v, want ErrMissingFields", err)
	}
}

func TestPreview(t *testing.T) {
	ms := newMemStore()
	svc := newService(ms)

	got, err := svc.Preview(context.Background(), PreviewRequest{
		AccountID:        "acct_1",
		Message:          "promo live now",
		AutoIDEnabled:    true,
		AutoIDPrefix:     "ORD-",
		WatermarkEnabled: true,
		WatermarkText:    "via AcmePanel",
	})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if got != "promo live now\nvia AcmePanel\nID: ORD-1" {
		t.Fatalf("preview = %q", got)
	}

	// preview never advances the counter
	if next, _ := ms.NextAutoID(context.Background(), "acct_1", "ORD-"); next != 1 {
		t.Fatalf("counter moved to %d", next)
	}

	if _, err := svc.Preview(context.Background(), PreviewRequest{}); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("empty message: err = %v, want ErrMissingFields", err)
	}
}
