package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bcast/internal/domain"
	"bcast/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const campaignColumns = `
	id, name, account_id, sender_id, platform, target_mode, message,
	COALESCE(media_ref,''), auto_id_enabled, COALESCE(auto_id_prefix,''), auto_id_base,
	watermark_enabled, COALESCE(watermark_text,''), state,
	total_recipients, sent_count, failed_count, cancelled_count,
	duplicate_count, rejected_count, COALESCE(last_error,''),
	scheduled_at, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.AccountID, &c.SenderID, &c.Platform, &c.TargetMode, &c.Message,
		&c.MediaRef, &c.AutoIDEnabled, &c.AutoIDPrefix, &c.AutoIDBase,
		&c.WatermarkEnabled, &c.WatermarkText, &c.State,
		&c.TotalRecipients, &c.Sent, &c.Failed, &c.Cancelled,
		&c.Duplicates, &c.Rejected, &c.LastError,
		&c.ScheduledAt, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	return c, err
}

// ReserveAutoIDBlock advances the per-account counter by count in a single
// atomic statement and returns the first value of the reserved block. The
// counter never moves backwards, even if the campaign later fails.
func (s *Store) ReserveAutoIDBlock(ctx context.Context, accountID, prefix string, count int, now time.Time) (int64, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO auto_id_counters (account_id, prefix, next_value, updated_at)
		VALUES ($1, $2, 1 + $3, $4)
		ON CONFLICT (account_id, prefix)
		DO UPDATE SET next_value = auto_id_counters.next_value + $3, updated_at = $4
		RETURNING next_value
	`, accountID, prefix, count, now)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next - int64(count), nil
}

// NextAutoID peeks at the counter without reserving anything; used for the
// operator preview.
func (s *Store) NextAutoID(ctx context.Context, accountID, prefix string) (int64, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT next_value FROM auto_id_counters WHERE account_id=$1 AND prefix=$2
	`, accountID, prefix)
	var next int64
	err := row.Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

// CreateCampaign persists the campaign and its resolved tasks in one
// transaction. tasks may be empty (a campaign that failed resolution).
func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign, tasks []domain.RecipientTask) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (
			id, name, account_id, sender_id, platform, target_mode, message, media_ref,
			auto_id_enabled, auto_id_prefix, auto_id_base, watermark_enabled, watermark_text,
			state, total_recipients, duplicate_count, rejected_count, last_error,
			scheduled_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$20)
	`, c.ID, c.Name, c.AccountID, c.SenderID, c.Platform, c.TargetMode, c.Message, nullIfEmpty(c.MediaRef),
		c.AutoIDEnabled, nullIfEmpty(c.AutoIDPrefix), c.AutoIDBase, c.WatermarkEnabled, nullIfEmpty(c.WatermarkText),
		c.State, c.TotalRecipients, c.Duplicates, c.Rejected, nullIfEmpty(c.LastError),
		c.ScheduledAt, c.CreatedAt)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO recipient_tasks (id, campaign_id, ordinal, target_kind, target, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		`, t.ID, t.CampaignID, t.Ordinal, t.Target.Kind, t.Target.Address, domain.TaskPending, c.CreatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Campaign{}, false, nil
	}
	if err != nil {
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

func (s *Store) ListCampaigns(ctx context.Context, f store.ListFilter) ([]domain.Campaign, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE ($1 = '' OR account_id = $1)
		  AND ($2 = '' OR state = $2)
		  AND ($3 = '' OR platform = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, f.AccountID, string(f.State), string(f.Platform), limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CancelCampaign flips a non-terminal campaign to cancelled and marks every
// still-pending task cancelled in the same transaction. Tasks a worker has
// already claimed stay in flight and record their own outcome. Calling it on
// a terminal campaign is a no-op returning the current record.
func (s *Store) CancelCampaign(ctx context.Context, id string, now time.Time) (domain.Campaign, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT state FROM campaigns WHERE id=$1 FOR UPDATE`, id)
	var state domain.CampaignState
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, domain.ErrNotFound
		}
		return domain.Campaign{}, err
	}

	if !state.Terminal() {
		ct, err := tx.Exec(ctx, `
			UPDATE recipient_tasks SET status=$2, updated_at=$3
			WHERE campaign_id=$1 AND status=$4
		`, id, domain.TaskCancelled, now, domain.TaskPending)
		if err != nil {
			return domain.Campaign{}, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE campaigns
			SET state=$2, cancelled_count = cancelled_count + $3, completed_at=$4, updated_at=$4
			WHERE id=$1
		`, id, domain.StateCancelled, ct.RowsAffected(), now)
		if err != nil {
			return domain.Campaign{}, err
		}
	}

	c, err := scanCampaign(tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
	if err != nil {
		return domain.Campaign{}, err
	}
	return c, tx.Commit(ctx)
}

func (s *Store) ListFailedTasks(ctx context.Context, campaignID string) ([]domain.RecipientTask, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, ordinal, target_kind, target, status,
		       COALESCE(rendered,''), COALESCE(failure_reason,''), completed_at
		FROM recipient_tasks
		WHERE campaign_id=$1 AND status=$2
		ORDER BY ordinal
	`, campaignID, domain.TaskFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) UpsertTemplate(ctx context.Context, t domain.WatermarkTemplate) (domain.WatermarkTemplate, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO watermark_templates (id, account_id, name, text, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (account_id, name)
		DO UPDATE SET text = EXCLUDED.text, updated_at = EXCLUDED.updated_at
		RETURNING id, account_id, name, text, created_at, updated_at
	`, t.ID, t.AccountID, t.Name, t.Text, t.CreatedAt)
	var out domain.WatermarkTemplate
	err := row.Scan(&out.ID, &out.AccountID, &out.Name, &out.Text, &out.CreatedAt, &out.UpdatedAt)
	return out, err
}

func (s *Store) ListTemplates(ctx context.Context, accountID string) ([]domain.WatermarkTemplate, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, account_id, name, text, created_at, updated_at
		FROM watermark_templates WHERE account_id=$1 ORDER BY name
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WatermarkTemplate
	for rows.Next() {
		var t domain.WatermarkTemplate
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Name, &t.Text, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- engine side ---

func (s *Store) ListRunnableCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE state = $1 OR state = $2
		ORDER BY created_at
		LIMIT $3
	`, domain.StatePending, domain.StateProcessing, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimCampaignProcessing moves pending -> processing, stamping started_at
// once. A raced claim reports false, not an error.
func (s *Store) ClaimCampaignProcessing(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET state=$2, started_at=COALESCE(started_at,$3), updated_at=$3
		WHERE id=$1 AND state=$4
	`, id, domain.StateProcessing, now, domain.StatePending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CampaignState(ctx context.Context, id string) (domain.CampaignState, error) {
	row := s.DB.QueryRow(ctx, `SELECT state FROM campaigns WHERE id=$1`, id)
	var st domain.CampaignState
	if err := row.Scan(&st); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return st, nil
}

func (s *Store) LoadPendingTasks(ctx context.Context, campaignID string, limit int) ([]domain.RecipientTask, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, ordinal, target_kind, target, status,
		       COALESCE(rendered,''), COALESCE(failure_reason,''), completed_at
		FROM recipient_tasks
		WHERE campaign_id=$1 AND status=$2
		ORDER BY ordinal
		LIMIT $3
	`, campaignID, domain.TaskPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ClaimTask is the cancellation gate: pending -> sending CAS. A task the
// operator cancelled meanwhile fails the claim and no Sender call happens.
func (s *Store) ClaimTask(ctx context.Context, taskID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE recipient_tasks SET status=$2, updated_at=$3
		WHERE id=$1 AND status=$4
	`, taskID, domain.TaskSending, now, domain.TaskPending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkTaskSent(ctx context.Context, in store.TaskOutcome) error {
	return s.markTask(ctx, in, domain.TaskSent, "sent_count")
}

func (s *Store) MarkTaskFailed(ctx context.Context, in store.TaskOutcome) error {
	return s.markTask(ctx, in, domain.TaskFailed, "failed_count")
}

func (s *Store) markTask(ctx context.Context, in store.TaskOutcome, status domain.TaskStatus, counter string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE recipient_tasks
		SET status=$2, rendered=$3, failure_reason=$4, completed_at=$5, updated_at=$5
		WHERE id=$1 AND status=$6
	`, in.TaskID, status, nullIfEmpty(in.Rendered), nullIfEmpty(in.FailureReason), in.Now, domain.TaskSending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		// counter moves exactly once per task, in the same transaction as the
		// task's own transition
		_, err = tx.Exec(ctx, `
			UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at=$2 WHERE id=$1
		`, in.CampaignID, in.Now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// TryCompleteCampaign closes the campaign once no task is pending or in
// flight. The state guard makes concurrent attempts idempotent.
func (s *Store) TryCompleteCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET state=$2, completed_at=$3, updated_at=$3
		WHERE id=$1 AND state=$4
		  AND NOT EXISTS (
			SELECT 1 FROM recipient_tasks
			WHERE campaign_id=$1 AND status IN ($5, $6)
		  )
	`, id, domain.StateCompleted, now, domain.StateProcessing, domain.TaskPending, domain.TaskSending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseDueCampaigns hands due scheduled campaigns to the dispatcher path.
// The state guard makes a raced release a no-op.
func (s *Store) ReleaseDueCampaigns(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE campaigns SET state=$2, updated_at=$3
		WHERE state=$1 AND scheduled_at <= $3
		RETURNING id
	`, domain.StateScheduled, domain.StatePending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequeueStaleTasks handles tasks claimed by a dead engine. Only claims older
// than staleAfter are touched; a live worker resolves its task well inside
// that window. Claims whose campaign is still runnable go back to pending.
// Claims whose campaign reached a terminal state meanwhile can never be
// dispatched again, so they fold into the cancelled count; otherwise the
// per-task ledger would no longer add up to totalRecipients.
func (s *Store) RequeueStaleTasks(ctx context.Context, staleAfter time.Duration, now time.Time) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := now.Add(-staleAfter)

	_, err = tx.Exec(ctx, `
		WITH flipped AS (
			UPDATE recipient_tasks t SET status=$2, updated_at=$3
			FROM campaigns c
			WHERE t.campaign_id = c.id
			  AND t.status=$1 AND t.updated_at < $4
			  AND c.state IN ($5, $6, $7)
			RETURNING t.campaign_id
		)
		UPDATE campaigns SET cancelled_count = cancelled_count + f.n, updated_at=$3
		FROM (SELECT campaign_id, COUNT(*) AS n FROM flipped GROUP BY campaign_id) f
		WHERE campaigns.id = f.campaign_id
	`, domain.TaskSending, domain.TaskCancelled, now, cutoff,
		domain.StateCompleted, domain.StateFailed, domain.StateCancelled)
	if err != nil {
		return 0, err
	}

	ct, err := tx.Exec(ctx, `
		UPDATE recipient_tasks t SET status=$2, updated_at=$3
		FROM campaigns c
		WHERE t.campaign_id = c.id
		  AND t.status=$1 AND t.updated_at < $4
		  AND c.state IN ($5, $6)
	`, domain.TaskSending, domain.TaskPending, now, cutoff,
		domain.StatePending, domain.StateProcessing)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func scanTasks(rows pgx.Rows) ([]domain.RecipientTask, error) {
	var out []domain.RecipientTask
	for rows.Next() {
		var t domain.RecipientTask
		err := rows.Scan(&t.ID, &t.CampaignID, &t.Ordinal, &t.Target.Kind, &t.Target.Address,
			&t.Status, &t.Rendered, &t.FailureReason, &t.CompletedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
