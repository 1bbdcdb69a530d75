package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgGateway is the PostgreSQL-backed Gateway. Every query is prefixed with
// the dedicated "notifyhub" schema. Every per-row read and write filters on
// tenant_id; ListScheduledDue, ListChangesSince and ListRules filter on it
// only when given a non-empty tenant.
type pgGateway struct {
	pool *pgxpool.Pool
}

// NewPostgresGateway wraps an existing pgxpool.Pool. Connecting and running
// migrations is the caller's responsibility (see cmd/daemon/main.go), the
// same separation of concerns the teacher's internal/db package uses.
func NewPostgresGateway(pool *pgxpool.Pool) Gateway {
	return &pgGateway{pool: pool}
}

func (g *pgGateway) Close() { g.pool.Close() }

func (g *pgGateway) GetWorkflow(ctx context.Context, id uint64, tenant string) (*Workflow, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, tenant_id, workflow_key, kind, default_channels, template_overrides,
		       payload_schema, publish_status, deactivated, created_at, updated_at
		FROM notifyhub.workflows WHERE id = $1 AND tenant_id = $2`, id, tenant)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewTransientError("get workflow", err)
	}
	return w, nil
}

func (g *pgGateway) GetWorkflowByKey(ctx context.Context, key, tenant string) (*Workflow, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, tenant_id, workflow_key, kind, default_channels, template_overrides,
		       payload_schema, publish_status, deactivated, created_at, updated_at
		FROM notifyhub.workflows WHERE workflow_key = $1 AND tenant_id = $2`, key, tenant)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewTransientError("get workflow by key", err)
	}
	return w, nil
}

func (g *pgGateway) ListPublishedWorkflows(ctx context.Context, tenant string) ([]*Workflow, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, tenant_id, workflow_key, kind, default_channels, template_overrides,
		       payload_schema, publish_status, deactivated, created_at, updated_at
		FROM notifyhub.workflows
		WHERE tenant_id = $1 AND publish_status = 'PUBLISH' AND deactivated = false`, tenant)
	if err != nil {
		return nil, NewTransientError("list published workflows", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (g *pgGateway) ListDynamicPublished(ctx context.Context, tenant string) ([]*Workflow, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, tenant_id, workflow_key, kind, default_channels, template_overrides,
		       payload_schema, publish_status, deactivated, created_at, updated_at
		FROM notifyhub.workflows
		WHERE tenant_id = $1 AND kind = 'DYNAMIC'
		  AND publish_status = 'PUBLISH' AND deactivated = false`, tenant)
	if err != nil {
		return nil, NewTransientError("list dynamic published workflows", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (g *pgGateway) CreateWorkflow(ctx context.Context, w *Workflow) error {
	channels := channelsToStrings(w.DefaultChannels)
	overrides, err := json.Marshal(w.TemplateOverrides)
	if err != nil {
		return fmt.Errorf("marshal template overrides: %w", err)
	}
	_, err = g.pool.Exec(ctx, `
		INSERT INTO notifyhub.workflows
			(id, tenant_id, workflow_key, kind, default_channels, template_overrides,
			 payload_schema, publish_status, deactivated, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		w.ID, w.TenantID, w.WorkflowKey, w.Kind, channels, overrides,
		w.PayloadSchema, w.PublishStatus, w.Deactivated, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "workflow_key") {
			return NewConstraintError("workflow_key already exists for tenant", err)
		}
		return NewTransientError("create workflow", err)
	}
	return nil
}

func (g *pgGateway) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	channels := channelsToStrings(w.DefaultChannels)
	overrides, err := json.Marshal(w.TemplateOverrides)
	if err != nil {
		return fmt.Errorf("marshal template overrides: %w", err)
	}
	_, err = g.pool.Exec(ctx, `
		UPDATE notifyhub.workflows
		SET default_channels = $1, template_overrides = $2, payload_schema = $3, updated_at = now()
		WHERE id = $4 AND tenant_id = $5`,
		channels, overrides, w.PayloadSchema, w.ID, w.TenantID,
	)
	if err != nil {
		return NewTransientError("update workflow", err)
	}
	return nil
}

func (g *pgGateway) PublishWorkflow(ctx context.Context, id uint64, tenant string) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE notifyhub.workflows SET publish_status = 'PUBLISH', updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, id, tenant)
	if err != nil {
		return NewTransientError("publish workflow", err)
	}
	return nil
}

func (g *pgGateway) UnpublishWorkflow(ctx context.Context, id uint64, tenant string) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE notifyhub.workflows SET publish_status = 'DRAFT', updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, id, tenant)
	if err != nil {
		return NewTransientError("unpublish workflow", err)
	}
	return nil
}

func (g *pgGateway) DeactivateWorkflow(ctx context.Context, id uint64, tenant string) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE notifyhub.workflows SET deactivated = true, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, id, tenant)
	if err != nil {
		return NewTransientError("deactivate workflow", err)
	}
	return nil
}

func (g *pgGateway) GetNotification(ctx context.Context, id uint64, tenant string) (*NotificationRequest, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, tenant_id, workflow_ref, recipients, payload, overrides, status,
		       transaction_id, error_details, scheduled_for, created_at, updated_at
		FROM notifyhub.notifications WHERE id = $1 AND tenant_id = $2`, id, tenant)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewTransientError("get notification", err)
	}
	return n, nil
}

func (g *pgGateway) CreateNotification(ctx context.Context, n *NotificationRequest) (*NotificationRequest, error) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var overrides []byte
	if n.Overrides != nil {
		if overrides, err = json.Marshal(n.Overrides); err != nil {
			return nil, fmt.Errorf("marshal overrides: %w", err)
		}
	}
	err = g.pool.QueryRow(ctx, `
		INSERT INTO notifyhub.notifications
			(tenant_id, workflow_ref, recipients, payload, overrides, status, scheduled_for, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		RETURNING id, created_at, updated_at`,
		n.TenantID, n.WorkflowRef, n.Recipients, payload, overrides, n.Status, n.ScheduledFor,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, NewTransientError("create notification", err)
	}
	return n, nil
}

// BulkCreateNotifications inserts all rows inside a single transaction —
// all-or-nothing, per spec §4.1 — mirroring the teacher's CreateBatch.
func (g *pgGateway) BulkCreateNotifications(ctx context.Context, reqs []*NotificationRequest) ([]*NotificationRequest, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, NewTransientError("begin bulk create", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, n := range reqs {
		payload, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		var overrides []byte
		if n.Overrides != nil {
			if overrides, err = json.Marshal(n.Overrides); err != nil {
				return nil, fmt.Errorf("marshal overrides: %w", err)
			}
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO notifyhub.notifications
				(tenant_id, workflow_ref, recipients, payload, overrides, status, scheduled_for, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
			RETURNING id, created_at, updated_at`,
			n.TenantID, n.WorkflowRef, n.Recipients, payload, overrides, n.Status, n.ScheduledFor,
		).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
		if err != nil {
			return nil, NewTransientError("bulk create notification", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, NewTransientError("commit bulk create", err)
	}
	return reqs, nil
}

// UpdateNotificationStatus is idempotent: writing the same status again is a
// no-op on the status column but still advances updated_at, per spec §4.1.
func (g *pgGateway) UpdateNotificationStatus(
	ctx context.Context, id uint64, tenant string, status NotificationStatus,
	errDetails *string, transactionID *string,
) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE notifyhub.notifications
		SET status = $1, error_details = $2, transaction_id = COALESCE($3, transaction_id), updated_at = now()
		WHERE id = $4 AND tenant_id = $5`,
		status, errDetails, transactionID, id, tenant,
	)
	if err != nil {
		return NewTransientError("update notification status", err)
	}
	return nil
}

// ClaimNotification issues a single UPDATE ... WHERE status = $from, relying
// on Postgres row-level locking to guarantee exactly one caller observes
// RowsAffected() == 1 when two workers race the same row.
func (g *pgGateway) ClaimNotification(ctx context.Context, id uint64, tenant string, from, to NotificationStatus) (bool, error) {
	tag, err := g.pool.Exec(ctx, `
		UPDATE notifyhub.notifications
		SET status = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status = $4`,
		to, id, tenant, from,
	)
	if err != nil {
		return false, NewTransientError("claim notification", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (g *pgGateway) ListByStatus(ctx context.Context, status NotificationStatus, tenant string, limit int) ([]*NotificationRequest, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, tenant_id, workflow_ref, recipients, payload, overrides, status,
		       transaction_id, error_details, scheduled_for, created_at, updated_at
		FROM notifyhub.notifications
		WHERE status = $1 AND tenant_id = $2
		ORDER BY updated_at ASC LIMIT $3`, status, tenant, limit)
	if err != nil {
		return nil, NewTransientError("list by status", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListScheduledDue returns PENDING rows whose scheduled_for has arrived,
// ordered by scheduled_for ascending, per spec §4.1. scheduled_for = now is
// included (boundary behaviour §8).
func (g *pgGateway) ListScheduledDue(ctx context.Context, now time.Time, limit int, tenantFilter string) ([]*NotificationRequest, error) {
	query := `
		SELECT id, tenant_id, workflow_ref, recipients, payload, overrides, status,
		       transaction_id, error_details, scheduled_for, created_at, updated_at
		FROM notifyhub.notifications
		WHERE status = 'PENDING' AND scheduled_for IS NOT NULL AND scheduled_for <= $1`
	args := []any{now}
	if tenantFilter != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantFilter)
	}
	query += fmt.Sprintf(" ORDER BY scheduled_for ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewTransientError("list scheduled due", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListChangesSince feeds the catch-up sweep (C5): rows whose updated_at has
// advanced past cursor, restricted to PENDING/FAILED, ordered ascending so
// the caller can advance its cursor to the last row's updated_at.
func (g *pgGateway) ListChangesSince(ctx context.Context, cursor time.Time, limit int, tenantFilter string) ([]*NotificationRequest, error) {
	query := `
		SELECT id, tenant_id, workflow_ref, recipients, payload, overrides, status,
		       transaction_id, error_details, scheduled_for, created_at, updated_at
		FROM notifyhub.notifications
		WHERE updated_at > $1 AND status IN ('PENDING', 'FAILED')`
	args := []any{cursor}
	if tenantFilter != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantFilter)
	}
	query += fmt.Sprintf(" ORDER BY updated_at ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewTransientError("list changes since", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (g *pgGateway) ListRules(ctx context.Context, tenant string) ([]*NotificationRule, error) {
	query := `
		SELECT id, tenant_id, workflow_ref, trigger_config, recipients, payload_template, deactivated, updated_at
		FROM notifyhub.rules`
	var args []any
	if tenant != "" {
		query += " WHERE tenant_id = $1"
		args = append(args, tenant)
	}
	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewTransientError("list rules", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (g *pgGateway) GetRule(ctx context.Context, id uint64, tenant string) (*NotificationRule, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, tenant_id, workflow_ref, trigger_config, recipients, payload_template, deactivated, updated_at
		FROM notifyhub.rules WHERE id = $1 AND tenant_id = $2`, id, tenant)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewTransientError("get rule", err)
	}
	return r, nil
}

func (g *pgGateway) UpdateRuleTimestamp(ctx context.Context, id uint64, tenant string) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE notifyhub.rules SET updated_at = now() WHERE id = $1 AND tenant_id = $2`, id, tenant)
	if err != nil {
		return NewTransientError("update rule timestamp", err)
	}
	return nil
}

// ---- scan helpers ----

type triggerConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var w Workflow
	var channels []string
	var overrides []byte
	if err := row.Scan(
		&w.ID, &w.TenantID, &w.WorkflowKey, &w.Kind, &channels, &overrides,
		&w.PayloadSchema, &w.PublishStatus, &w.Deactivated, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.DefaultChannels = stringsToChannels(channels)
	w.TemplateOverrides = map[Channel]string{}
	if len(overrides) > 0 {
		var raw map[string]string
		if err := json.Unmarshal(overrides, &raw); err != nil {
			return nil, fmt.Errorf("decode template_overrides: %w", err)
		}
		for k, v := range raw {
			w.TemplateOverrides[Channel(k)] = v
		}
	}
	return &w, nil
}

func scanWorkflows(rows pgx.Rows) ([]*Workflow, error) {
	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanNotification(row pgx.Row) (*NotificationRequest, error) {
	var n NotificationRequest
	var payload, overrides []byte
	if err := row.Scan(
		&n.ID, &n.TenantID, &n.WorkflowRef, &n.Recipients, &payload, &overrides, &n.Status,
		&n.TransactionID, &n.ErrorDetails, &n.ScheduledFor, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &n.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*NotificationRequest, error) {
	var out []*NotificationRequest
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanRule(row pgx.Row) (*NotificationRule, error) {
	var r NotificationRule
	var trigger, payloadTemplate []byte
	if err := row.Scan(
		&r.ID, &r.TenantID, &r.WorkflowRef, &trigger, &r.Recipients, &payloadTemplate, &r.Deactivated, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var tc triggerConfig
	if err := json.Unmarshal(trigger, &tc); err != nil {
		return nil, fmt.Errorf("decode trigger_config: %w", err)
	}
	r.Cron = tc.Cron
	r.Timezone = tc.Timezone
	if len(payloadTemplate) > 0 {
		if err := json.Unmarshal(payloadTemplate, &r.PayloadTemplate); err != nil {
			return nil, fmt.Errorf("decode payload_template: %w", err)
		}
	}
	return &r, nil
}

func scanRules(rows pgx.Rows) ([]*NotificationRule, error) {
	var out []*NotificationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func channelsToStrings(cs []Channel) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func stringsToChannels(ss []string) []Channel {
	out := make([]Channel, len(ss))
	for i, s := range ss {
		out[i] = Channel(s)
	}
	return out
}
