package store

import (
	"context"
	"time"
)

// Gateway is the tenant-filtered CRUD facade every other component depends
// on (spec §4.1). The pgx/v5 implementation lives in postgres.go; a
// hand-written in-memory double for tests lives in memory.go — mirrors the
// teacher's NotificationRepository / pgNotificationRepository /
// MockNotificationRepository split.
type Gateway interface {
	// Workflow

	GetWorkflow(ctx context.Context, id uint64, tenant string) (*Workflow, error)
	GetWorkflowByKey(ctx context.Context, key, tenant string) (*Workflow, error)
	ListPublishedWorkflows(ctx context.Context, tenant string) ([]*Workflow, error)
	ListDynamicPublished(ctx context.Context, tenant string) ([]*Workflow, error)
	CreateWorkflow(ctx context.Context, w *Workflow) error
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	PublishWorkflow(ctx context.Context, id uint64, tenant string) error
	UnpublishWorkflow(ctx context.Context, id uint64, tenant string) error
	DeactivateWorkflow(ctx context.Context, id uint64, tenant string) error

	// NotificationRequest

	GetNotification(ctx context.Context, id uint64, tenant string) (*NotificationRequest, error)
	CreateNotification(ctx context.Context, n *NotificationRequest) (*NotificationRequest, error)
	BulkCreateNotifications(ctx context.Context, reqs []*NotificationRequest) ([]*NotificationRequest, error)
	// UpdateNotificationStatus is idempotent: setting the current status again
	// is a no-op that still refreshes updated_at per spec §4.1.
	UpdateNotificationStatus(ctx context.Context, id uint64, tenant string, status NotificationStatus, errDetails *string, transactionID *string) error
	// ClaimNotification performs a compare-and-swap status transition
	// (from -> to), the exactly-once dispatch guarantee behind Claim (C6
	// activity 1). Returns claimed=false without error if another worker
	// already claimed the row first.
	ClaimNotification(ctx context.Context, id uint64, tenant string, from, to NotificationStatus) (claimed bool, err error)
	ListByStatus(ctx context.Context, status NotificationStatus, tenant string, limit int) ([]*NotificationRequest, error)
	ListScheduledDue(ctx context.Context, now time.Time, limit int, tenantFilter string) ([]*NotificationRequest, error)
	ListChangesSince(ctx context.Context, cursor time.Time, limit int, tenantFilter string) ([]*NotificationRequest, error)

	// NotificationRule

	ListRules(ctx context.Context, tenant string) ([]*NotificationRule, error)
	GetRule(ctx context.Context, id uint64, tenant string) (*NotificationRule, error)
	UpdateRuleTimestamp(ctx context.Context, id uint64, tenant string) error

	Close()
}
