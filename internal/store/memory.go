package store

import (
	"context"
	"sync"
	"time"
)

// MemoryGateway is a hand-written, in-memory Gateway used in unit tests
// across the daemon's packages. No mock-generation library needed, mirroring
// the teacher's MockNotificationRepository.
type MemoryGateway struct {
	mu            sync.RWMutex
	workflows     map[uint64]*Workflow
	notifications map[uint64]*NotificationRequest
	rules         map[uint64]*NotificationRule
	nextWorkflow  uint64
	nextNotif     uint64

	// Optional error overrides — set in tests to simulate failure paths.
	CreateNotificationErr error
	ClaimErr              error
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		workflows:     make(map[uint64]*Workflow),
		notifications: make(map[uint64]*NotificationRequest),
		rules:         make(map[uint64]*NotificationRule),
	}
}

func (m *MemoryGateway) Close() {}

// SeedWorkflow and SeedRule let tests populate fixture rows directly,
// bypassing Create* so tenant assignment and IDs are test-controlled.
func (m *MemoryGateway) SeedWorkflow(w *Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *w
	m.workflows[w.ID] = &clone
	if w.ID >= m.nextWorkflow {
		m.nextWorkflow = w.ID + 1
	}
}

func (m *MemoryGateway) SeedRule(r *NotificationRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *r
	m.rules[r.ID] = &clone
}

// RemoveRule deletes a fixture rule outright, for tests exercising the
// reconciler's delete-stale-schedule path.
func (m *MemoryGateway) RemoveRule(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
}

func (m *MemoryGateway) GetWorkflow(_ context.Context, id uint64, tenant string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok || w.TenantID != tenant {
		return nil, nil
	}
	clone := *w
	return &clone, nil
}

func (m *MemoryGateway) GetWorkflowByKey(_ context.Context, key, tenant string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workflows {
		if w.TenantID == tenant && w.WorkflowKey == key {
			clone := *w
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryGateway) ListPublishedWorkflows(_ context.Context, tenant string) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, w := range m.workflows {
		if w.TenantID == tenant && w.Eligible() {
			clone := *w
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryGateway) ListDynamicPublished(_ context.Context, tenant string) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, w := range m.workflows {
		if w.TenantID == tenant && w.Kind == WorkflowKindDynamic && w.Eligible() {
			clone := *w
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryGateway) CreateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.workflows {
		if existing.TenantID == w.TenantID && existing.WorkflowKey == w.WorkflowKey {
			return NewConstraintError("workflow_key already exists for tenant", errDuplicateWorkflowKey)
		}
	}
	if w.ID == 0 {
		m.nextWorkflow++
		w.ID = m.nextWorkflow
	}
	clone := *w
	m.workflows[w.ID] = &clone
	return nil
}

func (m *MemoryGateway) UpdateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[w.ID]
	if !ok || existing.TenantID != w.TenantID {
		return nil
	}
	clone := *w
	clone.UpdatedAt = time.Now().UTC()
	m.workflows[w.ID] = &clone
	return nil
}

func (m *MemoryGateway) PublishWorkflow(_ context.Context, id uint64, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workflows[id]; ok && w.TenantID == tenant {
		w.PublishStatus = PublishStatusPublish
		w.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryGateway) UnpublishWorkflow(_ context.Context, id uint64, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workflows[id]; ok && w.TenantID == tenant {
		w.PublishStatus = PublishStatusDraft
		w.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryGateway) DeactivateWorkflow(_ context.Context, id uint64, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workflows[id]; ok && w.TenantID == tenant {
		w.Deactivated = true
		w.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryGateway) GetNotification(_ context.Context, id uint64, tenant string) (*NotificationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok || n.TenantID != tenant {
		return nil, nil
	}
	clone := *n
	return &clone, nil
}

func (m *MemoryGateway) CreateNotification(_ context.Context, n *NotificationRequest) (*NotificationRequest, error) {
	if m.CreateNotificationErr != nil {
		return nil, m.CreateNotificationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNotif++
	n.ID = m.nextNotif
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now
	clone := *n
	m.notifications[n.ID] = &clone
	return n, nil
}

func (m *MemoryGateway) BulkCreateNotifications(_ context.Context, reqs []*NotificationRequest) ([]*NotificationRequest, error) {
	if m.CreateNotificationErr != nil {
		return nil, m.CreateNotificationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, n := range reqs {
		m.nextNotif++
		n.ID = m.nextNotif
		n.CreatedAt = now
		n.UpdatedAt = now
		clone := *n
		m.notifications[n.ID] = &clone
	}
	return reqs, nil
}

func (m *MemoryGateway) UpdateNotificationStatus(
	_ context.Context, id uint64, tenant string, status NotificationStatus,
	errDetails *string, transactionID *string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.TenantID != tenant {
		return nil
	}
	n.Status = status
	if errDetails != nil {
		n.ErrorDetails = errDetails
	}
	if transactionID != nil {
		n.TransactionID = transactionID
	}
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryGateway) ClaimNotification(_ context.Context, id uint64, tenant string, from, to NotificationStatus) (bool, error) {
	if m.ClaimErr != nil {
		return false, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.TenantID != tenant || n.Status != from {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryGateway) ListByStatus(_ context.Context, status NotificationStatus, tenant string, limit int) ([]*NotificationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*NotificationRequest
	for _, n := range m.notifications {
		if n.TenantID == tenant && n.Status == status {
			clone := *n
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryGateway) ListScheduledDue(_ context.Context, now time.Time, limit int, tenantFilter string) ([]*NotificationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*NotificationRequest
	for _, n := range m.notifications {
		if tenantFilter != "" && n.TenantID != tenantFilter {
			continue
		}
		if n.Status == StatusPending && n.ScheduledFor != nil && !n.ScheduledFor.After(now) {
			clone := *n
			out = append(out, &clone)
		}
	}
	sortByScheduledFor(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryGateway) ListChangesSince(_ context.Context, cursor time.Time, limit int, tenantFilter string) ([]*NotificationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*NotificationRequest
	for _, n := range m.notifications {
		if !n.UpdatedAt.After(cursor) {
			continue
		}
		if n.Status != StatusPending && n.Status != StatusFailed {
			continue
		}
		if tenantFilter != "" && n.TenantID != tenantFilter {
			continue
		}
		clone := *n
		out = append(out, &clone)
	}
	sortByUpdatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryGateway) ListRules(_ context.Context, tenant string) ([]*NotificationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*NotificationRule
	for _, r := range m.rules {
		if tenant == "" || r.TenantID == tenant {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryGateway) GetRule(_ context.Context, id uint64, tenant string) (*NotificationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok || r.TenantID != tenant {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (m *MemoryGateway) UpdateRuleTimestamp(_ context.Context, id uint64, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok && r.TenantID == tenant {
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func sortByScheduledFor(rows []*NotificationRequest) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].ScheduledFor.Before(*rows[j-1].ScheduledFor); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func sortByUpdatedAt(rows []*NotificationRequest) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].UpdatedAt.Before(rows[j-1].UpdatedAt); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}
