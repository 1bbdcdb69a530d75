package store

import "time"

// Channel is a delivery modality a workflow can dispatch through.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
	ChannelChat  Channel = "CHAT"
)

// channelOrder is the fixed evaluation order the Dynamic Workflow Factory
// must walk, per spec §4.3.
var channelOrder = []Channel{ChannelEmail, ChannelInApp, ChannelSMS, ChannelPush, ChannelChat}

// ChannelOrder returns the fixed channel evaluation order.
func ChannelOrder() []Channel {
	out := make([]Channel, len(channelOrder))
	copy(out, channelOrder)
	return out
}

// IsValid reports whether c is one of the five recognized channels.
// "INAPP" is accepted as an alias and normalized by NormalizeChannel, not here.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelInApp, ChannelSMS, ChannelPush, ChannelChat:
		return true
	}
	return false
}

// NormalizeChannel accepts "INAPP" as an alias for IN_APP, per spec §4.3.
func NormalizeChannel(c Channel) Channel {
	if c == "INAPP" {
		return ChannelInApp
	}
	return c
}

// WorkflowKind distinguishes compiled-in definitions from stored ones.
type WorkflowKind string

const (
	WorkflowKindStatic  WorkflowKind = "STATIC"
	WorkflowKindDynamic WorkflowKind = "DYNAMIC"
)

// PublishStatus tracks whether a Workflow row is eligible for resolution.
type PublishStatus string

const (
	PublishStatusDraft   PublishStatus = "DRAFT"
	PublishStatusPublish PublishStatus = "PUBLISH"
)

// Workflow is the persisted recipe for turning a notification request into
// per-channel dispatches. See spec §3.
type Workflow struct {
	ID                uint64
	TenantID          string
	WorkflowKey       string
	Kind              WorkflowKind
	DefaultChannels   []Channel
	TemplateOverrides map[Channel]string
	PayloadSchema     []byte // opaque JSON-schema; never interpreted by the core
	PublishStatus     PublishStatus
	Deactivated       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Eligible reports whether this row may be resolved by the registry.
func (w *Workflow) Eligible() bool {
	return w.PublishStatus == PublishStatusPublish && !w.Deactivated
}

// NotificationStatus is the authoritative lifecycle state of an outbox row.
type NotificationStatus string

const (
	StatusPending    NotificationStatus = "PENDING"
	StatusProcessing NotificationStatus = "PROCESSING"
	StatusSent       NotificationStatus = "SENT"
	StatusFailed     NotificationStatus = "FAILED"
	StatusRetracted  NotificationStatus = "RETRACTED"
)

// NotificationRequest is the outbox row — the authoritative unit of work.
// See spec §3.
type NotificationRequest struct {
	ID             uint64
	TenantID       string
	WorkflowRef    uint64
	Recipients     []string
	Payload        map[string]any
	Overrides      map[string]any
	Status         NotificationStatus
	TransactionID  *string
	ErrorDetails   *string
	ScheduledFor   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NotificationRule is a scheduled trigger: cron spec + payload template that
// the Rule Reconciler (C7) materializes into an engine-side schedule.
type NotificationRule struct {
	ID              uint64
	TenantID        string
	WorkflowRef     uint64
	Cron            string
	Timezone        string
	Recipients      []string
	PayloadTemplate map[string]any
	Deactivated     bool
	UpdatedAt       time.Time
}

// WorkflowConfig is the in-memory projection of a dynamic Workflow row,
// built by the Dynamic Workflow Factory (C3) and validated before insertion
// into the Registry (C2).
type WorkflowConfig struct {
	WorkflowKey      string
	Kind             WorkflowKind
	Channels         []Channel
	EmailTemplateID  string
	InAppTemplateID  string
	SMSTemplateID    string
	PushTemplateID   string
	ChatTemplateID   string
	PayloadSchema    []byte
	Name             string
	Description      string
	Tags             []string
}

// TemplateID returns the configured template id for channel c, or "" if none.
func (wc *WorkflowConfig) TemplateID(c Channel) string {
	switch c {
	case ChannelEmail:
		return wc.EmailTemplateID
	case ChannelInApp:
		return wc.InAppTemplateID
	case ChannelSMS:
		return wc.SMSTemplateID
	case ChannelPush:
		return wc.PushTemplateID
	case ChannelChat:
		return wc.ChatTemplateID
	default:
		return ""
	}
}

// ListFilter narrows NotificationRequest listings. Mirrors the teacher's
// domain.ListFilter but tenant-scoped and status/cursor oriented instead of
// page/limit oriented, since every consumer here is a background sweep.
type ListFilter struct {
	TenantID string
	Statuses []NotificationStatus
	Limit    int
}
