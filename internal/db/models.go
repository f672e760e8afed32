package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel constants
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelInstagram = "instagram"
	ChannelFacebook  = "facebook"
)

// Send intent constants
const (
	IntentFreeform     = "freeform"
	IntentTemplate     = "template"
	IntentEngagementDM = "engagement_dm"
	IntentSubscription = "subscription_message"
)

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusSent      = "sent"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Template category constants
const (
	TemplateCategoryMarketing      = "marketing"
	TemplateCategoryUtility        = "utility"
	TemplateCategoryAuthentication = "authentication"
)

// Template status constants
const (
	TemplateStatusApproved = "approved"
	TemplateStatusPending  = "pending"
	TemplateStatusRejected = "rejected"
)

// Lead is a customer contact owned by a tenant, reachable on one or more channels.
type Lead struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	Phone             string     `json:"phone,omitempty"`
	InstagramUserID   string     `json:"instagram_user_id,omitempty"`
	FacebookPSID      string     `json:"facebook_psid,omitempty"`
	AssignedTo        *uuid.UUID `json:"assigned_to,omitempty"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
	SubscriptionOptIn bool       `json:"subscription_opt_in"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Recipient returns the provider-side address of the lead for a channel.
func (l *Lead) Recipient(channel string) string {
	switch channel {
	case ChannelWhatsApp:
		return l.Phone
	case ChannelInstagram:
		return l.InstagramUserID
	case ChannelFacebook:
		return l.FacebookPSID
	default:
		return ""
	}
}

// ConversationWindow tracks the last customer-initiated message per (tenant, lead, channel).
type ConversationWindow struct {
	TenantID      uuid.UUID  `json:"tenant_id"`
	LeadID        uuid.UUID  `json:"lead_id"`
	Channel       string     `json:"channel"`
	LastInboundAt *time.Time `json:"last_inbound_at,omitempty"`
}

// MessagingTier is the WhatsApp quota level of a tenant.
type MessagingTier struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	TierLevel    int       `json:"tier_level"`
	QualityScore float64   `json:"quality_score"`
	Verified     bool      `json:"verified"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EngagementTrigger is a qualifying Instagram action that authorizes a business DM.
type EngagementTrigger struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	LeadID     uuid.UUID `json:"lead_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Template is a provider-registered message template of a tenant.
type Template struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Status   string    `json:"status"`
}

// ScheduledJob is a deferred send waiting in the dispatch queue.
//
// A job is claimed by setting ClaimedBy/ClaimedUntil while its status stays
// pending; an expired claim can be taken over by another worker.
type ScheduledJob struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	LeadID            uuid.UUID       `json:"lead_id"`
	Channel           string          `json:"channel"`
	Intent            string          `json:"intent"`
	Payload           json.RawMessage `json:"payload"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	Status            string          `json:"status"`
	LastError         *string         `json:"last_error,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	ClaimedBy         *string         `json:"claimed_by,omitempty"`
	ClaimedUntil      *time.Time      `json:"claimed_until,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// JobPayload is the channel-agnostic content of a scheduled send.
type JobPayload struct {
	Text         string            `json:"text,omitempty"`
	TemplateName string            `json:"template_name,omitempty"`
	Language     string            `json:"language,omitempty"`
	Params       []string          `json:"params,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AuditRecord is an immutable, hash-sealed entry of the audit trail.
//
// Hash covers every field except ID and Annotations. Annotations are the
// only part of a record that may change after insertion.
type AuditRecord struct {
	ID          uuid.UUID         `json:"id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	ActorID     string            `json:"actor_id"`
	EventType   string            `json:"event_type"`
	ResourceID  string            `json:"resource_id"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	PrevHash    string            `json:"prev_hash"`
	Hash        string            `json:"hash"`
	Annotations map[string]string `json:"annotations,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
