package compliance

import (
	"fmt"
	"time"
)

// Reason explains a decision.
type Reason string

const (
	ReasonAllowed             Reason = "allowed"
	ReasonNoSession           Reason = "no_session"
	ReasonSessionExpired      Reason = "session_expired"
	ReasonTemplateRequired    Reason = "template_required"
	ReasonTemplateNotApproved Reason = "template_not_approved"
	ReasonUnverified          Reason = "business_unverified"
	ReasonQualityTooLow       Reason = "quality_too_low"
	ReasonTierLimit           Reason = "tier_limit_reached"
	ReasonMarketingLimit      Reason = "marketing_limit_reached"
	ReasonNoEngagement        Reason = "no_engagement_trigger"
	ReasonEngagementExpired   Reason = "engagement_expired"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonNoOptIn             Reason = "no_subscription_opt_in"
	ReasonSubscriptionLimit   Reason = "subscription_limit_reached"
	ReasonUnsupported         Reason = "unsupported_intent"
)

// Remediation hints returned with denials.
const (
	RemediationUseTemplate     = "use_template"
	RemediationWait            = "wait_until_next_allowed"
	RemediationApproveTemplate = "register_approved_template"
	RemediationVerify          = "complete_business_verification"
	RemediationImproveQuality  = "improve_quality_rating"
	RemediationAwaitEngagement = "await_engagement"
	RemediationRequestOptIn    = "request_subscription_opt_in"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed            bool       `json:"allowed"`
	Channel            string     `json:"channel"`
	Intent             string     `json:"intent"`
	Reason             Reason     `json:"reason"`
	Message            string     `json:"message"`
	Remediation        string     `json:"remediation,omitempty"`
	RequiresTemplate   bool       `json:"requires_template,omitempty"`
	RequiresEngagement bool       `json:"requires_engagement,omitempty"`
	HoursExpired       float64    `json:"hours_expired,omitempty"`
	Tier               *int       `json:"tier,omitempty"`
	Limit              int        `json:"limit,omitempty"`
	Current            int        `json:"current,omitempty"`
	NextAllowedAt      *time.Time `json:"next_allowed_at,omitempty"`
	// WindowClosedAt is when an expired conversation window closed. The
	// window reopens only on a new inbound message, so NextAllowedAt stays
	// unset for session denials.
	WindowClosedAt *time.Time `json:"window_closed_at,omitempty"`

	// charges are the rate budget events a send under this decision consumes.
	charges []charge
}

type charge struct {
	key    string
	window time.Duration
}

// Err returns a *DeniedError for denials and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}

// DeniedError is returned when a send is refused by policy. It is never
// retried automatically.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("compliance denied (%s): %s", e.Decision.Reason, e.Decision.Message)
}

func allow(channel, intent string, charges ...charge) Decision {
	return Decision{
		Allowed: true,
		Channel: channel,
		Intent:  intent,
		Reason:  ReasonAllowed,
		Message: "send permitted",
		charges: charges,
	}
}

func deny(channel, intent string, reason Reason, msg string) Decision {
	return Decision{
		Channel: channel,
		Intent:  intent,
		Reason:  reason,
		Message: msg,
	}
}

func ptr[T any](v T) *T { return &v }
