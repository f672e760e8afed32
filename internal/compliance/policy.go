package compliance

import (
	"errors"
	"fmt"
	"time"
)

// TierConfig is the quota of one WhatsApp messaging tier.
type TierConfig struct {
	Level int `yaml:"level"`
	// DailyLimit caps business-initiated conversations per rolling 24h.
	// Zero means unlimited.
	DailyLimit int `yaml:"daily_limit"`
	// MinQuality is the quality score required to stay at this level.
	MinQuality float64 `yaml:"min_quality"`
}

// Policy holds the channel limits the engine enforces.
type Policy struct {
	Tiers []TierConfig `yaml:"tiers"`

	SessionWindow      time.Duration `yaml:"session_window"`
	TierWindow         time.Duration `yaml:"tier_window"`
	MarketingPerLead   int           `yaml:"marketing_per_lead"`
	MarketingWindow    time.Duration `yaml:"marketing_window"`
	EngagementValidity time.Duration `yaml:"engagement_validity"`
	InstagramDMLimit   int           `yaml:"instagram_dm_limit"`
	InstagramDMWindow  time.Duration `yaml:"instagram_dm_window"`
	SubscriptionLimit  int           `yaml:"subscription_limit"`
	SubscriptionWindow time.Duration `yaml:"subscription_window"`
}

// DefaultPolicy returns the published provider limits.
func DefaultPolicy() Policy {
	day := 24 * time.Hour
	return Policy{
		Tiers: []TierConfig{
			{Level: 0, DailyLimit: 1000, MinQuality: 0},
			{Level: 1, DailyLimit: 10000, MinQuality: 2.5},
			{Level: 2, DailyLimit: 100000, MinQuality: 3.0},
			{Level: 3, DailyLimit: 0, MinQuality: 3.5},
		},
		SessionWindow:      day,
		TierWindow:         day,
		MarketingPerLead:   2,
		MarketingWindow:    day,
		EngagementValidity: day,
		InstagramDMLimit:   200,
		InstagramDMWindow:  time.Hour,
		SubscriptionLimit:  1,
		SubscriptionWindow: day,
	}
}

// Validate checks that tiers are contiguous from 0 and windows are positive.
func (p Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return errors.New("policy: at least one tier is required")
	}
	for i, t := range p.Tiers {
		if t.Level != i {
			return fmt.Errorf("policy: tier %d listed at position %d", t.Level, i)
		}
		if t.MinQuality < 0 || t.MinQuality > 5 {
			return fmt.Errorf("policy: tier %d min_quality %.2f out of range", t.Level, t.MinQuality)
		}
		if t.DailyLimit < 0 {
			return fmt.Errorf("policy: tier %d daily_limit is negative", t.Level)
		}
	}
	windows := map[string]time.Duration{
		"session_window":      p.SessionWindow,
		"tier_window":         p.TierWindow,
		"marketing_window":    p.MarketingWindow,
		"engagement_validity": p.EngagementValidity,
		"instagram_dm_window": p.InstagramDMWindow,
		"subscription_window": p.SubscriptionWindow,
	}
	for name, d := range windows {
		if d <= 0 {
			return fmt.Errorf("policy: %s must be positive", name)
		}
	}
	return nil
}

// tier returns the config for level, clamped to the table.
func (p Policy) tier(level int) TierConfig {
	if level < 0 {
		level = 0
	}
	if level >= len(p.Tiers) {
		level = len(p.Tiers) - 1
	}
	return p.Tiers[level]
}
