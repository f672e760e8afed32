package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"

	"github.com/lalithlochan/courier/internal/compliance"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// AWS services. AWSEndpoint points every client at LocalStack when set.
	AWSRegion      string
	AWSEndpoint    string
	SQSInboundURL  string // inbound channel events
	SQSOutcomeURL  string // dispatch outcomes
	SNSTopicARN    string // tier change events
	SESFromEmail   string
	SESAdminEmails []string

	// Meta Graph API
	GraphBaseURL       string
	GraphVersion       string
	GraphAccessToken   string
	WhatsAppPhoneID    string
	InstagramAccountID string
	FacebookPageID     string
	ProviderRate       float64 // requests per second per channel, 0 disables pacing
	ProviderBurst      int

	// Dispatch
	WorkerID             string
	DispatchPollInterval time.Duration
	DispatchBatchSize    int
	DispatchLease        time.Duration
	DispatchConcurrency  int
	DispatchClaimMode    string // "native" (skip-locked) or "lock"

	// Resilience
	SendTimeout           time.Duration
	RetryMaxRetries       int
	RetryInitialDelay     time.Duration
	RetryMaxDelay         time.Duration
	CircuitErrorThreshold float64
	CircuitWindowSize     int
	CircuitResetTimeout   time.Duration

	// Audit
	AuditBufferSize     int
	AuditVerifySchedule string // cron spec, empty disables the sweep
	AuditVerifyLimit    int

	// HTTP rate limit per tenant
	APIRateLimit  int
	APIRateWindow time.Duration

	PolicyFile string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPoolSize: 10,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",

		GraphBaseURL:  "https://graph.facebook.com",
		GraphVersion:  "v20.0",
		ProviderRate:  20,
		ProviderBurst: 10,

		DispatchPollInterval: 5 * time.Second,
		DispatchBatchSize:    25,
		DispatchLease:        2 * time.Minute,
		DispatchConcurrency:  4,
		DispatchClaimMode:    "native",

		SendTimeout:           15 * time.Second,
		RetryMaxRetries:       3,
		RetryInitialDelay:     200 * time.Millisecond,
		RetryMaxDelay:         5 * time.Second,
		CircuitErrorThreshold: 50,
		CircuitWindowSize:     20,
		CircuitResetTimeout:   30 * time.Second,

		AuditBufferSize:     1024,
		AuditVerifySchedule: "@every 1h",
		AuditVerifyLimit:    10000,

		APIRateLimit:  100,
		APIRateWindow: time.Minute,
	}

	e := &env{}
	e.intVar("PORT", &cfg.Port)
	e.strVar("LOG_LEVEL", &cfg.LogLevel)
	e.strVar("ENV", &cfg.Env)

	// Database config
	e.strVar("DB_HOST", &cfg.DBHost)
	e.intVar("DB_PORT", &cfg.DBPort)
	e.strVar("DB_USER", &cfg.DBUser)
	e.strVar("DB_PASSWORD", &cfg.DBPassword)
	e.strVar("DB_NAME", &cfg.DBName)
	e.strVar("DB_SSLMODE", &cfg.DBSSLMode)

	// Redis config
	e.strVar("REDIS_HOST", &cfg.RedisHost)
	e.intVar("REDIS_PORT", &cfg.RedisPort)
	e.strVar("REDIS_PASSWORD", &cfg.RedisPassword)
	e.intVar("REDIS_DB", &cfg.RedisDB)
	e.intVar("REDIS_POOL_SIZE", &cfg.RedisPoolSize)

	e.strVar("AWS_REGION", &cfg.AWSRegion)
	e.strVar("AWS_ENDPOINT", &cfg.AWSEndpoint)
	e.strVar("SQS_INBOUND_QUEUE_URL", &cfg.SQSInboundURL)
	e.strVar("SQS_OUTCOME_QUEUE_URL", &cfg.SQSOutcomeURL)
	e.strVar("SNS_TOPIC_ARN", &cfg.SNSTopicARN)
	e.strVar("SES_FROM_EMAIL", &cfg.SESFromEmail)
	e.listVar("SES_ADMIN_EMAILS", &cfg.SESAdminEmails)

	e.strVar("GRAPH_BASE_URL", &cfg.GraphBaseURL)
	e.strVar("GRAPH_API_VERSION", &cfg.GraphVersion)
	e.strVar("GRAPH_ACCESS_TOKEN", &cfg.GraphAccessToken)
	e.strVar("WHATSAPP_PHONE_NUMBER_ID", &cfg.WhatsAppPhoneID)
	e.strVar("INSTAGRAM_ACCOUNT_ID", &cfg.InstagramAccountID)
	e.strVar("FACEBOOK_PAGE_ID", &cfg.FacebookPageID)
	e.floatVar("PROVIDER_RATE_PER_SECOND", &cfg.ProviderRate)
	e.intVar("PROVIDER_BURST", &cfg.ProviderBurst)

	e.strVar("WORKER_ID", &cfg.WorkerID)
	e.durationVar("DISPATCH_POLL_INTERVAL", &cfg.DispatchPollInterval)
	e.intVar("DISPATCH_BATCH_SIZE", &cfg.DispatchBatchSize)
	e.durationVar("DISPATCH_LEASE", &cfg.DispatchLease)
	e.intVar("DISPATCH_CONCURRENCY", &cfg.DispatchConcurrency)
	e.strVar("DISPATCH_CLAIM_MODE", &cfg.DispatchClaimMode)

	e.durationVar("SEND_TIMEOUT", &cfg.SendTimeout)
	e.intVar("RETRY_MAX_RETRIES", &cfg.RetryMaxRetries)
	e.durationVar("RETRY_INITIAL_DELAY", &cfg.RetryInitialDelay)
	e.durationVar("RETRY_MAX_DELAY", &cfg.RetryMaxDelay)
	e.floatVar("CIRCUIT_ERROR_THRESHOLD_PERCENT", &cfg.CircuitErrorThreshold)
	e.intVar("CIRCUIT_WINDOW_SIZE", &cfg.CircuitWindowSize)
	e.durationVar("CIRCUIT_RESET_TIMEOUT", &cfg.CircuitResetTimeout)

	e.intVar("AUDIT_BUFFER_SIZE", &cfg.AuditBufferSize)
	e.strVar("AUDIT_VERIFY_SCHEDULE", &cfg.AuditVerifySchedule)
	e.intVar("AUDIT_VERIFY_LIMIT", &cfg.AuditVerifyLimit)

	e.intVar("API_RATE_LIMIT", &cfg.APIRateLimit)
	e.durationVar("API_RATE_WINDOW", &cfg.APIRateWindow)

	e.strVar("COMPLIANCE_POLICY_FILE", &cfg.PolicyFile)

	if e.err != nil {
		return nil, e.err
	}

	switch cfg.DispatchClaimMode {
	case "native", "lock":
	default:
		return nil, fmt.Errorf("invalid DISPATCH_CLAIM_MODE %q: want native or lock", cfg.DispatchClaimMode)
	}
	return cfg, nil
}

// env collects the first parse error so Load reads like a flat list.
type env struct {
	err error
}

func (e *env) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v := os.Getenv(key)
	return v, v != ""
}

func (e *env) strVar(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *env) listVar(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (e *env) intVar(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = n
	}
}

func (e *env) floatVar(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = f
	}
}

func (e *env) durationVar(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = d
	}
}

// policyFile is the YAML layout of a policy override. Durations are Go
// duration strings ("24h", "90m"); omitted keys keep their defaults.
type policyFile struct {
	Tiers              []compliance.TierConfig `yaml:"tiers"`
	SessionWindow      string                  `yaml:"session_window"`
	TierWindow         string                  `yaml:"tier_window"`
	MarketingPerLead   *int                    `yaml:"marketing_per_lead"`
	MarketingWindow    string                  `yaml:"marketing_window"`
	EngagementValidity string                  `yaml:"engagement_validity"`
	InstagramDMLimit   *int                    `yaml:"instagram_dm_limit"`
	InstagramDMWindow  string                  `yaml:"instagram_dm_window"`
	SubscriptionLimit  *int                    `yaml:"subscription_limit"`
	SubscriptionWindow string                  `yaml:"subscription_window"`
}

// LoadPolicy returns the default compliance policy with the overrides in
// path applied. An empty path returns the defaults.
func LoadPolicy(path string) (compliance.Policy, error) {
	policy := compliance.DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy applies a YAML override document to the default policy.
func ParsePolicy(data []byte) (compliance.Policy, error) {
	policy := compliance.DefaultPolicy()

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return policy, fmt.Errorf("parse policy file: %w", err)
	}

	if len(f.Tiers) > 0 {
		policy.Tiers = f.Tiers
	}
	durations := []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"session_window", f.SessionWindow, &policy.SessionWindow},
		{"tier_window", f.TierWindow, &policy.TierWindow},
		{"marketing_window", f.MarketingWindow, &policy.MarketingWindow},
		{"engagement_validity", f.EngagementValidity, &policy.EngagementValidity},
		{"instagram_dm_window", f.InstagramDMWindow, &policy.InstagramDMWindow},
		{"subscription_window", f.SubscriptionWindow, &policy.SubscriptionWindow},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return policy, fmt.Errorf("policy %s: %w", d.key, err)
		}
		*d.dst = v
	}
	limits := []struct {
		src *int
		dst *int
	}{
		{f.MarketingPerLead, &policy.MarketingPerLead},
		{f.InstagramDMLimit, &policy.InstagramDMLimit},
		{f.SubscriptionLimit, &policy.SubscriptionLimit},
	}
	for _, l := range limits {
		if l.src != nil {
			*l.dst = *l.src
		}
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}
