package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/linnemanlabs/herald/internal/workflow"
)

// Config holds the application flags. go-core packages (http server, log,
// ops, tracing, profiling) register their own.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	ClaudeAPIKey          string
	ClaudeModel           string
	DatabaseURL           string
	RedisURL              string
	SlackWebhookURL       string
	StatusFeedOrigins     string

	SMTPListenAddr string
	SMTPDomain     string
	SMTPRelayAddr  string
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPStartTLS   bool
	BlockedSenders string

	UrgentTimeout           time.Duration
	UrgencyThreshold        int
	RetryMaxAttempts        int
	RetryInitialBackoff     time.Duration
	RetryMaxBackoff         time.Duration
	MaxConcurrentScoring    int
	MaxConcurrentDrafting   int
	MaxConcurrentApprovals  int
	MaxConcurrentDeliveries int
	ApprovalPollInterval    time.Duration
	ApprovalPollRate        float64
	SourcePollInterval      time.Duration
	AdmissionRetention      time.Duration
	ShutdownPolicy          string
	SubjectPrefix           string
	ResponseTone            string
	MaxResponseWords        int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 routes")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude scorer and drafter")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for admission and the SMTP delivery ledger (overrides the Postgres admitter)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for approval and outcome notifications")
	fs.StringVar(&c.StatusFeedOrigins, "status-feed-origins", "", "comma-separated browser origins allowed on the status websocket (empty = any)")

	fs.StringVar(&c.SMTPListenAddr, "smtp-listen-addr", ":2525", "inbound SMTP listen address (empty disables the listener)")
	fs.StringVar(&c.SMTPDomain, "smtp-domain", "localhost", "recipient domain accepted by the inbound listener")
	fs.StringVar(&c.SMTPRelayAddr, "smtp-relay-addr", "", "outbound SMTP relay host:port")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "username for PLAIN auth to the relay")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "password for PLAIN auth to the relay")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "From address on outbound replies")
	fs.BoolVar(&c.SMTPStartTLS, "smtp-starttls", true, "require STARTTLS on the outbound relay connection")
	fs.StringVar(&c.BlockedSenders, "blocked-senders", "", "comma-separated addresses or @domains rejected at MAIL FROM")

	fs.DurationVar(&c.UrgentTimeout, "urgent-timeout", 10*time.Minute, "approval deadline before the fallback notice is sent")
	fs.IntVar(&c.UrgencyThreshold, "urgency-threshold", 4, "lowest score routed as urgent (2..5)")
	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", 3, "attempts per collaborator call (1..20)")
	fs.DurationVar(&c.RetryInitialBackoff, "retry-initial-backoff", 500*time.Millisecond, "first retry delay")
	fs.DurationVar(&c.RetryMaxBackoff, "retry-max-backoff", 30*time.Second, "retry delay ceiling")
	fs.IntVar(&c.MaxConcurrentScoring, "max-concurrent-scoring", 8, "concurrent scorer calls")
	fs.IntVar(&c.MaxConcurrentDrafting, "max-concurrent-drafting", 4, "concurrent drafter calls")
	fs.IntVar(&c.MaxConcurrentApprovals, "max-concurrent-approvals", 4, "concurrent approval channel calls")
	fs.IntVar(&c.MaxConcurrentDeliveries, "max-concurrent-deliveries", 4, "concurrent sink calls")
	fs.DurationVar(&c.ApprovalPollInterval, "approval-poll-interval", 5*time.Second, "interval between approval polls")
	fs.Float64Var(&c.ApprovalPollRate, "approval-poll-rate", 20, "approval polls per second across all records")
	fs.DurationVar(&c.SourcePollInterval, "source-poll-interval", 30*time.Second, "interval between source polls")
	fs.DurationVar(&c.AdmissionRetention, "admission-retention", 168*time.Hour, "how long admitted message ids are remembered")
	fs.StringVar(&c.ShutdownPolicy, "shutdown-policy", "fail", "in-flight records on shutdown: fail or persist")
	fs.StringVar(&c.SubjectPrefix, "subject-prefix", workflow.DefaultSubjectPrefix, "prefix added to reply subjects")
	fs.StringVar(&c.ResponseTone, "response-tone", "professional", "tone of drafted replies")
	fs.IntVar(&c.MaxResponseWords, "max-response-words", 500, "word cap for drafted replies (50..5000)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	// Mail
	if c.SMTPRelayAddr == "" {
		errs = append(errs, errors.New("SMTP_RELAY_ADDR is required"))
	} else if _, _, err := net.SplitHostPort(c.SMTPRelayAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid SMTP_RELAY_ADDR %q: %w", c.SMTPRelayAddr, err))
	}
	if !strings.Contains(c.SMTPFrom, "@") {
		errs = append(errs, fmt.Errorf("invalid SMTP_FROM %q (must be an email address)", c.SMTPFrom))
	}
	if c.SMTPListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.SMTPListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid SMTP_LISTEN_ADDR %q: %w", c.SMTPListenAddr, err))
		}
		if c.SMTPDomain == "" {
			errs = append(errs, errors.New("SMTP_DOMAIN is required when SMTP_LISTEN_ADDR is set"))
		}
	}
	if (c.SMTPUsername == "") != (c.SMTPPassword == "") {
		errs = append(errs, errors.New("SMTP_USERNAME and SMTP_PASSWORD must be set together"))
	}

	// Workflow
	if c.UrgentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid URGENT_TIMEOUT %s (must be > 0)", c.UrgentTimeout))
	}
	if c.UrgencyThreshold < 2 || c.UrgencyThreshold > 5 {
		errs = append(errs, fmt.Errorf("invalid URGENCY_THRESHOLD %d (must be 2..5)", c.UrgencyThreshold))
	}
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS %d (must be 1..20)", c.RetryMaxAttempts))
	}
	if c.RetryInitialBackoff <= 0 || c.RetryMaxBackoff < c.RetryInitialBackoff {
		errs = append(errs, fmt.Errorf("invalid retry backoff %s..%s (initial must be > 0 and <= max)", c.RetryInitialBackoff, c.RetryMaxBackoff))
	}
	for name, v := range map[string]int{
		"MAX_CONCURRENT_SCORING":    c.MaxConcurrentScoring,
		"MAX_CONCURRENT_DRAFTING":   c.MaxConcurrentDrafting,
		"MAX_CONCURRENT_APPROVALS":  c.MaxConcurrentApprovals,
		"MAX_CONCURRENT_DELIVERIES": c.MaxConcurrentDeliveries,
	} {
		if v < 1 || v > 1024 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..1024)", name, v))
		}
	}
	if c.ApprovalPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_POLL_INTERVAL %s (must be > 0)", c.ApprovalPollInterval))
	}
	if c.ApprovalPollRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_POLL_RATE %g (must be > 0)", c.ApprovalPollRate))
	}
	if c.SourcePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid SOURCE_POLL_INTERVAL %s (must be > 0)", c.SourcePollInterval))
	}
	if c.AdmissionRetention < time.Hour {
		errs = append(errs, fmt.Errorf("invalid ADMISSION_RETENTION %s (must be >= 1h)", c.AdmissionRetention))
	}
	switch workflow.ShutdownPolicy(c.ShutdownPolicy) {
	case workflow.ShutdownFail:
	case workflow.ShutdownPersist:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("SHUTDOWN_POLICY persist requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_POLICY %q (must be fail or persist)", c.ShutdownPolicy))
	}
	if c.MaxResponseWords < 50 || c.MaxResponseWords > 5000 {
		errs = append(errs, fmt.Errorf("invalid MAX_RESPONSE_WORDS %d (must be 50..5000)", c.MaxResponseWords))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// WorkflowOptions maps the flags onto engine options.
func (c *Config) WorkflowOptions() workflow.Options {
	return workflow.Options{
		UrgentTimeout:    c.UrgentTimeout,
		UrgencyThreshold: c.UrgencyThreshold,
		Retry: workflow.RetryPolicy{
			MaxAttempts:    c.RetryMaxAttempts,
			InitialBackoff: c.RetryInitialBackoff,
			MaxBackoff:     c.RetryMaxBackoff,
		},
		Limits: workflow.Limits{
			Scoring:    c.MaxConcurrentScoring,
			Drafting:   c.MaxConcurrentDrafting,
			Approvals:  c.MaxConcurrentApprovals,
			Deliveries: c.MaxConcurrentDeliveries,
		},
		ApprovalPollInterval: c.ApprovalPollInterval,
		ApprovalPollRate:     c.ApprovalPollRate,
		SourcePollInterval:   c.SourcePollInterval,
		AdmissionRetention:   c.AdmissionRetention,
		ShutdownPolicy:       workflow.ShutdownPolicy(c.ShutdownPolicy),
		SubjectPrefix:        c.SubjectPrefix,
	}
}

// BlockedSenderList splits BlockedSenders.
func (c *Config) BlockedSenderList() []string { return splitList(c.BlockedSenders) }

// StatusFeedOriginList splits StatusFeedOrigins.
func (c *Config) StatusFeedOriginList() []string { return splitList(c.StatusFeedOrigins) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
