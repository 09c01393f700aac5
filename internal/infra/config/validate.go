package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateRelay(cfg, ve)
	validateGroups(cfg, ve)
	validateProbabilities(cfg, ve)
	validateConversation(cfg, ve)
	validateDirectory(cfg, ve)
	validateInitiator(cfg, ve)
	validateGenerator(cfg, ve)
	validateTelegram(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Agent.AgentID) == "" {
		ve.Add("agent.id must not be empty")
	}
	if strings.ContainsAny(cfg.Agent.AgentID, " \t\n") {
		ve.Add("agent.id %q must not contain whitespace", cfg.Agent.AgentID)
	}
	for i, a := range cfg.Agent.Aliases {
		if strings.TrimSpace(a) == "" {
			ve.Add("agent.aliases[%d] must not be empty", i)
		}
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	r := cfg.Relay
	if r.URL == "" {
		ve.Add("relay.url must not be empty")
	} else if u, err := url.Parse(r.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("relay.url %q must be an http(s) URL", r.URL)
	}
	if r.HeartbeatInterval <= 0 {
		ve.Add("relay.heartbeat_interval must be > 0")
	}
	if r.RecoveryInterval <= 0 {
		ve.Add("relay.recovery_interval must be > 0")
	}
	if r.MaxRetries <= 0 {
		ve.Add("relay.max_retries must be > 0")
	}
	if r.RetryDelay < 0 {
		ve.Add("relay.retry_delay must be >= 0")
	}
	if r.MaxQueue < 0 {
		ve.Add("relay.max_queue must be >= 0")
	}
	if r.RequestTimeout <= 0 {
		ve.Add("relay.request_timeout must be > 0")
	}
	if r.SendRate < 0 {
		ve.Add("relay.send_rate must be >= 0")
	}
	if r.SendRate > 0 && r.SendBurst <= 0 {
		ve.Add("relay.send_burst must be > 0 when send_rate is set")
	}
	validateBreaker("relay.breaker", r.Breaker, ve)
}

func validateBreaker(prefix string, b BreakerConfig, ve *ValidationError) {
	if b.MaxFailures == 0 {
		ve.Add("%s.max_failures must be > 0", prefix)
	}
	if b.Timeout <= 0 {
		ve.Add("%s.timeout must be > 0", prefix)
	}
}

func validateGroups(cfg *Config, ve *ValidationError) {
	seen := make(map[int64]bool, len(cfg.Groups))
	for i, g := range cfg.Groups {
		if g == 0 {
			ve.Add("groups[%d] must not be 0", i)
		}
		if seen[g] {
			ve.Add("groups[%d]: duplicate group %d", i, g)
		}
		seen[g] = true
	}
}

func validateProbabilities(cfg *Config, ve *ValidationError) {
	probs := []struct {
		name string
		v    float64
	}{
		{"router.human_engagement", cfg.Router.HumanEngagement},
		{"conversation.end_step_probability", cfg.Conversation.EndStepProbability},
		{"conversation.low_relevance_threshold", cfg.Conversation.LowRelevanceThreshold},
		{"conversation.low_relevance_end_probability", cfg.Conversation.LowRelevanceEndProbability},
		{"initiator.base_probability", cfg.Initiator.BaseProbability},
		{"initiator.high_relevance", cfg.Initiator.HighRelevance},
	}
	for _, p := range probs {
		if p.v < 0 || p.v > 1 {
			ve.Add("%s must be within [0, 1], got %g", p.name, p.v)
		}
	}
}

func validateConversation(cfg *Config, ve *ValidationError) {
	c := cfg.Conversation
	if c.ActivationThreshold <= 0 {
		ve.Add("conversation.activation_threshold must be > 0")
	}
	if c.RecencyWindow <= 0 {
		ve.Add("conversation.recency_window must be > 0")
	}
	if c.MessageCap <= 0 {
		ve.Add("conversation.message_cap must be > 0")
	}
	if c.InactivityWindow <= 0 {
		ve.Add("conversation.inactivity_window must be > 0")
	}
}

func validateDirectory(cfg *Config, ve *ValidationError) {
	d := cfg.Directory
	if d.StaleAfter <= 0 {
		ve.Add("directory.stale_after must be > 0")
	}
	if d.MaxTopics <= 0 {
		ve.Add("directory.max_topics must be > 0")
	}
	if d.BroadcastInterval <= 0 {
		ve.Add("directory.broadcast_interval must be > 0")
	}
}

func validateInitiator(cfg *Config, ve *ValidationError) {
	in := cfg.Initiator
	if !in.Enabled {
		return
	}
	if in.Interval <= 0 {
		ve.Add("initiator.interval must be > 0 when enabled")
	}
	if in.EscalationStep <= 0 {
		ve.Add("initiator.escalation_step must be > 0 when enabled")
	}
	if in.MaxMultiplier < 1 {
		ve.Add("initiator.max_multiplier must be >= 1")
	}
	if in.MaxInvites < 0 {
		ve.Add("initiator.max_invites must be >= 0")
	}
}

func validateGenerator(cfg *Config, ve *ValidationError) {
	g := cfg.Generator
	if g.URL != "" {
		if u, err := url.Parse(g.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("generator.url %q must be an http(s) URL", g.URL)
		}
		validateBreaker("generator.breaker", g.Breaker, ve)
	}
	if g.Timeout <= 0 {
		ve.Add("generator.timeout must be > 0")
	}
	if g.ReadyTimeout <= 0 {
		ve.Add("generator.ready_timeout must be > 0")
	}
}

func validateTelegram(cfg *Config, ve *ValidationError) {
	if cfg.Telegram == nil {
		return
	}
	if cfg.Telegram.Token == "" {
		ve.Add("telegram.token must not be empty when telegram is configured")
	}
	if strings.HasPrefix(cfg.Telegram.Token, "enc:") {
		ve.Add("telegram.token is encrypted but CHORUS_CONFIG_KEY is not set")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want debug, info, warn or error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop":
	default:
		ve.Add("tracer.exporter %q is invalid (want stdout or noop)", cfg.Tracer.Exporter)
	}
}
