package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"chorus/internal/adapter/channel"
	relayclient "chorus/internal/adapter/relay"
	"chorus/internal/infra/config"
)

const doctorTimeout = 5 * time.Second

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; the file check reports the error.
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr == nil {
		cfgErr = config.Validate(cfg)
	}
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Character", Fn: checkCharacter},
		{Name: "Groups", Fn: checkGroups},
		{Name: "Relay", Fn: checkRelay},
		{Name: "Relay registration", Fn: checkRelayRegistration},
		{Name: "Generator", Fn: checkGenerator},
		{Name: "Platform fallback", Fn: checkPlatform},
	}

	fail, err := report(os.Stdout, cfg, checks)
	if err != nil {
		return err
	}
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// report runs checks against cfg and prints the results to w.
func report(w io.Writer, cfg *config.Config, checks []Check) (int, error) {
	var b strings.Builder
	b.WriteString("chorus doctor\n")
	b.WriteString(strings.Repeat("=", 50) + "\n\n")

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(&b, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(&b, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	b.WriteString("\n" + strings.Repeat("-", 50) + "\n")
	fmt.Fprintf(&b, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	switch {
	case fail > 0:
		b.WriteString("\nFix the FAIL issues above before starting the agent.\n")
	case warn > 0:
		b.WriteString("\nchorus should run, but consider addressing the warnings.\n")
	default:
		b.WriteString("\nAll checks passed! chorus is ready to run.\n")
	}

	_, err := io.WriteString(w, b.String())
	return fail, err
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check that verifies the config file exists, parses and validates.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if cfgErr == nil {
				return CheckResult{
					Status:  StatusWarn,
					Message: fmt.Sprintf("no config file at %s, using defaults and CHORUS_* variables", cfgPath),
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s", cfgPath),
				Fix:     "Create chorus.yaml or pass --config PATH",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check chorus.yaml syntax and values",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkCharacter(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	a := cfg.Agent
	if a.Username == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s has no username, only the id and aliases match mentions", a.AgentID),
			Fix:     "Set agent.username to the bot's platform handle",
		}
	}
	if len(a.Topics) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s has no topics, relevance scores will be 0", a.AgentID),
			Fix:     "List a few interests under agent.topics",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s (@%s), %d topic(s)", a.AgentID, a.Username, len(a.Topics)),
	}
}

func checkGroups(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.Groups) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no groups configured, every inbound message will be ignored",
			Fix:     "Add group chat ids under groups",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("monitoring %d group(s)", len(cfg.Groups)),
	}
}

func newDoctorClient(cfg *config.Config) *relayclient.Client {
	return relayclient.NewClient(cfg.Relay.URL, cfg.Agent.AgentID, cfg.Relay.Token,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		relayclient.WithHTTPClient(&http.Client{Timeout: doctorTimeout}),
		relayclient.WithSendRate(0, 0),
	)
}

// checkRelay verifies the relay answers its health endpoint.
func checkRelay(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	start := time.Now()
	hs, err := newDoctorClient(cfg).Health(ctx)
	latency := time.Since(start)
	if err != nil {
		status := StatusWarn
		if cfg.Telegram == nil {
			status = StatusFail
		}
		return CheckResult{
			Status:  status,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.Relay.URL, err),
			Fix:     "Start the relay or fix relay.url; without it replies go to the platform fallback",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable, %d agent(s) online (latency: %dms)", cfg.Relay.URL, hs.Agents, latency.Milliseconds()),
	}
}

// checkRelayRegistration reports whether another process already holds this agent id.
func checkRelayRegistration(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	registered, err := newDoctorClient(cfg).Registered(ctx)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, relay unreachable"}
	}
	if registered {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is already registered, another process may be running it", cfg.Agent.AgentID),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s is free to register", cfg.Agent.AgentID),
	}
}

func checkGenerator(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Generator.URL == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no generator.url, the agent will route messages but never reply",
			Fix:     "Point generator.url at the response generator service",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("generator at %s (timeout %s)", cfg.Generator.URL, cfg.Generator.Timeout),
	}
}

// checkPlatform verifies the fallback bot token by asking for its username.
func checkPlatform(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Telegram == nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "not configured, messages queue while the relay is down",
		}
	}

	var opts []channel.TelegramOption
	if cfg.Telegram.BaseURL != "" {
		opts = append(opts, channel.WithTelegramBaseURL(cfg.Telegram.BaseURL))
	}
	tg := channel.NewTelegram(cfg.Telegram.Token, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	name, err := tg.Username(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("bot token rejected: %v", err),
			Fix:     "Check telegram.token",
		}
	}
	if cfg.Agent.Username != "" && !strings.EqualFold(name, cfg.Agent.Username) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("token belongs to @%s, not @%s", name, cfg.Agent.Username),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("token valid for @%s", name),
	}
}
