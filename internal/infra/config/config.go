package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"chorus/internal/domain"
)

// Config is the top-level agent process configuration.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Relay        RelayConfig        `yaml:"relay"`
	Groups       []int64            `yaml:"groups"`
	Router       RouterConfig       `yaml:"router"`
	Conversation ConversationConfig `yaml:"conversation"`
	Directory    DirectoryConfig    `yaml:"directory"`
	Initiator    InitiatorConfig    `yaml:"initiator"`
	Generator    GeneratorConfig    `yaml:"generator"`
	Telegram     *TelegramConfig    `yaml:"telegram,omitempty"` // nil = no platform fallback
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// AgentConfig describes the character this process speaks as.
type AgentConfig struct {
	domain.Character `yaml:",inline"`

	// CharacterFile overlays a separate YAML file holding the character
	// fields, so several processes can share one relay config.
	CharacterFile string `yaml:"character_file,omitempty"`
}

// RelayConfig holds relay transport settings.
type RelayConfig struct {
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxQueue          int           `yaml:"max_queue"` // 0 = unbounded
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	UnregisterTimeout time.Duration `yaml:"unregister_timeout"`
	SendRate          float64       `yaml:"send_rate"` // sends per second, 0 = unlimited
	SendBurst         int           `yaml:"send_burst"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RouterConfig tunes inbound message routing.
type RouterConfig struct {
	// HumanEngagement is the chance of answering an unmentioned human.
	HumanEngagement float64 `yaml:"human_engagement"`
}

// ConversationConfig tunes the per-group conversation state machine.
type ConversationConfig struct {
	ActivationThreshold        int           `yaml:"activation_threshold"`
	RecencyWindow              time.Duration `yaml:"recency_window"`
	MessageCap                 int           `yaml:"message_cap"`
	EndStepProbability         float64       `yaml:"end_step_probability"`
	LowRelevanceThreshold      float64       `yaml:"low_relevance_threshold"`
	LowRelevanceEndProbability float64       `yaml:"low_relevance_end_probability"`
	InactivityWindow           time.Duration `yaml:"inactivity_window"`
}

// DirectoryConfig tunes the agent directory.
type DirectoryConfig struct {
	StaleAfter        time.Duration `yaml:"stale_after"`
	MaxTopics         int           `yaml:"max_topics"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// InitiatorConfig tunes spontaneous conversation starts.
type InitiatorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	BaseProbability float64       `yaml:"base_probability"`
	EscalationStep  time.Duration `yaml:"escalation_step"`
	MaxMultiplier   float64       `yaml:"max_multiplier"`
	MaxInvites      int           `yaml:"max_invites"`
	HighRelevance   float64       `yaml:"high_relevance"`
}

// GeneratorConfig points at the external response generator.
type GeneratorConfig struct {
	URL          string        `yaml:"url"` // empty = attach a generator programmatically
	Timeout      time.Duration `yaml:"timeout"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// TelegramConfig holds the platform fallback settings.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url,omitempty"`
	// Poll feeds platform updates for monitored groups into the router.
	Poll bool `yaml:"poll"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with every tunable set to its production value.
func Defaults() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:               "http://localhost:3000",
			HeartbeatInterval: 30 * time.Second,
			RecoveryInterval:  5 * time.Second,
			MaxRetries:        3,
			RetryDelay:        2 * time.Second,
			MaxQueue:          500,
			RequestTimeout:    10 * time.Second,
			UnregisterTimeout: 2 * time.Second,
			SendRate:          1,
			SendBurst:         3,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Router: RouterConfig{
			HumanEngagement: 0.1,
		},
		Conversation: ConversationConfig{
			ActivationThreshold:        3,
			RecencyWindow:              10 * time.Minute,
			MessageCap:                 20,
			EndStepProbability:         0.05,
			LowRelevanceThreshold:      0.3,
			LowRelevanceEndProbability: 0.35,
			InactivityWindow:           30 * time.Minute,
		},
		Directory: DirectoryConfig{
			StaleAfter:        10 * time.Minute,
			MaxTopics:         20,
			BroadcastInterval: 5 * time.Minute,
		},
		Initiator: InitiatorConfig{
			Enabled:         true,
			Interval:        2 * time.Minute,
			BaseProbability: 0.05,
			EscalationStep:  30 * time.Minute,
			MaxMultiplier:   4,
			MaxInvites:      2,
			HighRelevance:   0.8,
		},
		Generator: GeneratorConfig{
			Timeout:      60 * time.Second,
			ReadyTimeout: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment are used.
// Callers run Validate on the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
		}
		data = nil
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
		}
		if cfg.Agent.CharacterFile != "" {
			if err := loadCharacter(cfg, filepath.Dir(absPath)); err != nil {
				return nil, err
			}
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CHORUS_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	return cfg, nil
}

// loadCharacter overlays the character file onto cfg.Agent. Fields set in
// the main file win over the character file.
func loadCharacter(cfg *Config, baseDir string) error {
	path := cfg.Agent.CharacterFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	path = filepath.Clean(path)
	if rel, err := filepath.Rel(baseDir, path); err == nil && strings.HasPrefix(rel, "..") {
		return fmt.Errorf("character file %q escapes config directory", path)
	}
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("character file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read character file: %w", domain.ErrConfigLoad, err)
	}

	var ch domain.Character
	if err := yaml.Unmarshal(data, &ch); err != nil {
		return fmt.Errorf("%w: parse character file %q: %w", domain.ErrConfigLoad, path, err)
	}
	main := cfg.Agent.Character
	if main.AgentID == "" {
		main.AgentID = ch.AgentID
	}
	if main.Username == "" {
		main.Username = ch.Username
	}
	if len(main.Aliases) == 0 {
		main.Aliases = ch.Aliases
	}
	if len(main.Topics) == 0 {
		main.Topics = ch.Topics
	}
	main.IgnoreBotMessages = main.IgnoreBotMessages || ch.IgnoreBotMessages
	cfg.Agent.Character = main
	return nil
}

// ApplyEnvOverrides maps CHORUS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHORUS_AGENT_ID"); v != "" {
		cfg.Agent.AgentID = v
	}
	if v := os.Getenv("CHORUS_AGENT_USERNAME"); v != "" {
		cfg.Agent.Username = v
	}
	if v := os.Getenv("CHORUS_AGENT_ALIASES"); v != "" {
		cfg.Agent.Aliases = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CHORUS_AGENT_TOPICS"); v != "" {
		cfg.Agent.Topics = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CHORUS_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("CHORUS_RELAY_TOKEN"); v != "" {
		cfg.Relay.Token = v
	}
	if v := os.Getenv("CHORUS_GROUPS"); v != "" {
		var groups []int64
		for _, part := range splitAndTrim(v, ",") {
			if id, err := strconv.ParseInt(part, 10, 64); err == nil && id != 0 {
				groups = append(groups, id)
			}
		}
		cfg.Groups = groups
	}
	if v := os.Getenv("CHORUS_GENERATOR_URL"); v != "" {
		cfg.Generator.URL = v
	}
	if v := os.Getenv("CHORUS_TELEGRAM_TOKEN"); v != "" {
		if cfg.Telegram == nil {
			cfg.Telegram = &TelegramConfig{}
		}
		if cfg.Telegram.Token == "" {
			cfg.Telegram.Token = v
		}
	}
	if v := os.Getenv("CHORUS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHORUS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
		if cfg.Tracer.Exporter == "" || cfg.Tracer.Exporter == "noop" {
			cfg.Tracer.Exporter = "stdout"
		}
	}
	if v := os.Getenv("CHORUS_INITIATOR_ENABLED"); v != "" {
		cfg.Initiator.Enabled = v == "true"
	}
}

// splitAndTrim splits s by sep, trims whitespace and drops empty elements.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in tokens and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{"relay.token": &cfg.Relay.Token}
	if cfg.Telegram != nil {
		fields["telegram.token"] = &cfg.Telegram.Token
	}
	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %w", domain.ErrEncryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %w", domain.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}
	blob, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
// The file holds the relay token, so it must not be writable by others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
