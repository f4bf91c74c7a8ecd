// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable the agent reads.
const EnvPrefix = "INFANT"

// LLMProvider names a completion backend.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
	// ProviderVLLM is a self-hosted OpenAI-compatible server.
	ProviderVLLM LLMProvider = "vllm"
)

// LLM roles. Each role may point at its own model; unset fields fall back to Main.
const (
	RoleMain      = "main"
	RoleFileEdit  = "file_edit"
	RoleToolMaker = "tool_maker"
	RoleGrounding = "grounding"
	RoleAudio     = "audio"
	RoleVideo     = "video"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Computer  ComputerConfig  `mapstructure:"computer" yaml:"computer"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Grounding GroundingConfig `mapstructure:"grounding" yaml:"grounding"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Git       GitConfig       `mapstructure:"git" yaml:"git"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMModelConfig configures one completion backend.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`

	NumRetries   int           `mapstructure:"num_retries" yaml:"num_retries"`
	RetryMinWait time.Duration `mapstructure:"retry_min_wait" yaml:"retry_min_wait"`
	RetryMaxWait time.Duration `mapstructure:"retry_max_wait" yaml:"retry_max_wait"`

	InputCostPerToken  float64 `mapstructure:"input_cost_per_token" yaml:"input_cost_per_token"`
	OutputCostPerToken float64 `mapstructure:"output_cost_per_token" yaml:"output_cost_per_token"`
	// RequestsPerMinute of zero disables client-side rate limiting.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// LLMConfig groups the per-role model settings.
type LLMConfig struct {
	Main      LLMModelConfig `mapstructure:"main" yaml:"main"`
	FileEdit  LLMModelConfig `mapstructure:"file_edit" yaml:"file_edit"`
	ToolMaker LLMModelConfig `mapstructure:"tool_maker" yaml:"tool_maker"`
	Grounding LLMModelConfig `mapstructure:"grounding" yaml:"grounding"`
	Audio     LLMModelConfig `mapstructure:"audio" yaml:"audio"`
	Video     LLMModelConfig `mapstructure:"video" yaml:"video"`
	// FeedbackMode asks a human reviewer on the console after every completion.
	FeedbackMode bool `mapstructure:"feedback_mode" yaml:"feedback_mode"`
}

// ForRole returns the model config of role with empty fields filled from Main.
func (c LLMConfig) ForRole(role string) LLMModelConfig {
	var r LLMModelConfig
	switch role {
	case RoleFileEdit:
		r = c.FileEdit
	case RoleToolMaker:
		r = c.ToolMaker
	case RoleGrounding:
		r = c.Grounding
	case RoleAudio:
		r = c.Audio
	case RoleVideo:
		r = c.Video
	default:
		return c.Main
	}
	return mergeModel(r, c.Main)
}

func mergeModel(r, base LLMModelConfig) LLMModelConfig {
	if r.Provider == "" {
		r.Provider = base.Provider
		// A role without its own provider also shares the credentials and endpoint.
		if r.APIKey == "" {
			r.APIKey = base.APIKey
		}
		if r.Endpoint == "" {
			r.Endpoint = base.Endpoint
		}
	}
	if r.Model == "" {
		r.Model = base.Model
	}
	if r.APITimeout == 0 {
		r.APITimeout = base.APITimeout
	}
	if r.Temperature == 0 {
		r.Temperature = base.Temperature
	}
	if r.TopP == 0 {
		r.TopP = base.TopP
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = base.MaxTokens
	}
	if r.NumRetries == 0 {
		r.NumRetries = base.NumRetries
	}
	if r.RetryMinWait == 0 {
		r.RetryMinWait = base.RetryMinWait
	}
	if r.RetryMaxWait == 0 {
		r.RetryMaxWait = base.RetryMaxWait
	}
	if r.InputCostPerToken == 0 {
		r.InputCostPerToken = base.InputCostPerToken
	}
	if r.OutputCostPerToken == 0 {
		r.OutputCostPerToken = base.OutputCostPerToken
	}
	if r.RequestsPerMinute == 0 {
		r.RequestsPerMinute = base.RequestsPerMinute
	}
	return r
}

// ComputerConfig describes how to reach the desktop container.
type ComputerConfig struct {
	// Transport is "ssh" or "exec".
	Transport      string        `mapstructure:"transport" yaml:"transport"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	User           string        `mapstructure:"user" yaml:"user"`
	Password       string        `mapstructure:"password" yaml:"-"`
	PrivateKeyPath string        `mapstructure:"private_key_path" yaml:"private_key_path"`
	ContainerName  string        `mapstructure:"container_name" yaml:"container_name"`
	Workspace      string        `mapstructure:"workspace" yaml:"workspace"`
	MountPath      string        `mapstructure:"mount_path" yaml:"mount_path"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Display        string        `mapstructure:"display" yaml:"display"`
	DisplayWidth   int           `mapstructure:"display_width" yaml:"display_width"`
	DisplayHeight  int           `mapstructure:"display_height" yaml:"display_height"`
	AutoLint       bool          `mapstructure:"auto_lint" yaml:"auto_lint"`
	KernelCLI      string        `mapstructure:"kernel_cli" yaml:"kernel_cli"`
	// ScreenshotBackupDir receives a host-side copy of every screenshot shown to a model.
	ScreenshotBackupDir string `mapstructure:"screenshot_backup_dir" yaml:"screenshot_backup_dir"`
	// TranscriptPath is the host file that mirrors everything the shell prints.
	TranscriptPath string `mapstructure:"transcript_path" yaml:"transcript_path"`
	// SettleDelay is how long the desktop waits before a screenshot.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// BrowserConfig points at the Chrome DevTools endpoint inside the container.
type BrowserConfig struct {
	CDPURL            string        `mapstructure:"cdp_url" yaml:"cdp_url"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StartCommand      string        `mapstructure:"start_command" yaml:"start_command"`
}

// GroundingConfig tunes the visual grounding strategies.
type GroundingConfig struct {
	EnableDOM      bool `mapstructure:"enable_dom" yaml:"enable_dom"`
	EnableJS       bool `mapstructure:"enable_js" yaml:"enable_js"`
	CropHalfWidth  int  `mapstructure:"crop_half_width" yaml:"crop_half_width"`
	CropHalfHeight int  `mapstructure:"crop_half_height" yaml:"crop_half_height"`
}

// AgentConfig holds orchestrator limits.
type AgentConfig struct {
	MaxRepetition       int           `mapstructure:"max_repetition" yaml:"max_repetition"`
	MaxBudgetPerTask    float64       `mapstructure:"max_budget_per_task" yaml:"max_budget_per_task"`
	TurnDelay           time.Duration `mapstructure:"turn_delay" yaml:"turn_delay"`
	SpecialCaseInterval time.Duration `mapstructure:"special_case_interval" yaml:"special_case_interval"`
	LineDriftAttempts   int           `mapstructure:"line_drift_attempts" yaml:"line_drift_attempts"`
	ToolMakerTimeout    time.Duration `mapstructure:"tool_maker_timeout" yaml:"tool_maker_timeout"`
	ParseRequest        bool          `mapstructure:"parse_request" yaml:"parse_request"`
	Critic              bool          `mapstructure:"critic" yaml:"critic"`
	Summarize           bool          `mapstructure:"summarize" yaml:"summarize"`
	GitSnapshot         bool          `mapstructure:"git_snapshot" yaml:"git_snapshot"`
}

// DatabaseConfig enables the session audit log when URL is set.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// GitConfig is the identity used for workspace snapshot commits.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "infant")
	v.SetDefault("logger.log_file", "infant.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- LLM --
	v.SetDefault("llm.main.provider", string(ProviderOpenAI))
	v.SetDefault("llm.main.model", "gpt-4o")
	v.SetDefault("llm.main.api_timeout", "120s")
	v.SetDefault("llm.main.temperature", 0.9)
	v.SetDefault("llm.main.top_p", 0.5)
	v.SetDefault("llm.main.max_tokens", 8191)
	v.SetDefault("llm.main.num_retries", 5)
	v.SetDefault("llm.main.retry_min_wait", "5s")
	v.SetDefault("llm.main.retry_max_wait", "60s")
	v.SetDefault("llm.main.input_cost_per_token", 0.000003)
	v.SetDefault("llm.main.output_cost_per_token", 0.000015)
	v.SetDefault("llm.main.requests_per_minute", 0)
	v.SetDefault("llm.file_edit.temperature", 0.1)
	v.SetDefault("llm.grounding.temperature", 0.01)
	v.SetDefault("llm.audio.model", "whisper-1")
	v.SetDefault("llm.feedback_mode", false)

	// -- Computer --
	v.SetDefault("computer.transport", "ssh")
	v.SetDefault("computer.host", "localhost")
	v.SetDefault("computer.port", 63710)
	v.SetDefault("computer.user", "infant")
	v.SetDefault("computer.workspace", "/workspace")
	v.SetDefault("computer.mount_path", "~/infant/workspace")
	v.SetDefault("computer.timeout", "120s")
	v.SetDefault("computer.display", ":1")
	v.SetDefault("computer.display_width", 2560)
	v.SetDefault("computer.display_height", 1440)
	v.SetDefault("computer.auto_lint", true)
	v.SetDefault("computer.kernel_cli", "execute_cli")
	v.SetDefault("computer.screenshot_backup_dir", "~/infant/backup/screenshots")
	v.SetDefault("computer.transcript_path", "~/infant/logs/terminal.log")
	v.SetDefault("computer.settle_delay", "1s")

	// -- Browser --
	v.SetDefault("browser.cdp_url", "http://localhost:9222")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.start_command", "google-chrome --remote-debugging-port=9222 --no-first-run --no-default-browser-check")

	// -- Grounding --
	v.SetDefault("grounding.enable_dom", true)
	v.SetDefault("grounding.enable_js", true)
	v.SetDefault("grounding.crop_half_width", 1400)
	v.SetDefault("grounding.crop_half_height", 500)

	// -- Agent --
	v.SetDefault("agent.max_repetition", 2)
	v.SetDefault("agent.max_budget_per_task", 4.0)
	v.SetDefault("agent.turn_delay", "300ms")
	v.SetDefault("agent.special_case_interval", "1s")
	v.SetDefault("agent.line_drift_attempts", 3)
	v.SetDefault("agent.tool_maker_timeout", "120s")
	v.SetDefault("agent.parse_request", false)
	v.SetDefault("agent.critic", false)
	v.SetDefault("agent.summarize", false)
	v.SetDefault("agent.git_snapshot", true)

	// -- Git --
	v.SetDefault("git.author_name", "infant")
	v.SetDefault("git.author_email", "infant@localhost")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")
	_ = v.BindEnv("computer.password", EnvPrefix+"_COMPUTER_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.applyProviderKeys()

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// providerKeyEnv maps each hosted provider to the environment variable holding its key.
var providerKeyEnv = map[LLMProvider]string{
	ProviderOpenAI:    EnvPrefix + "_OPENAI_API_KEY",
	ProviderAnthropic: EnvPrefix + "_ANTHROPIC_API_KEY",
	ProviderGemini:    EnvPrefix + "_GEMINI_API_KEY",
}

// applyProviderKeys loads API keys that the config file left empty.
func (c *Config) applyProviderKeys() {
	for _, m := range []*LLMModelConfig{
		&c.LLM.Main, &c.LLM.FileEdit, &c.LLM.ToolMaker,
		&c.LLM.Grounding, &c.LLM.Audio, &c.LLM.Video,
	} {
		if m.APIKey != "" {
			continue
		}
		provider := m.Provider
		if provider == "" {
			provider = c.LLM.Main.Provider
		}
		if env, ok := providerKeyEnv[provider]; ok {
			m.APIKey = os.Getenv(env)
		}
	}
}

// ExpandPaths resolves "~" in host-side paths.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Computer.MountPath, &c.Computer.ScreenshotBackupDir,
		&c.Computer.TranscriptPath, &c.Computer.PrivateKeyPath, &c.Logger.LogFile,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = filepath.Clean(expanded)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.LLM.Main.Validate(); err != nil {
		return fmt.Errorf("llm.main: %w", err)
	}
	if err := c.Computer.Validate(); err != nil {
		return fmt.Errorf("computer: %w", err)
	}
	if err := c.Grounding.Validate(); err != nil {
		return fmt.Errorf("grounding: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return nil
}

// Validate checks one model configuration.
func (m *LLMModelConfig) Validate() error {
	switch m.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
	case ProviderVLLM:
		if m.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the %s provider", m.Provider)
		}
	default:
		return fmt.Errorf("unknown provider %q", m.Provider)
	}
	if m.Model == "" {
		return fmt.Errorf("model is required")
	}
	if m.NumRetries < 0 {
		return fmt.Errorf("num_retries must not be negative")
	}
	if m.RetryMaxWait < m.RetryMinWait {
		return fmt.Errorf("retry_max_wait must be >= retry_min_wait")
	}
	if m.InputCostPerToken < 0 || m.OutputCostPerToken < 0 {
		return fmt.Errorf("token costs must not be negative")
	}
	return nil
}

// Validate checks the container connection settings.
func (c *ComputerConfig) Validate() error {
	switch strings.ToLower(c.Transport) {
	case "ssh":
		if c.Host == "" || c.Port <= 0 {
			return fmt.Errorf("host and port are required for ssh transport")
		}
	case "exec":
		if c.ContainerName == "" {
			return fmt.Errorf("container_name is required for exec transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if !strings.HasPrefix(c.Workspace, "/") {
		return fmt.Errorf("workspace must be an absolute container path")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}

// Validate checks crop sizes.
func (g *GroundingConfig) Validate() error {
	if g.CropHalfWidth <= 0 || g.CropHalfHeight <= 0 {
		return fmt.Errorf("crop half extents must be positive")
	}
	return nil
}

// Validate checks orchestrator limits.
func (a *AgentConfig) Validate() error {
	if a.MaxRepetition < 0 {
		return fmt.Errorf("max_repetition must not be negative")
	}
	if a.MaxBudgetPerTask <= 0 {
		return fmt.Errorf("max_budget_per_task must be positive")
	}
	if a.SpecialCaseInterval <= 0 {
		return fmt.Errorf("special_case_interval must be a positive duration")
	}
	if a.LineDriftAttempts < 0 {
		return fmt.Errorf("line_drift_attempts must not be negative")
	}
	return nil
}
