package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Provider 标识启动时选用的模型服务商。
type Provider string

const (
	ProviderArk    Provider = "ark"
	ProviderOpenAI Provider = "openai"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Relay     RelayConfig
	Transport TransportConfig
	Storage   StorageConfig
	Log       LogConfig
	I18n      I18nConfig
}

// Load 从环境变量加载配置。RELAY_CONFIG_FILE 指向的 TOML 文件先被读取，环境变量覆盖其中的值。
func Load() (*Config, error) {
	file, err := loadFileConfig(strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(file)
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig(file)
	if err != nil {
		return nil, err
	}

	transport, err := loadTransportConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Relay:     relay,
		Transport: transport,
		Storage:   StorageConfig{DatabasePath: strings.TrimSpace(os.Getenv("DATABASE_PATH"))},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
		I18n: file.I18n.WithDefaults(),
	}, nil
}

// fileConfig 是 TOML 配置文件的结构。
type fileConfig struct {
	Admins            []string   `toml:"admins"`
	SystemPrompt      string     `toml:"systemPrompt"`
	ConversationLimit int        `toml:"conversationLimit"`
	I18n              I18nConfig `toml:"i18n"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var file fileConfig
	if path == "" {
		return file, nil
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fileConfig{}, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return file, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider          Provider
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	SystemPrompt      string
	StreamIdleTimeout time.Duration
}

// Enabled 表示是否提供了所选服务商必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Model == "" {
		return false
	}
	if c.Provider == ProviderOpenAI {
		return c.OpenAIAPIKey != ""
	}
	return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
}

func loadAIConfig(file fileConfig) (AIConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("AI_PROVIDER", string(ProviderArk))))
	if provider != ProviderArk && provider != ProviderOpenAI {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	idleTimeout, err := parseDurationEnv("AI_STREAM_IDLE_TIMEOUT", 10*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:          provider,
		APIKey:            strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:         strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:         strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:             strings.TrimSpace(os.Getenv("Model")),
		BaseURL:           getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:            getEnvOrDefault("ARK_REGION", "cn-beijing"),
		OpenAIAPIKey:      strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:     strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		SystemPrompt:      getEnvOrDefault("AI_SYSTEM_PROMPT", file.SystemPrompt),
		StreamIdleTimeout: idleTimeout,
	}, nil
}

// RelayConfig 描述会话与气泡刷新相关配置。
type RelayConfig struct {
	ConversationLimit int
	MinEditInterval   time.Duration
	PublicByDefault   bool
	Admins            []string
	MaxTurnChars      int
	CancelNotice      bool
	RenderMarkdown    bool
	BotUsername       string
}

func loadRelayConfig(file fileConfig) (RelayConfig, error) {
	limitDefault := 20
	if file.ConversationLimit > 0 {
		limitDefault = file.ConversationLimit
	}
	limit, err := parsePositiveIntEnv("CONVERSATION_LIMIT", limitDefault)
	if err != nil {
		return RelayConfig{}, err
	}

	intervalMs, err := parsePositiveIntEnv("MIN_EDIT_INTERVAL_MS", 1000)
	if err != nil {
		return RelayConfig{}, err
	}

	public, err := parseBoolEnv("PUBLIC_BY_DEFAULT", true)
	if err != nil {
		return RelayConfig{}, err
	}

	maxChars, err := parsePositiveIntEnv("MAX_TURN_CHARS", 16000)
	if err != nil {
		return RelayConfig{}, err
	}

	cancelNotice, err := parseBoolEnv("CANCEL_NOTICE", true)
	if err != nil {
		return RelayConfig{}, err
	}

	markdown, err := parseBoolEnv("RENDER_MARKDOWN", true)
	if err != nil {
		return RelayConfig{}, err
	}

	admins := file.Admins
	if raw := strings.TrimSpace(os.Getenv("ADMIN_USERS")); raw != "" {
		admins = splitList(raw)
	}

	return RelayConfig{
		ConversationLimit: limit,
		MinEditInterval:   time.Duration(intervalMs) * time.Millisecond,
		PublicByDefault:   public,
		Admins:            admins,
		MaxTurnChars:      maxChars,
		CancelNotice:      cancelNotice,
		RenderMarkdown:    markdown,
		BotUsername:       strings.TrimPrefix(strings.TrimSpace(os.Getenv("BOT_USERNAME")), "@"),
	}, nil
}

// TransportConfig 描述聊天通道的编辑频率上限。
type TransportConfig struct {
	EditRate        float64
	EditBurst       int
	MaxMessageRunes int
}

func loadTransportConfig() (TransportConfig, error) {
	rate := 1.0
	if override, err := parseOptionalFloatEnv("TRANSPORT_EDIT_RATE"); err != nil {
		return TransportConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return TransportConfig{}, fmt.Errorf("invalid TRANSPORT_EDIT_RATE value %v: must be positive", *override)
		}
		rate = *override
	}

	burst, err := parsePositiveIntEnv("TRANSPORT_EDIT_BURST", 3)
	if err != nil {
		return TransportConfig{}, err
	}

	maxRunes, err := parsePositiveIntEnv("TRANSPORT_MAX_MESSAGE_RUNES", 4096)
	if err != nil {
		return TransportConfig{}, err
	}

	return TransportConfig{EditRate: rate, EditBurst: burst, MaxMessageRunes: maxRunes}, nil
}

// StorageConfig 描述持久化配置，DatabasePath 为空时使用内存数据库。
type StorageConfig struct {
	DatabasePath string
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

// I18nConfig 是聊天中展示给用户的提示语。
// 带 %s / %d 的提示语按 fmt 格式填充。
type I18nConfig struct {
	ThinkingPrompt     string `toml:"thinkingPrompt"`
	CancelledPrompt    string `toml:"cancelledPrompt"`
	APIErrorPrompt     string `toml:"apiErrorPrompt"`
	RateLimitPrompt    string `toml:"rateLimitPrompt"`
	NetworkErrorPrompt string `toml:"networkErrorPrompt"`
	ResetPrompt        string `toml:"resetPrompt"`
	NotAllowedPrompt   string `toml:"notAllowedPrompt"`

	AdminOnlyPrompt        string `toml:"adminOnlyPrompt"`
	PublicOnPrompt         string `toml:"publicOnPrompt"`
	PublicOffPrompt        string `toml:"publicOffPrompt"`
	MemberAddedPrompt      string `toml:"memberAddedPrompt"`
	MemberExistsPrompt     string `toml:"memberExistsPrompt"`
	MemberRemovedPrompt    string `toml:"memberRemovedPrompt"`
	NotMemberPrompt        string `toml:"notMemberPrompt"`
	UsageReportPrompt      string `toml:"usageReportPrompt"`
	UsageUnavailablePrompt string `toml:"usageUnavailablePrompt"`
	UnknownCommandPrompt   string `toml:"unknownCommandPrompt"`
	NothingToRetryPrompt   string `toml:"nothingToRetryPrompt"`
	StaleMessagePrompt     string `toml:"staleMessagePrompt"`
}

// DefaultI18n 返回内置的提示语。
func DefaultI18n() I18nConfig {
	return I18nConfig{
		ThinkingPrompt:     "Thinking...",
		CancelledPrompt:    "(cancelled)",
		APIErrorPrompt:     "Hmm, something went wrong...",
		RateLimitPrompt:    "The model is busy right now, please try again in a moment.",
		NetworkErrorPrompt: "The model could not be reached, please try again.",
		ResetPrompt:        "⚠ Session is reset!",
		NotAllowedPrompt:   "Sadly, you are not allowed to use this bot currently.",

		AdminOnlyPrompt:        "Only administrators can use this command.",
		PublicOnPrompt:         "Public mode is on: everyone can talk to the bot.",
		PublicOffPrompt:        "Public mode is off: only members can talk to the bot.",
		MemberAddedPrompt:      "%s is now a member.",
		MemberExistsPrompt:     "%s is already a member.",
		MemberRemovedPrompt:    "%s is no longer a member.",
		NotMemberPrompt:        "%s is not a member.",
		UsageReportPrompt:      "Requests: %d\nPrompt tokens: %d\nCompletion tokens: %d\nTotal tokens: %d",
		UsageUnavailablePrompt: "Usage statistics are not available.",
		UnknownCommandPrompt:   "Unknown command /%s, try /help.",
		NothingToRetryPrompt:   "Nothing to retry.",
		StaleMessagePrompt:     "The message is stale.",
	}
}

// WithDefaults 用内置提示语补齐空白的字段。
func (c I18nConfig) WithDefaults() I18nConfig {
	out := DefaultI18n()
	overlay := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	overlay(&out.ThinkingPrompt, c.ThinkingPrompt)
	overlay(&out.CancelledPrompt, c.CancelledPrompt)
	overlay(&out.APIErrorPrompt, c.APIErrorPrompt)
	overlay(&out.RateLimitPrompt, c.RateLimitPrompt)
	overlay(&out.NetworkErrorPrompt, c.NetworkErrorPrompt)
	overlay(&out.ResetPrompt, c.ResetPrompt)
	overlay(&out.NotAllowedPrompt, c.NotAllowedPrompt)
	overlay(&out.AdminOnlyPrompt, c.AdminOnlyPrompt)
	overlay(&out.PublicOnPrompt, c.PublicOnPrompt)
	overlay(&out.PublicOffPrompt, c.PublicOffPrompt)
	overlay(&out.MemberAddedPrompt, c.MemberAddedPrompt)
	overlay(&out.MemberExistsPrompt, c.MemberExistsPrompt)
	overlay(&out.MemberRemovedPrompt, c.MemberRemovedPrompt)
	overlay(&out.NotMemberPrompt, c.NotMemberPrompt)
	overlay(&out.UsageReportPrompt, c.UsageReportPrompt)
	overlay(&out.UsageUnavailablePrompt, c.UsageUnavailablePrompt)
	overlay(&out.UnknownCommandPrompt, c.UnknownCommandPrompt)
	overlay(&out.NothingToRetryPrompt, c.NothingToRetryPrompt)
	overlay(&out.StaleMessagePrompt, c.StaleMessagePrompt)
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimPrefix(strings.TrimSpace(f), "@"); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParseBool 接受 yes/on/true/1 与 no/off/false/0。
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "on", "true", "1":
		return true, nil
	case "no", "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒处理。
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parsePositiveIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *val)
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
