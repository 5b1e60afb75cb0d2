package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var relayEnvKeys = []string{
	"RELAY_CONFIG_FILE", "PORT", "AI_PROVIDER", "Model", "ARK_API_KEY", "OPENAI_API_KEY",
	"AI_SYSTEM_PROMPT", "AI_STREAM_IDLE_TIMEOUT", "CONVERSATION_LIMIT", "MIN_EDIT_INTERVAL_MS",
	"PUBLIC_BY_DEFAULT", "ADMIN_USERS", "MAX_TURN_CHARS", "CANCEL_NOTICE", "RENDER_MARKDOWN",
	"BOT_USERNAME", "TRANSPORT_EDIT_RATE", "TRANSPORT_EDIT_BURST", "TRANSPORT_MAX_MESSAGE_RUNES",
	"DATABASE_PATH", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ProviderArk, cfg.AI.Provider)
	assert.Equal(t, 10*time.Second, cfg.AI.StreamIdleTimeout)
	assert.Equal(t, 20, cfg.Relay.ConversationLimit)
	assert.Equal(t, time.Second, cfg.Relay.MinEditInterval)
	assert.True(t, cfg.Relay.PublicByDefault)
	assert.True(t, cfg.Relay.CancelNotice)
	assert.True(t, cfg.Relay.RenderMarkdown)
	assert.Equal(t, 16000, cfg.Relay.MaxTurnChars)
	assert.Equal(t, 1.0, cfg.Transport.EditRate)
	assert.Equal(t, 3, cfg.Transport.EditBurst)
	assert.Equal(t, 4096, cfg.Transport.MaxMessageRunes)
	assert.Empty(t, cfg.Storage.DatabasePath)
	assert.Equal(t, DefaultI18n(), cfg.I18n)
	assert.False(t, cfg.AI.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("AI_PROVIDER", "OpenAI")
	t.Setenv("Model", "gpt-4o-mini")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("AI_STREAM_IDLE_TIMEOUT", "1500ms")
	t.Setenv("CONVERSATION_LIMIT", "4")
	t.Setenv("MIN_EDIT_INTERVAL_MS", "250")
	t.Setenv("PUBLIC_BY_DEFAULT", "off")
	t.Setenv("ADMIN_USERS", "@alice, bob")
	t.Setenv("CANCEL_NOTICE", "no")
	t.Setenv("BOT_USERNAME", "@relaybot")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, ProviderOpenAI, cfg.AI.Provider)
	assert.True(t, cfg.AI.Enabled())
	assert.Equal(t, 1500*time.Millisecond, cfg.AI.StreamIdleTimeout)
	assert.Equal(t, 4, cfg.Relay.ConversationLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.MinEditInterval)
	assert.False(t, cfg.Relay.PublicByDefault)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Relay.Admins)
	assert.False(t, cfg.Relay.CancelNotice)
	assert.Equal(t, "relaybot", cfg.Relay.BotUsername)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for key, value := range map[string]string{
		"PORT":                 "80 80",
		"AI_PROVIDER":          "llama",
		"CONVERSATION_LIMIT":   "zero",
		"MIN_EDIT_INTERVAL_MS": "-5",
		"PUBLIC_BY_DEFAULT":    "maybe",
		"TRANSPORT_EDIT_RATE":  "0",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFileOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
admins = ["carol"]
systemPrompt = "You are terse."
conversationLimit = 6

[i18n]
resetPrompt = "Fresh start."
`), 0o600))
	t.Setenv("RELAY_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, cfg.Relay.Admins)
	assert.Equal(t, "You are terse.", cfg.AI.SystemPrompt)
	assert.Equal(t, 6, cfg.Relay.ConversationLimit)
	assert.Equal(t, "Fresh start.", cfg.I18n.ResetPrompt)
	assert.Equal(t, DefaultI18n().NotAllowedPrompt, cfg.I18n.NotAllowedPrompt)

	t.Setenv("ADMIN_USERS", "dave")
	t.Setenv("CONVERSATION_LIMIT", "8")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, cfg.Relay.Admins)
	assert.Equal(t, 8, cfg.Relay.ConversationLimit)
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestParseBool(t *testing.T) {
	for _, raw := range []string{"yes", "ON", "true", "1"} {
		v, err := ParseBool(raw)
		require.NoError(t, err)
		assert.True(t, v, raw)
	}
	for _, raw := range []string{"no", "Off", "false", "0"} {
		v, err := ParseBool(raw)
		require.NoError(t, err)
		assert.False(t, v, raw)
	}
	_, err := ParseBool("perhaps")
	assert.Error(t, err)
}

func TestI18nWithDefaults(t *testing.T) {
	got := I18nConfig{ResetPrompt: "Fresh start.", StaleMessagePrompt: "   "}.WithDefaults()

	assert.Equal(t, "Fresh start.", got.ResetPrompt)
	assert.Equal(t, DefaultI18n().StaleMessagePrompt, got.StaleMessagePrompt)
	assert.Equal(t, DefaultI18n().MemberAddedPrompt, got.MemberAddedPrompt)
}
