package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "${POBOT_TEST_TOKEN}"
  owner_user_ids: [42]
  poll_timeout: 10s
  notify_chat: -100123
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./pobot.db
inventory:
  kind: local
  default_container: pets
  local:
    root: ./media
    base_url: https://img.example.com
jobs:
  reconcile:
    interval: "@daily"
    min_interval: "01:00"
  dispatch:
    min_sleep: 1m
  cleanup:
    chats: [-100123]
    max_age: 36h
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLWithEnv(t *testing.T) {
	t.Setenv("POBOT_TEST_TOKEN", "123:abc$def")
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc$def", cfg.Telegram.Token)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "local", cfg.Inventory.Kind)
	require.NotNil(t, cfg.Inventory.Local)
	assert.Equal(t, "./media", cfg.Inventory.Local.Root)
	assert.Equal(t, []int64{-100123}, cfg.Jobs.Cleanup.Chats)
	assert.Equal(t, "36h", cfg.Jobs.Cleanup.MaxAge)
	assert.Same(t, cfg, m.Get())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "POBOT_TEST_TOKEN_FROM_FILE=from-dotenv\n")
	p := writeFile(t, dir, "config.json", `{}`)
	t.Cleanup(func() { _ = os.Unsetenv("POBOT_TEST_TOKEN_FROM_FILE") })

	m := NewConfigManager(p)
	require.NoError(t, m.LoadEnv())
	assert.Equal(t, "from-dotenv", os.Getenv("POBOT_TEST_TOKEN_FROM_FILE"))

	// No .env at all is fine.
	require.NoError(t, NewConfigManager(filepath.Join(t.TempDir(), "c.json")).LoadEnv())
}

func TestParseIsStrict(t *testing.T) {
	dir := t.TempDir()

	_, err := NewConfigManager(writeFile(t, dir, "unknown.json", `{"telegram":{"tokn":"x"}}`)).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokn")

	_, err = NewConfigManager(writeFile(t, dir, "trailing.json", `{} {}`)).Parse()
	require.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "unknown.yaml", "jobs:\n  reconcile:\n    every: 1h\n")).Parse()
	require.Error(t, err)
}

func TestYAMLGoesThroughStrictDecoder(t *testing.T) {
	dir := t.TempDir()

	_, err := NewConfigManager(writeFile(t, dir, "short.yml", "telegram: {}\n")).Parse()
	require.NoError(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "broken.yml", "telegram: [\n")).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse yaml")

	got := jsonable(map[any]any{1: "a", "b": []any{map[any]any{true: 2}}})
	assert.Equal(t, map[string]any{"1": "a", "b": []any{map[string]any{"true": 2}}}, got)
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		err  bool
	}{
		{"", 0, false},
		{"6h", 6 * time.Hour, false},
		{"02:30", 2*time.Hour + 30*time.Minute, false},
		{"@daily", 24 * time.Hour, false},
		{"@hourly", time.Hour, false},
		{"@weekly", 7 * 24 * time.Hour, false},
		{"@every 90m", 90 * time.Minute, false},
		{"0 */6 * * *", 6 * time.Hour, false},
		{"00:00", 0, true},
		{"01:75", 0, true},
		{"-1h", 0, true},
		{"@sometimes", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseInterval("jobs.reconcile.interval", tc.raw)
			if tc.err {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "jobs.reconcile.interval")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	err := (&Config{}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
	assert.Contains(t, err.Error(), "inventory.kind")

	cfg := &Config{
		Telegram:  TelegramConfig{Token: "t"},
		Inventory: InventoryConfig{Kind: "s3", S3: &S3InventoryConfig{URLTTL: "1h"}},
		Jobs: JobsConfig{Reconcile: ReconcileJobConfig{
			Interval:    "1h",
			MinInterval: "2h",
		}},
	}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_interval")

	cfg.Jobs.Reconcile.MinInterval = "30m"
	require.NoError(t, cfg.Validate())

	cfg.Jobs.Cleanup = CleanupJobConfig{Interval: "@sometimes", MaxAge: "a day"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs.cleanup.interval")
	assert.Contains(t, err.Error(), "jobs.cleanup.max_age")
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "old"}, Logging: LoggingConfig{Level: "info"}}
	b := *a
	b.Telegram.Token = "new"
	b.Jobs.Reconcile.Interval = "12h"

	changed, attrs := SummarizeConfigChange(a, &b)
	assert.Equal(t, []string{"telegram", "jobs.reconcile"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"telegram"}, RequiresRestart(changed))

	c := *a
	c.Jobs.Cleanup.Chats = []int64{7}
	changed, _ = SummarizeConfigChange(a, &c)
	assert.Equal(t, []string{"jobs.cleanup"}, changed)

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Setenv("POBOT_TEST_TOKEN", "tok")
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)

	m := NewConfigManager(p)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid: rejected, nothing published.
	writeFile(t, dir, "config.yaml", "telegram: {}\n")
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, sub, 0)

	updated := sampleYAML + "notifier:\n  enabled: true\n  workers: 4\n"
	writeFile(t, dir, "config.yaml", updated)
	select {
	case cfg := <-sub:
		require.NotNil(t, cfg.Notifier)
		assert.Equal(t, 4, cfg.Notifier.Workers)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}
