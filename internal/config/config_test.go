package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const minimalConfig = `
stock:
  order_base_url: https://shop.example.com/order
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Window.UTCOffsetHours)
	assert.Equal(t, 9, cfg.Window.StartHour)
	assert.Equal(t, 23, cfg.Window.EndHour)
	assert.Equal(t, 1, cfg.Scheduler.InitialConcurrency)
	assert.Equal(t, 3, cfg.Scheduler.DesiredConcurrency)
	assert.Equal(t, 3, cfg.Session.LaunchAttempts)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "productDetails", cfg.Stock.PayloadURLMark)
	assert.NotEmpty(t, cfg.Detector.Keywords)

	minDelay, maxDelay := cfg.PassDelayBounds()
	assert.Equal(t, 3*time.Second, minDelay)
	assert.Equal(t, 5*time.Second, maxDelay)
	assert.Equal(t, 45*time.Second, cfg.LaunchTimeout())
	assert.Equal(t, 30*time.Second, cfg.NavTimeout())
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9090
window:
  utc_offset_hours: 0
  start_hour: 6
  end_hour: 22
scheduler:
  desired_concurrency: 5
  pass_delay_min_ms: 1000
  pass_delay_max_ms: 1500
stock:
  order_base_url: https://shop.example.com/order
notify:
  telegram_token: bot-token
  telegram_chat_id: "42"
`))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Window.UTCOffsetHours)
	assert.Equal(t, 5, cfg.Scheduler.DesiredConcurrency)
	assert.Equal(t, "bot-token", cfg.Notify.TelegramToken)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SENTINEL_SERVER_PORT", "7070")
	t.Setenv("SENTINEL_STOCK_ORDER_BASE_URL", "https://shop.example.com/order")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     string
	}{
		{
			name: "inverted window",
			contents: `
window:
  start_hour: 20
  end_hour: 9
stock:
  order_base_url: https://shop.example.com/order
`,
			want: "window.start_hour",
		},
		{
			name: "initial above desired",
			contents: `
scheduler:
  initial_concurrency: 9
stock:
  order_base_url: https://shop.example.com/order
`,
			want: "initial_concurrency",
		},
		{
			name:     "missing order base url",
			contents: "server:\n  port: 8080\n",
			want:     "order_base_url",
		},
		{
			name: "half-configured telegram",
			contents: `
stock:
  order_base_url: https://shop.example.com/order
notify:
  telegram_token: bot-token
`,
			want: "telegram",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.contents))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
