package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-wisp/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore struct {
	values map[string]string
	err    error
}

func (m mapStore) GetSetting(key string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.values[key], nil
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicit path must exist")
	assert.Nil(t, cfg)

	t.Chdir(t.TempDir())
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Monitor.Workers)
	assert.Equal(t, 15*time.Second, cfg.Monitor.PollTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Billing.CheckInterval)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
monitor:
  workers: 4
  poll_timeout: 5s
auth:
  jwt_secret: fixed
`), 0o600))
	t.Setenv("WISP_MONITOR_WORKERS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Monitor.Workers)
	assert.Equal(t, 5*time.Second, cfg.Monitor.PollTimeout)
	assert.Equal(t, "fixed", cfg.Auth.JWTSecret)
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  workers: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestSettings(t *testing.T) {
	tests := []struct {
		name     string
		values   map[string]string
		interval time.Duration
		grace    int
		hour     int
		minute   int
	}{
		{
			name:     "defaults when unset",
			values:   map[string]string{},
			interval: 300 * time.Second,
			grace:    5,
			hour:     2,
		},
		{
			name: "stored values",
			values: map[string]string{
				KeyMonitorInterval:   "60",
				KeyDaysBeforeDue:     "3",
				KeySuspensionRunHour: "23:45",
			},
			interval: time.Minute,
			grace:    3,
			hour:     23,
			minute:   45,
		},
		{
			name: "malformed values fall back",
			values: map[string]string{
				KeyMonitorInterval:   "soon",
				KeyDaysBeforeDue:     "-1",
				KeySuspensionRunHour: "25:00",
			},
			interval: 300 * time.Second,
			grace:    5,
			hour:     2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSettings(mapStore{values: tt.values}, logger.NewTestLogger())
			assert.Equal(t, tt.interval, s.MonitorInterval())
			assert.Equal(t, tt.grace, s.GracePeriodDays())
			h, m := s.AuditRunTime()
			assert.Equal(t, tt.hour, h)
			assert.Equal(t, tt.minute, m)
		})
	}
}

func TestSettingsStoreErrorUsesDefaults(t *testing.T) {
	s := NewSettings(mapStore{err: errors.New("database is locked")}, logger.NewTestLogger())
	assert.Equal(t, DefaultMonitorInterval, s.MonitorInterval())
	assert.Equal(t, DefaultGracePeriodDays, s.GracePeriodDays())
	token, chat := s.TelegramCredentials()
	assert.Empty(t, token)
	assert.Empty(t, chat)
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock(" 07:05 ")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 5, m)

	for _, raw := range []string{"", "7", "07:60", "aa:bb", "1:2:3"} {
		_, _, err := ParseClock(raw)
		assert.ErrorIs(t, err, ErrConfigurationInvalid, raw)
	}
}
