package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runtime setting keys stored in the settings table
const (
	KeyMonitorInterval   = "default_monitor_interval"
	KeyDaysBeforeDue     = "days_before_due"
	KeySuspensionRunHour = "suspension_run_hour"
	KeyTelegramToken     = "telegram_bot_token"
	KeyTelegramChatID    = "telegram_chat_id"
)

const (
	DefaultMonitorInterval = 300 * time.Second
	DefaultGracePeriodDays = 5
	DefaultAuditHour       = 2
	DefaultAuditMinute     = 0
)

// SettingsStore is the key/value backend for runtime settings
type SettingsStore interface {
	GetSetting(key string) (string, error)
}

// Settings reads operator-editable values fresh on every call, so edits take
// effect on the next cycle without a restart. Malformed values are logged
// and replaced by their defaults.
type Settings struct {
	store  SettingsStore
	logger zerolog.Logger
}

func NewSettings(store SettingsStore, logger zerolog.Logger) *Settings {
	return &Settings{store: store, logger: logger}
}

// MonitorInterval is the pause between fleet polling cycles
func (s *Settings) MonitorInterval() time.Duration {
	raw, ok := s.get(KeyMonitorInterval)
	if !ok {
		return DefaultMonitorInterval
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		s.invalid(KeyMonitorInterval, raw, DefaultMonitorInterval.String())
		return DefaultMonitorInterval
	}
	return time.Duration(secs) * time.Second
}

// GracePeriodDays is how many days before the due date a client turns pending
func (s *Settings) GracePeriodDays() int {
	raw, ok := s.get(KeyDaysBeforeDue)
	if !ok {
		return DefaultGracePeriodDays
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		s.invalid(KeyDaysBeforeDue, raw, strconv.Itoa(DefaultGracePeriodDays))
		return DefaultGracePeriodDays
	}
	return days
}

// AuditRunTime is the local time of day the daily reconciliation runs at
func (s *Settings) AuditRunTime() (hour, minute int) {
	raw, ok := s.get(KeySuspensionRunHour)
	if !ok {
		return DefaultAuditHour, DefaultAuditMinute
	}
	h, m, err := ParseClock(raw)
	if err != nil {
		s.invalid(KeySuspensionRunHour, raw, "02:00")
		return DefaultAuditHour, DefaultAuditMinute
	}
	return h, m
}

// TelegramCredentials returns the bot token and chat id, empty when unset
func (s *Settings) TelegramCredentials() (token, chatID string) {
	token, _ = s.get(KeyTelegramToken)
	chatID, _ = s.get(KeyTelegramChatID)
	return token, chatID
}

// ParseClock parses an "HH:MM" 24h clock value
func ParseClock(raw string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q is not HH:MM", ErrConfigurationInvalid, raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour out of range in %q", ErrConfigurationInvalid, raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute out of range in %q", ErrConfigurationInvalid, raw)
	}
	return hour, minute, nil
}

func (s *Settings) get(key string) (string, bool) {
	raw, err := s.store.GetSetting(key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("settings read failed, using default")
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (s *Settings) invalid(key, raw, fallback string) {
	s.logger.Warn().
		Err(ErrConfigurationInvalid).
		Str("key", key).
		Str("value", raw).
		Str("fallback", fallback).
		Msg("invalid setting, using default")
}
