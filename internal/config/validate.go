package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var watchablePipelines = map[string]struct{}{
	"clinical":          {},
	"dicom":             {},
	"bids-participants": {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDMS(); err != nil {
		return err
	}
	if err := c.validateTracker(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validatePipelines(); err != nil {
		return err
	}
	return c.validateWatch()
}

func (c *Config) validateDMS() error {
	if c.DMS.BaseURL == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/intake/config.toml"
		}
		return fmt.Errorf("dms.base_url is required. Edit %s (create with 'intake config init')", defaultPath)
	}
	if !strings.HasPrefix(c.DMS.BaseURL, "http://") && !strings.HasPrefix(c.DMS.BaseURL, "https://") {
		return errors.New("dms.base_url must start with http:// or https://")
	}
	if c.DMS.LegacyURL != "" && !strings.HasPrefix(c.DMS.LegacyURL, "http://") && !strings.HasPrefix(c.DMS.LegacyURL, "https://") {
		return errors.New("dms.legacy_url must start with http:// or https://")
	}
	if c.DMS.Username == "" {
		return errors.New("dms.username must be set (password may come from INTAKE_DMS_PASSWORD)")
	}
	if err := ensurePositiveMap(map[string]int{
		"dms.request_timeout":   c.DMS.RequestTimeout,
		"dms.lookup_batch_size": c.DMS.LookupBatchSize,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTracker() error {
	dsn := c.Tracker.DSN
	if dsn == "" {
		return nil
	}
	for _, prefix := range []string{"file:", "sqlite:", "postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return nil
		}
	}
	if !strings.Contains(dsn, ":") {
		// Bare paths select the JSON ledger backend.
		return nil
	}
	return fmt.Errorf("tracker.dsn has unsupported scheme %q (use file:, sqlite:, or postgres://)", dsn)
}

func (c *Config) validateNotifications() error {
	if !c.Notifications.Enabled {
		return nil
	}
	if c.Notifications.SMTPHost == "" {
		return errors.New("notifications.smtp_host must be set when notifications.enabled is true")
	}
	if c.Notifications.From == "" {
		return errors.New("notifications.from must be set when notifications.enabled is true")
	}
	if len(c.Notifications.Recipients) == 0 {
		return errors.New("notifications.recipients must include at least one address when notifications.enabled is true")
	}
	if err := ensurePositiveMap(map[string]int{
		"notifications.smtp_port":       c.Notifications.SMTPPort,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipelines() error {
	if c.Clinical.IDColumn == "" {
		return errors.New("clinical.id_column must be set")
	}
	switch c.Clinical.Mode {
	case "insert", "update":
	default:
		return fmt.Errorf("clinical.mode must be insert or update, got %q", c.Clinical.Mode)
	}
	if _, err := regexp.Compile(c.DICOM.StudyPattern); err != nil {
		return fmt.Errorf("dicom.study_pattern is not a valid pattern: %w", err)
	}
	if c.BIDS.ParticipantPrefix == "" {
		return errors.New("bids.participant_prefix must be set")
	}
	return nil
}

func (c *Config) validateWatch() error {
	if c.Watch.DebounceSeconds <= 0 {
		return errors.New("watch.debounce_seconds must be positive")
	}
	for _, name := range c.Watch.Pipelines {
		if _, ok := watchablePipelines[name]; !ok {
			return fmt.Errorf("watch.pipelines contains unknown pipeline %q", name)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
