package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDMS(); err != nil {
		return err
	}
	c.normalizeTracker()
	c.normalizeLogging()
	c.normalizeNotifications()
	c.normalizePipelines()
	c.normalizeWatch()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"paths.clinical_incoming_dir", &c.Paths.ClinicalIncomingDir},
		{"paths.dicom_incoming_dir", &c.Paths.DICOMIncomingDir},
		{"paths.bids_root_dir", &c.Paths.BIDSRootDir},
		{"paths.archive_dir", &c.Paths.ArchiveDir},
		{"paths.reid_output_dir", &c.Paths.ReidOutputDir},
		{"paths.state_dir", &c.Paths.StateDir},
	}
	for _, field := range fields {
		expanded, err := expandPath(*field.value)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeDMS() error {
	c.DMS.BaseURL = strings.TrimRight(strings.TrimSpace(c.DMS.BaseURL), "/")
	c.DMS.LegacyURL = strings.TrimRight(strings.TrimSpace(c.DMS.LegacyURL), "/")
	c.DMS.Username = strings.TrimSpace(c.DMS.Username)
	c.DMS.Password = strings.TrimSpace(c.DMS.Password)
	if c.DMS.Password == "" {
		if value, ok := os.LookupEnv("INTAKE_DMS_PASSWORD"); ok {
			c.DMS.Password = strings.TrimSpace(value)
		}
	}
	if c.DMS.RequestTimeout <= 0 {
		c.DMS.RequestTimeout = defaultRequestTimeout
	}
	if c.DMS.LookupBatchSize <= 0 {
		c.DMS.LookupBatchSize = defaultLookupBatchSize
	}
	return nil
}

func (c *Config) normalizeTracker() {
	c.Tracker.DSN = strings.TrimSpace(c.Tracker.DSN)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	if expanded, err := expandPath(c.Logging.Dir); err == nil {
		c.Logging.Dir = expanded
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.SMTPHost = strings.TrimSpace(c.Notifications.SMTPHost)
	c.Notifications.SMTPUsername = strings.TrimSpace(c.Notifications.SMTPUsername)
	c.Notifications.SMTPPassword = strings.TrimSpace(c.Notifications.SMTPPassword)
	if c.Notifications.SMTPPassword == "" {
		if value, ok := os.LookupEnv("INTAKE_SMTP_PASSWORD"); ok {
			c.Notifications.SMTPPassword = strings.TrimSpace(value)
		}
	}
	c.Notifications.From = strings.TrimSpace(c.Notifications.From)
	if c.Notifications.SMTPPort <= 0 {
		c.Notifications.SMTPPort = defaultSMTPPort
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	recipients := make([]string, 0, len(c.Notifications.Recipients))
	seen := make(map[string]struct{}, len(c.Notifications.Recipients))
	for _, addr := range c.Notifications.Recipients {
		trimmed := strings.TrimSpace(addr)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		recipients = append(recipients, trimmed)
	}
	c.Notifications.Recipients = recipients
}

func (c *Config) normalizePipelines() {
	c.Clinical.IDColumn = strings.TrimSpace(c.Clinical.IDColumn)
	if c.Clinical.IDColumn == "" {
		c.Clinical.IDColumn = defaultClinicalIDColumn
	}
	c.Clinical.Mode = strings.ToLower(strings.TrimSpace(c.Clinical.Mode))
	if c.Clinical.Mode == "" {
		c.Clinical.Mode = defaultClinicalMode
	}
	c.DICOM.StudyPattern = strings.TrimSpace(c.DICOM.StudyPattern)
	if c.DICOM.StudyPattern == "" {
		c.DICOM.StudyPattern = defaultStudyPattern
	}
	c.BIDS.ParticipantPrefix = strings.TrimSpace(c.BIDS.ParticipantPrefix)
	if c.BIDS.ParticipantPrefix == "" {
		c.BIDS.ParticipantPrefix = defaultParticipantPrefix
	}
}

func (c *Config) normalizeWatch() {
	if c.Watch.DebounceSeconds <= 0 {
		c.Watch.DebounceSeconds = defaultWatchDebounce
	}
	if c.Watch.RescanMinutes < 0 {
		c.Watch.RescanMinutes = 0
	}
	pipelines := make([]string, 0, len(c.Watch.Pipelines))
	seen := make(map[string]struct{}, len(c.Watch.Pipelines))
	for _, name := range c.Watch.Pipelines {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		pipelines = append(pipelines, normalized)
	}
	if len(pipelines) == 0 {
		pipelines = []string{"clinical", "dicom"}
	}
	c.Watch.Pipelines = pipelines
}
