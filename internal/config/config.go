package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the on-disk data roots the pipelines scan and write.
type Paths struct {
	ClinicalIncomingDir string `toml:"clinical_incoming_dir"`
	DICOMIncomingDir    string `toml:"dicom_incoming_dir"`
	BIDSRootDir         string `toml:"bids_root_dir"`
	ArchiveDir          string `toml:"archive_dir"`
	ReidOutputDir       string `toml:"reid_output_dir"`
	StateDir            string `toml:"state_dir"`
}

// DMS contains connection settings for the remote data-management system.
type DMS struct {
	BaseURL         string `toml:"base_url"`
	LegacyURL       string `toml:"legacy_url"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
	RequestTimeout  int    `toml:"request_timeout"`
	LookupBatchSize int    `toml:"lookup_batch_size"`
}

// Tracker selects the processed-record backend. The DSN scheme picks the
// implementation: bare path or file: for the JSON ledger, sqlite: for an
// embedded database, postgres:// for a shared one.
type Tracker struct {
	DSN string `toml:"dsn"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for run report emails.
type Notifications struct {
	Enabled        bool     `toml:"enabled"`
	SMTPHost       string   `toml:"smtp_host"`
	SMTPPort       int      `toml:"smtp_port"`
	SMTPUsername   string   `toml:"smtp_username"`
	SMTPPassword   string   `toml:"smtp_password"`
	From           string   `toml:"from"`
	Recipients     []string `toml:"recipients"`
	RequestTimeout int      `toml:"request_timeout"`
}

// Clinical contains configuration for the clinical CSV pipeline.
type Clinical struct {
	IDColumn      string `toml:"id_column"`
	Mode          string `toml:"mode"`
	CreateMissing bool   `toml:"create_missing"`
}

// DICOM contains configuration for the DICOM study import pipeline.
type DICOM struct {
	StudyPattern  string `toml:"study_pattern"`
	CreateMissing bool   `toml:"create_missing"`
}

// BIDS contains configuration for the BIDS participant pipelines.
type BIDS struct {
	ParticipantPrefix string `toml:"participant_prefix"`
	CreateMissing     bool   `toml:"create_missing"`
}

// Watch contains configuration for continuous ingestion mode.
type Watch struct {
	DebounceSeconds int      `toml:"debounce_seconds"`
	RescanMinutes   int      `toml:"rescan_minutes"`
	Pipelines       []string `toml:"pipelines"`
}

// Config encapsulates all configuration values for intake.
//
// Configuration sections by subsystem:
//   - Paths: data roots for discovery, archival, and state
//   - DMS: remote data-management system connection
//   - Tracker: processed-record backend selection
//   - Logging: log format, level, directory, and retention
//   - Notifications: SMTP settings for run report emails
//   - Clinical / DICOM / BIDS: per-pipeline behaviour
//   - Watch: continuous ingestion mode
type Config struct {
	Paths         Paths         `toml:"paths"`
	DMS           DMS           `toml:"dms"`
	Tracker       Tracker       `toml:"tracker"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Clinical      Clinical      `toml:"clinical"`
	DICOM         DICOM         `toml:"dicom"`
	BIDS          BIDS          `toml:"bids"`
	Watch         Watch         `toml:"watch"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/intake/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("intake.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a run writes to. Incoming data
// roots are created best-effort because they often live on network mounts
// that may be temporarily absent; discovery reports them cleanly later.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Logging.Dir, c.Paths.ArchiveDir, c.Paths.ReidOutputDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, dir := range []string{c.Paths.ClinicalIncomingDir, c.Paths.DICOMIncomingDir, c.Paths.BIDSRootDir} {
		if strings.TrimSpace(dir) != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	return nil
}

// TrackerDSN returns the configured tracker DSN, defaulting to a JSON ledger
// directory under the state dir.
func (c *Config) TrackerDSN() string {
	if dsn := strings.TrimSpace(c.Tracker.DSN); dsn != "" {
		return dsn
	}
	return "file:" + filepath.Join(c.Paths.StateDir, "tracker")
}

// LockDir returns the directory holding per-namespace run locks.
func (c *Config) LockDir() string {
	return filepath.Join(c.Paths.StateDir, "locks")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
