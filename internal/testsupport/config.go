package testsupport

import (
	"path/filepath"
	"testing"

	"intake/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The data roots all exist; DMS credentials are set but no endpoint is, so
// tests that reach the network must point the config at a test server.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ClinicalIncomingDir = filepath.Join(base, "clinical")
	cfgVal.Paths.DICOMIncomingDir = filepath.Join(base, "dicom")
	cfgVal.Paths.BIDSRootDir = filepath.Join(base, "bids")
	cfgVal.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfgVal.Paths.ReidOutputDir = filepath.Join(base, "reid")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Logging.Dir = filepath.Join(base, "logs")
	cfgVal.DMS.Username = "svc"
	cfgVal.DMS.Password = "secret"

	if err := cfgVal.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithDMS points the v2 API endpoint at a test server.
func WithDMS(baseURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.DMS.BaseURL = baseURL
	}
}

// WithLegacyDMS points the legacy fallback endpoint at a test server.
func WithLegacyDMS(legacyURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.DMS.LegacyURL = legacyURL
	}
}

// WithTrackerDSN overrides the processed-tracker backend on the test config.
func WithTrackerDSN(dsn string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Tracker.DSN = dsn
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
