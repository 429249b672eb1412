package config

const (
	defaultClinicalIncomingDir = "~/studies/clinical"
	defaultDICOMIncomingDir    = "~/studies/dicom"
	defaultBIDSRootDir         = "~/studies/bids"
	defaultArchiveDir          = "~/.local/share/intake/archive"
	defaultReidOutputDir       = "~/.local/share/intake/reidentified"
	defaultStateDir            = "~/.local/share/intake/state"
	defaultLogDir              = "~/.local/share/intake/logs"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogRetentionDays    = 60
	defaultRequestTimeout      = 30
	defaultLookupBatchSize     = 50
	defaultSMTPPort            = 587
	defaultNotifyTimeout       = 15
	defaultClinicalIDColumn    = "subject_id"
	defaultClinicalMode        = "insert"
	defaultStudyPattern        = `^(?P<subject>[A-Za-z][A-Za-z0-9]*)_(?P<date>\d{8})_(?P<desc>[A-Za-z0-9][A-Za-z0-9_-]*)$`
	defaultParticipantPrefix   = "sub-"
	defaultWatchDebounce       = 5
	defaultWatchRescanMinutes  = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ClinicalIncomingDir: defaultClinicalIncomingDir,
			DICOMIncomingDir:    defaultDICOMIncomingDir,
			BIDSRootDir:         defaultBIDSRootDir,
			ArchiveDir:          defaultArchiveDir,
			ReidOutputDir:       defaultReidOutputDir,
			StateDir:            defaultStateDir,
		},
		DMS: DMS{
			RequestTimeout:  defaultRequestTimeout,
			LookupBatchSize: defaultLookupBatchSize,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			Dir:           defaultLogDir,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			SMTPPort:       defaultSMTPPort,
			RequestTimeout: defaultNotifyTimeout,
		},
		Clinical: Clinical{
			IDColumn:      defaultClinicalIDColumn,
			Mode:          defaultClinicalMode,
			CreateMissing: true,
		},
		DICOM: DICOM{
			StudyPattern:  defaultStudyPattern,
			CreateMissing: true,
		},
		BIDS: BIDS{
			ParticipantPrefix: defaultParticipantPrefix,
			CreateMissing:     true,
		},
		Watch: Watch{
			DebounceSeconds: defaultWatchDebounce,
			RescanMinutes:   defaultWatchRescanMinutes,
			Pipelines:       []string{"clinical", "dicom"},
		},
	}
}
