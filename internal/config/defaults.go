package config

const (
	defaultDataDir = "~/.local/share/millrace/data"
	defaultRawDir  = "~/.local/share/millrace/raw"
	defaultLogDir  = "~/.local/share/millrace/logs"
	defaultAPIBind = "127.0.0.1:7512"

	defaultWorkerCount        = 2
	defaultMaxRetries         = 3
	defaultLeaseTTLSeconds    = 120
	defaultPollInterval       = 5
	defaultHeartbeatInterval  = 15
	defaultClaimBatchLimit    = 10
	defaultTransientBackoffMS = 250

	defaultChunkerName    = "simple_chunker"
	defaultChunkerVersion = "v1"
	defaultWindowRunes    = 1200
	defaultOverlapRunes   = 120

	defaultEmbeddingModel  = "hash-embedder-dev"
	defaultVectorDimension = 384

	defaultValidatorInterval   = 300
	defaultValidatorWindow     = 0 // 0 audits the full store
	defaultDriftAlertThreshold = 0.01
	defaultOrphanAlert         = 0

	defaultMigrationBatchSize = 5

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			RawDir:  defaultRawDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Pipeline: Pipeline{
			WorkerCount:        defaultWorkerCount,
			MaxRetries:         defaultMaxRetries,
			LeaseTTLSeconds:    defaultLeaseTTLSeconds,
			PollInterval:       defaultPollInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			ClaimBatchLimit:    defaultClaimBatchLimit,
			TransientBackoffMS: defaultTransientBackoffMS,
		},
		Chunking: Chunking{
			ChunkerName:    defaultChunkerName,
			ChunkerVersion: defaultChunkerVersion,
			WindowRunes:    defaultWindowRunes,
			OverlapRunes:   defaultOverlapRunes,
		},
		Embedding: Embedding{
			Model:           defaultEmbeddingModel,
			VectorDimension: defaultVectorDimension,
		},
		Validator: Validator{
			IntervalSeconds:      defaultValidatorInterval,
			WindowLimit:          defaultValidatorWindow,
			DriftAlertThreshold:  defaultDriftAlertThreshold,
			OrphanAlertThreshold: defaultOrphanAlert,
		},
		Migration: Migration{
			BatchSize: defaultMigrationBatchSize,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
