package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Registry:  DefaultRegistryConfig(),
		Identity:  DefaultIdentityConfig(),
		Qdrant:    DefaultQdrantConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultRegistryConfig returns default registry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		StrictUnregister:    false,
		DefaultTopK:         10,
		SimilarityThreshold: 0.25,
		SearchTimeout:       5 * time.Second,
		IndexTimeout:        30 * time.Second,
		IndexBatchSize:      100,
		Overfetch:           3,
	}
}

// DefaultIdentityConfig returns default identity verification settings.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		AdmitUnverified: false,
		Timeout:         5 * time.Second,
	}
}

// DefaultQdrantConfig returns default Qdrant settings.
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:              "localhost",
		Port:              6333,
		Collection:        "agent_capabilities",
		Timeout:           30 * time.Second,
		VectorSize:        0, // 0 = use the embedding provider's dimensions
		UseQuantization:   false,
		HNSWM:             16,
		HNSWEfConstruct:   100,
		FullScanThreshold: 10000,
		OnDisk:            false,
	}
}

// DefaultEmbeddingConfig returns default embedding settings.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:       "openai",
		Model:          "text-embedding-3-small",
		Dimensions:     1536,
		Timeout:        30 * time.Second,
		MaxInputTokens: 8192,
		CacheEnabled:   false,
		CacheTTL:       time.Hour,
	}
}

// DefaultRedisConfig returns default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns default database settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:         false,
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentmesh",
		Password:        "",
		Name:            "agentmesh",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentmesh",
		SampleRate:   1.0,
	}
}
