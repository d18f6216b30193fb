// =============================================================================
// 📦 tokenmeter 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/llm/tokenizer"
	"github.com/BaSui01/tokenmeter/types"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Tokenizer:  DefaultTokenizerConfig(),
		Accounting: DefaultAccountingConfig(),
		Remote:     DefaultRemoteConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		MaxBodyBytes:    32 << 20,
	}
}

// DefaultTokenizerConfig 返回默认分词器配置
func DefaultTokenizerConfig() TokenizerConfig {
	return TokenizerConfig{
		Backend:         string(tokenizer.BackendBPE),
		ModelURL:        "http://localhost:5000/static/tokenizer.json",
		Encoding:        "cl100k_base",
		HeapThreshold:   tokenizer.DefaultHeapThreshold,
		MatchTimeout:    tokenizer.DefaultMatchTimeout,
		FetchTimeout:    30 * time.Second,
		MaxTokens:       types.DefaultTokenLimit,
		ValidateOnStart: true,
	}
}

// DefaultAccountingConfig 返回默认计数配置
func DefaultAccountingConfig() AccountingConfig {
	return AccountingConfig{
		Debounce:   accounting.DefaultDebounce,
		TokenLimit: types.DefaultTokenLimit,
	}
}

// DefaultRemoteConfig 返回默认远端服务配置
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout: 30 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		CountTTL:     24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置. 默认不启用审计存储.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "tokenmeter",
		Password:        "",
		Name:            "tokenmeter",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
		Retention:       30 * 24 * time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "tokenmeter",
		SampleRate:   0.1,
	}
}

// PipelineConfig 转换为 accounting.Config
func (a AccountingConfig) PipelineConfig() accounting.Config {
	return accounting.Config{
		Debounce:     a.Debounce,
		TokenLimit:   a.TokenLimit,
		CountTimeout: a.CountTimeout,
	}
}
