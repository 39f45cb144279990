package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Blob      BlobConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig
	Redis     RedisConfig
	Chunker   ChunkerConfig
	OCR       OCRConfig
	Ingestion IngestionConfig
	Retrieval RetrievalConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type BlobConfig struct {
	Driver string
	Local  LocalBlobConfig
	Minio  MinioConfig
}

type LocalBlobConfig struct {
	Root string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type VectorConfig struct {
	Driver    string
	Dimension int
	Milvus    MilvusConfig
}

type MilvusConfig struct {
	Endpoint       string
	CollectionName string
	NList          int
	NProbe         int
}

type EmbeddingConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Dimension  int
	BatchSize  int
	TimeoutSec int
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLSec int
}

type ChunkerConfig struct {
	MaxChars     int
	OverlapChars int
	Segmenter    string
}

type OCRConfig struct {
	Driver     string
	URL        string
	DPI        int
	Language   string
	TimeoutSec int
}

type IngestionConfig struct {
	Dispatcher      string
	Workers         int
	QueueSize       int
	StageTimeoutSec int
	Queue           string
}

type RetrievalConfig struct {
	DefaultK           int
	MaxK               int
	QueryLogTimeoutSec int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/docrag")

	v.SetEnvPrefix("DOCRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Chunker.MaxChars <= 0 {
		return fmt.Errorf("chunker.maxChars must be positive, got %d", c.Chunker.MaxChars)
	}
	if c.Chunker.OverlapChars < 0 || c.Chunker.OverlapChars >= c.Chunker.MaxChars {
		return fmt.Errorf("chunker.overlapChars must be in [0, %d), got %d", c.Chunker.MaxChars, c.Chunker.OverlapChars)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Vector.Dimension != 0 && c.Vector.Dimension != c.Embedding.Dimension {
		return fmt.Errorf("vector.dimension %d does not match embedding.dimension %d", c.Vector.Dimension, c.Embedding.Dimension)
	}

	checks := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"blob.driver", c.Blob.Driver, []string{"local", "minio"}},
		{"vector.driver", c.Vector.Driver, []string{"memory", "milvus"}},
		{"embedding.provider", c.Embedding.Provider, []string{"openai", "hash"}},
		{"chunker.segmenter", c.Chunker.Segmenter, []string{"punct", "prose"}},
		{"ocr.driver", c.OCR.Driver, []string{"tesseract", "http", "none"}},
		{"ingestion.dispatcher", c.Ingestion.Dispatcher, []string{"pool", "asynq"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("%s: unknown value %q (allowed: %s)", check.key, check.value, strings.Join(check.allowed, ", "))
		}
	}

	if c.Ingestion.Dispatcher == "asynq" && !c.Redis.Enabled {
		return errors.New("ingestion.dispatcher asynq requires redis.enabled")
	}

	return nil
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 52428800)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/docrag.db")

	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.local.root", "./data/blobs")
	v.SetDefault("blob.minio.endpoint", "localhost:9000")
	v.SetDefault("blob.minio.accessKey", "")
	v.SetDefault("blob.minio.secretKey", "")
	v.SetDefault("blob.minio.bucket", "documents")
	v.SetDefault("blob.minio.useSSL", false)

	v.SetDefault("vector.driver", "memory")
	v.SetDefault("vector.dimension", 0)
	v.SetDefault("vector.milvus.endpoint", "localhost:19530")
	v.SetDefault("vector.milvus.collectionName", "document_fragments")
	v.SetDefault("vector.milvus.nlist", 1024)
	v.SetDefault("vector.milvus.nprobe", 16)

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.apiKey", "")
	v.SetDefault("embedding.baseURL", "")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.batchSize", 100)
	v.SetDefault("embedding.timeoutSec", 30)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLSec", 86400)

	v.SetDefault("chunker.maxChars", 1000)
	v.SetDefault("chunker.overlapChars", 200)
	v.SetDefault("chunker.segmenter", "punct")

	v.SetDefault("ocr.driver", "tesseract")
	v.SetDefault("ocr.url", "http://localhost:8001")
	v.SetDefault("ocr.dpi", 300)
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.timeoutSec", 120)

	v.SetDefault("ingestion.dispatcher", "pool")
	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.queueSize", 64)
	v.SetDefault("ingestion.stageTimeoutSec", 600)
	v.SetDefault("ingestion.queue", "ingestion")

	v.SetDefault("retrieval.defaultK", 5)
	v.SetDefault("retrieval.maxK", 50)
	v.SetDefault("retrieval.queryLogTimeoutSec", 5)

	v.SetDefault("ratelimit.requestsPerMinute", 120)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
