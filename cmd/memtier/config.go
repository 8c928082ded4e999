package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/viper"

	"github.com/hupe1980/memtier"
	"github.com/hupe1980/memtier/blobstore"
	"github.com/hupe1980/memtier/blobstore/minio"
	s3store "github.com/hupe1980/memtier/blobstore/s3"
	"github.com/hupe1980/memtier/embedder"
)

// Config is the CLI configuration. Every key can be set in memtier.yaml,
// as a MEMTIER_ environment variable (dots become underscores) or, for
// the global ones, as a flag.
type Config struct {
	Dir      string          `mapstructure:"dir"`
	LogLevel string          `mapstructure:"log_level"`
	Format   string          `mapstructure:"format"`
	Embedder EmbedderConfig  `mapstructure:"embedder"`
	Rerank   RerankConfig    `mapstructure:"rerank"`
	Cache    CacheConfig     `mapstructure:"cache"`
	Backup   BackupConfig    `mapstructure:"backup"`
	Index    IndexConfig     `mapstructure:"index"`
	Tiers    TierLimitConfig `mapstructure:"tiers"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	// Provider is "hash" or "openai".
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
}

// RerankConfig selects the second-stage reranker of recall.
type RerankConfig struct {
	// Provider is "none" or "bm25".
	Provider string  `mapstructure:"provider"`
	Blend    float32 `mapstructure:"blend"`
}

type CacheConfig struct {
	MaxBytes int64         `mapstructure:"max_bytes"`
	TTL      time.Duration `mapstructure:"ttl"`
	Sync     bool          `mapstructure:"sync"`
}

type IndexConfig struct {
	M              int `mapstructure:"m"`
	EFConstruction int `mapstructure:"ef_construction"`
	EFSearch       int `mapstructure:"ef_search"`
}

// TierLimitConfig caps the record count per tier. Zero leaves the tier
// bounded by the memory budget only.
type TierLimitConfig struct {
	Interact int `mapstructure:"interact"`
	Insights int `mapstructure:"insights"`
	Assets   int `mapstructure:"assets"`
}

// BackupConfig selects the backup target.
type BackupConfig struct {
	// Target is "local", "s3" or "minio".
	Target string `mapstructure:"target"`
	// Path is the directory of the local target.
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	// DynamoDBTable keeps CURRENT in DynamoDB for the s3 target.
	DynamoDBTable string `mapstructure:"dynamodb_table"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Secure        bool   `mapstructure:"secure"`
	Keep          int    `mapstructure:"keep"`
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memtier"
	}
	return filepath.Join(home, ".memtier")
}

// setDefaults registers every key; AutomaticEnv only reaches keys viper
// knows about when unmarshalling.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dir", defaultDir())
	v.SetDefault("log_level", "warn")
	v.SetDefault("format", "text")

	v.SetDefault("embedder.provider", "hash")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.dimensions", 256)
	v.SetDefault("embedder.base_url", "")
	v.SetDefault("embedder.api_key", "")

	v.SetDefault("rerank.provider", "none")
	v.SetDefault("rerank.blend", 0.5)

	v.SetDefault("cache.max_bytes", 64<<20)
	v.SetDefault("cache.ttl", 30*24*time.Hour)
	v.SetDefault("cache.sync", false)

	v.SetDefault("index.m", 0)
	v.SetDefault("index.ef_construction", 0)
	v.SetDefault("index.ef_search", 0)

	v.SetDefault("tiers.interact", 0)
	v.SetDefault("tiers.insights", 0)
	v.SetDefault("tiers.assets", 0)

	v.SetDefault("backup.target", "local")
	v.SetDefault("backup.path", "")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.prefix", "")
	v.SetDefault("backup.dynamodb_table", "")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.access_key", "")
	v.SetDefault("backup.secret_key", "")
	v.SetDefault("backup.secure", false)
	v.SetDefault("backup.keep", 7)
}

func setupEnv(v *viper.Viper) {
	v.SetEnvPrefix("MEMTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	switch cfg.Format {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("unknown output format %q", cfg.Format)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func (c Config) newEmbedder() (embedder.Embedder, error) {
	switch strings.ToLower(c.Embedder.Provider) {
	case "hash":
		return embedder.NewHash(c.Embedder.Dimensions), nil
	case "openai":
		key := c.Embedder.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return embedder.NewOpenAI(embedder.OpenAIConfig{
			APIKey:     key,
			BaseURL:    c.Embedder.BaseURL,
			Model:      c.Embedder.Model,
			Dimensions: c.Embedder.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
}

func (c Config) newReranker() (embedder.Reranker, error) {
	switch strings.ToLower(c.Rerank.Provider) {
	case "none", "":
		return nil, nil
	case "bm25":
		return &embedder.BM25{Blend: c.Rerank.Blend}, nil
	default:
		return nil, fmt.Errorf("unknown rerank provider %q", c.Rerank.Provider)
	}
}

// memoryOptions maps the config onto library options. background is false
// for one-shot commands.
func (c Config) memoryOptions(background bool) ([]memtier.Option, error) {
	emb, err := c.newEmbedder()
	if err != nil {
		return nil, err
	}
	rr, err := c.newReranker()
	if err != nil {
		return nil, err
	}
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	opts := []memtier.Option{
		memtier.WithEmbedder(emb),
		memtier.WithLogLevel(level),
		memtier.WithEmbeddingCache(c.Cache.MaxBytes, c.Cache.TTL),
		memtier.WithIndexParams(memtier.IndexParams{
			M:              c.Index.M,
			EFConstruction: c.Index.EFConstruction,
			EFSearch:       c.Index.EFSearch,
		}),
	}
	if rr != nil {
		opts = append(opts, memtier.WithReranker(rr))
	}
	if c.Cache.Sync {
		opts = append(opts, memtier.WithSyncCacheWrites())
	}
	if !background {
		opts = append(opts, memtier.WithoutBackground())
	}

	tiers := memtier.DefaultTierConfigs()
	for t, limit := range map[memtier.Tier]int{
		memtier.Interact: c.Tiers.Interact,
		memtier.Insights: c.Tiers.Insights,
		memtier.Assets:   c.Tiers.Assets,
	} {
		if limit > 0 {
			tc := tiers[t]
			tc.MaxRecords = limit
			opts = append(opts, memtier.WithTierConfig(t, tc))
		}
	}
	return opts, nil
}

// openBlobStore connects to the configured backup target.
func (c Config) openBlobStore(ctx context.Context) (blobstore.BlobStore, error) {
	b := c.Backup
	switch strings.ToLower(b.Target) {
	case "local", "":
		path := b.Path
		if path == "" {
			path = filepath.Join(c.Dir, "..", filepath.Base(c.Dir)+"-backups")
		}
		return blobstore.NewLocalStore(path), nil
	case "s3":
		if b.Bucket == "" {
			return nil, fmt.Errorf("backup.bucket is required for the s3 target")
		}
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		var store blobstore.BlobStore = s3store.NewStore(awss3.NewFromConfig(awsCfg), b.Bucket, b.Prefix)
		if b.DynamoDBTable != "" {
			baseURI := "s3://" + b.Bucket + "/" + strings.Trim(b.Prefix, "/")
			store = s3store.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), b.DynamoDBTable, baseURI)
		}
		return store, nil
	case "minio":
		return minio.New(ctx, minio.Config{
			Endpoint:     b.Endpoint,
			AccessKey:    b.AccessKey,
			SecretKey:    b.SecretKey,
			Secure:       b.Secure,
			Bucket:       b.Bucket,
			Prefix:       b.Prefix,
			CreateBucket: true,
		})
	default:
		return nil, fmt.Errorf("unknown backup target %q", b.Target)
	}
}
