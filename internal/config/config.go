package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	appName = "ragindex"
	envPref = "RAGINDEX_"
)

// Config is the complete ragindex configuration.
type Config struct {
	Index      IndexConfig      `yaml:"index" json:"index"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	HNSW       HNSWConfig       `yaml:"hnsw" json:"hnsw"`
	SQLite     SQLiteConfig     `yaml:"sqlite" json:"sqlite"`
	Chroma     ChromaConfig     `yaml:"chroma" json:"chroma"`
	Mongo      MongoConfig      `yaml:"mongo" json:"mongo"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// IndexConfig selects the backend and where it keeps its data.
type IndexConfig struct {
	// Backend is one of hnsw, sqlite, chroma, mongo. Unknown names fall
	// back to DefaultBackend at construction time.
	Backend        string `yaml:"backend" json:"backend"`
	DefaultBackend string `yaml:"default_backend" json:"default_backend"`

	// DataRoot holds the embedded backends' files.
	DataRoot   string `yaml:"data_root" json:"data_root"`
	Collection string `yaml:"collection" json:"collection"`
	ProjectID  string `yaml:"project_id" json:"project_id"`

	// OperationTimeout bounds how long one operation may hold the write slot.
	OperationTimeout string `yaml:"operation_timeout" json:"operation_timeout"`
}

// ChunkingConfig configures the content chunker. Sizes are in characters.
type ChunkingConfig struct {
	MaxChunkSize int `yaml:"max_chunk_size" json:"max_chunk_size"`
	Overlap      int `yaml:"overlap" json:"overlap"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is static, ollama or openai.
	Provider      string `yaml:"provider" json:"provider"`
	Model         string `yaml:"model" json:"model"`
	Dimensions    int    `yaml:"dimensions" json:"dimensions"`
	OllamaHost    string `yaml:"ollama_host" json:"ollama_host"`
	OpenAIModel   string `yaml:"openai_model" json:"openai_model"`
	OpenAIBaseURL string `yaml:"openai_base_url" json:"openai_base_url"`
	CacheSize     int    `yaml:"cache_size" json:"cache_size"`

	// OpenAIAPIKey is only ever read from the environment.
	OpenAIAPIKey string `yaml:"-" json:"-"`
}

// HNSWConfig tunes the embedded graph backend.
type HNSWConfig struct {
	M        int    `yaml:"m" json:"m"`
	EfSearch int    `yaml:"ef_search" json:"ef_search"`
	Metric   string `yaml:"metric" json:"metric"`
}

// SQLiteConfig tunes the SQLite backend.
type SQLiteConfig struct {
	CacheMB int `yaml:"cache_mb" json:"cache_mb"`
}

// ChromaConfig points at a Chroma server.
type ChromaConfig struct {
	URL      string `yaml:"url" json:"url"`
	Tenant   string `yaml:"tenant" json:"tenant"`
	Database string `yaml:"database" json:"database"`
}

// MongoConfig points at a MongoDB deployment with Atlas Vector Search.
type MongoConfig struct {
	URI           string   `yaml:"uri" json:"uri"`
	Database      string   `yaml:"database" json:"database"`
	IndexName     string   `yaml:"index_name" json:"index_name"`
	NumCandidates int      `yaml:"num_candidates" json:"num_candidates"`
	FilterFields  []string `yaml:"filter_fields" json:"filter_fields"`
}

// ServerConfig configures the MCP/HTTP surfaces.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	Addr      string `yaml:"addr" json:"addr"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Index: IndexConfig{
			Backend:          "hnsw",
			DefaultBackend:   "hnsw",
			DataRoot:         defaultDataRoot(),
			Collection:       "default",
			OperationTimeout: "2m",
		},
		Chunking: ChunkingConfig{
			MaxChunkSize: 2000,
			Overlap:      100,
		},
		Embeddings: EmbeddingsConfig{
			Provider:    "static",
			Model:       "nomic-embed-text",
			OllamaHost:  "http://localhost:11434",
			OpenAIModel: "text-embedding-3-small",
			CacheSize:   1000,
		},
		HNSW: HNSWConfig{
			M:        16,
			EfSearch: 64,
			Metric:   "cos",
		},
		SQLite: SQLiteConfig{
			CacheMB: 64,
		},
		Chroma: ChromaConfig{
			URL: "http://localhost:8000",
		},
		Mongo: MongoConfig{
			URI:           "mongodb://localhost:27017",
			Database:      appName,
			IndexName:     "vector_index",
			NumCandidates: 100,
			FilterFields:  []string{"projectId", "docId", "type", "subtype", "artifactId"},
		},
		Server: ServerConfig{
			Transport: "stdio",
			Addr:      "127.0.0.1:8765",
			LogLevel:  "info",
		},
	}
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "."+appName, "data")
	}
	return filepath.Join(home, "."+appName, "data")
}

// GetUserConfigPath returns the user-level config file:
// $XDG_CONFIG_HOME/ragindex/config.yaml, or ~/.config/ragindex/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", appName, "config.yaml")
	}
	return filepath.Join(home, ".config", appName, "config.yaml")
}

// ProjectConfigPath returns the project config in dir, preferring
// .ragindex.yaml over .ragindex.yml. Empty if neither exists.
func ProjectConfigPath(dir string) string {
	for _, name := range []string{".ragindex.yaml", ".ragindex.yml"} {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// Load resolves the configuration for dir in order of increasing precedence:
//  1. Defaults
//  2. User config
//  3. Project config (.ragindex.yaml in dir)
//  4. dir/.env, which never overrides variables already set
//  5. RAGINDEX_* environment variables
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if p := GetUserConfigPath(); fileExists(p) {
		if err := cfg.loadYAML(p); err != nil {
			return nil, fmt.Errorf("load user config: %w", err)
		}
	}

	if p := ProjectConfigPath(dir); p != "" {
		if err := cfg.loadYAML(p); err != nil {
			return nil, err
		}
	}

	if envPath := filepath.Join(dir, ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML decodes path on top of the current values. Keys absent from the
// file keep whatever an earlier layer set.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(envPref + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(envPref + key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setString("BACKEND", &c.Index.Backend)
	setString("DEFAULT_BACKEND", &c.Index.DefaultBackend)
	setString("DATA_ROOT", &c.Index.DataRoot)
	setString("COLLECTION", &c.Index.Collection)
	setString("PROJECT_ID", &c.Index.ProjectID)
	setString("OPERATION_TIMEOUT", &c.Index.OperationTimeout)

	setInt("CHUNK_SIZE", &c.Chunking.MaxChunkSize)
	setInt("CHUNK_OVERLAP", &c.Chunking.Overlap)

	setString("EMBEDDINGS_PROVIDER", &c.Embeddings.Provider)
	setString("EMBEDDINGS_MODEL", &c.Embeddings.Model)
	setString("OLLAMA_HOST", &c.Embeddings.OllamaHost)
	setString("OPENAI_MODEL", &c.Embeddings.OpenAIModel)
	setString("OPENAI_BASE_URL", &c.Embeddings.OpenAIBaseURL)
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embeddings.OpenAIAPIKey = v
	}
	setString("OPENAI_API_KEY", &c.Embeddings.OpenAIAPIKey)

	setString("CHROMA_URL", &c.Chroma.URL)
	setString("MONGO_URI", &c.Mongo.URI)
	setString("MONGO_DATABASE", &c.Mongo.Database)

	setString("TRANSPORT", &c.Server.Transport)
	setString("ADDR", &c.Server.Addr)
	setString("LOG_LEVEL", &c.Server.LogLevel)
}

// OperationTimeoutDuration parses Index.OperationTimeout.
// Validate guarantees it parses; zero disables the timeout.
func (c *Config) OperationTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Index.OperationTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// Validate checks the final configuration. Unknown backend names are not an
// error here; the factory falls back to the default backend for them.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Index.DataRoot) == "" {
		return fmt.Errorf("index.data_root must not be empty")
	}
	if c.Index.OperationTimeout != "" {
		d, err := time.ParseDuration(c.Index.OperationTimeout)
		if err != nil {
			return fmt.Errorf("index.operation_timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("index.operation_timeout must be non-negative, got %s", d)
		}
	}

	if c.Chunking.MaxChunkSize <= 0 {
		return fmt.Errorf("chunking.max_chunk_size must be positive, got %d", c.Chunking.MaxChunkSize)
	}
	if c.Chunking.Overlap < 0 {
		return fmt.Errorf("chunking.overlap must be non-negative, got %d", c.Chunking.Overlap)
	}

	validProviders := map[string]bool{"static": true, "ollama": true, "openai": true}
	if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
		return fmt.Errorf("embeddings.provider must be 'static', 'ollama' or 'openai', got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.CacheSize < 0 {
		return fmt.Errorf("embeddings.cache_size must be non-negative, got %d", c.Embeddings.CacheSize)
	}

	if c.HNSW.Metric != "cos" && c.HNSW.Metric != "l2" {
		return fmt.Errorf("hnsw.metric must be 'cos' or 'l2', got %q", c.HNSW.Metric)
	}
	if c.HNSW.M < 0 || c.HNSW.EfSearch < 0 {
		return fmt.Errorf("hnsw.m and hnsw.ef_search must be non-negative")
	}
	if c.Mongo.NumCandidates < 0 {
		return fmt.Errorf("mongo.num_candidates must be non-negative, got %d", c.Mongo.NumCandidates)
	}

	validTransports := map[string]bool{"stdio": true, "http": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'stdio' or 'http', got %q", c.Server.Transport)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %q", c.Server.LogLevel)
	}
	return nil
}

// WriteYAML writes the configuration to path, creating parent directories.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
