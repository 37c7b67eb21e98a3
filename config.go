package asknote

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/asknote/asknote/provider"
)

// Config holds all configuration for the asknote engine. It is passed into
// New and never mutated afterwards; per-request overrides go through
// AskOption / SearchOption instead of shared state.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.asknote/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is not
	// set: "home" (default) uses ~/.asknote/, "local" the working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Providers
	Chat      provider.Config `json:"chat" yaml:"chat"`
	Embedding provider.Config `json:"embedding" yaml:"embedding"`

	// Chunking (characters)
	ChunkSize     int `json:"chunk_size" yaml:"chunk_size"`           // child window size (default 500)
	ChunkOverlap  int `json:"chunk_overlap" yaml:"chunk_overlap"`     // child window overlap (default 100)
	ParentMinSize int `json:"parent_min_size" yaml:"parent_min_size"` // merge parents below this (default 2000)
	ParentMaxSize int `json:"parent_max_size" yaml:"parent_max_size"` // split parents above this (default 10000)

	// Retrieval
	TopK               int     `json:"top_k" yaml:"top_k"`                             // results per sub-question (default 10)
	RelevanceThreshold float64 `json:"relevance_threshold" yaml:"relevance_threshold"` // sufficiency cutoff (default 0.5)
	MaxQueryRetries    int     `json:"max_query_retries" yaml:"max_query_retries"`     // rewrite cycles (default 1)

	// MemoryEnabled turns on conversation memory: Ask with a session ID
	// loads prior turns and feeds them to query analysis.
	MemoryEnabled bool `json:"memory_enabled" yaml:"memory_enabled"`

	// Embedding dimensions (must match the embedding model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// DefaultConfig returns a Config with documented defaults. The relevance
// threshold and retry bound are tunables, not load-bearing constants; they
// should be validated against a labeled relevance set before deployment.
func DefaultConfig() Config {
	return Config{
		DBName:     "asknote",
		StorageDir: "home",
		Chat: provider.Config{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: provider.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		ChunkSize:          500,
		ChunkOverlap:       100,
		ParentMinSize:      2000,
		ParentMaxSize:      10000,
		TopK:               10,
		RelevanceThreshold: 0.5,
		MaxQueryRetries:    1,
		MemoryEnabled:      false,
		EmbeddingDim:       768,
	}
}

// LoadConfig reads a YAML config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", ErrInvalidConfig, c.ChunkSize, c.ChunkOverlap)
	}
	if c.ParentMinSize <= 0 || c.ParentMaxSize < c.ParentMinSize {
		return fmt.Errorf("%w: parent_min_size=%d parent_max_size=%d", ErrInvalidConfig, c.ParentMinSize, c.ParentMaxSize)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k=%d", ErrInvalidConfig, c.TopK)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("%w: relevance_threshold=%f", ErrInvalidConfig, c.RelevanceThreshold)
	}
	if c.MaxQueryRetries < 0 {
		return fmt.Errorf("%w: max_query_retries=%d", ErrInvalidConfig, c.MaxQueryRetries)
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "asknote"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".asknote", name+".db")
	}
}
