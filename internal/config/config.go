package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for chronicler.
type Config struct {
	RepoDir    string           `toml:"repo_dir"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Git        GitConfig        `toml:"git"`
	Journal    JournalConfig    `toml:"journal"`
	Index      IndexConfig      `toml:"index"`
	Mirror     MirrorConfig     `toml:"mirror"`
	Encryption EncryptionConfig `toml:"encryption"`
	Spool      SpoolConfig      `toml:"spool"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Sync       SyncConfig       `toml:"sync"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// Duration is a time.Duration written as a string such as "5m" or "200ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// GitConfig controls the archive repository.
type GitConfig struct {
	// Remote is the push URL. It may reference ${CHRONICLER_GIT_TOKEN}, which
	// is expanded from the environment when the remote is configured.
	Remote         string   `toml:"remote,omitempty"`
	Branch         string   `toml:"branch"`
	AuthorName     string   `toml:"author_name"`
	AuthorEmail    string   `toml:"author_email"`
	PushPolicy     string   `toml:"push_policy"` // "reject" (default) or "rebase"
	CommitAttempts int      `toml:"commit_attempts"`
	CommitBackoff  Duration `toml:"commit_backoff"`
}

// JournalConfig represents configuration for the operation journal.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type JournalConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// IndexConfig sizes the in-memory message id index.
type IndexConfig struct {
	CacheSize int `toml:"cache_size"` // number of topics kept in memory
}

// MirrorConfig represents configuration for the off-site attachment mirror.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
// An empty Type disables mirroring.
type MirrorConfig struct {
	Type    string `toml:"type"` // "", "memory", "s3", or "filesystem"
	Name    string `toml:"name,omitempty"`
	Encrypt bool   `toml:"encrypt"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// Enabled reports whether a mirror backend is configured.
func (m MirrorConfig) Enabled() bool {
	return m.Type != ""
}

// EncryptionConfig holds paths to the age key pair used for mirrored attachments.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// SpoolConfig configures the inbox directory transport.
type SpoolConfig struct {
	Dir    string   `toml:"dir"`
	Ignore []string `toml:"ignore"` // gitignore-style patterns
}

// PipelineConfig configures frame routing. An empty AllowedChats archives
// every chat.
type PipelineConfig struct {
	AllowedChats []int64  `toml:"allowed_chats,omitempty"`
	QueueSize    int      `toml:"queue_size"` // frames buffered per stream
	IdleTimeout  Duration `toml:"idle_timeout"`
}

// SyncConfig configures the background push scheduler.
type SyncConfig struct {
	Interval Duration `toml:"interval"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr,omitempty"`
}

// NewConfig creates a new Config with defaults rooted at baseDir, archiving
// into repoDir.
func NewConfig(baseDir, repoDir string) *Config {
	return &Config{
		RepoDir: repoDir,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Git: GitConfig{
			Branch:         "main",
			AuthorName:     "chronicler",
			AuthorEmail:    "chronicler@localhost",
			PushPolicy:     "reject",
			CommitAttempts: 3,
			CommitBackoff:  Duration{200 * time.Millisecond},
		},
		Journal: JournalConfig{
			Type:    "sqlite",
			DataDir: baseDir,
		},
		Index: IndexConfig{CacheSize: 256},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "chronicler.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "chronicler.key"),
		},
		Spool: SpoolConfig{
			Dir:    filepath.Join(baseDir, "spool"),
			Ignore: []string{".*", "*.tmp"},
		},
		Pipeline: PipelineConfig{QueueSize: 64, IdleTimeout: Duration{time.Minute}},
		Sync:     SyncConfig{Interval: Duration{5 * time.Minute}},
	}
}

// Validate checks for unknown types and missing required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.RepoDir == "" {
		errs = append(errs, errors.New("repo_dir is required"))
	}

	switch c.Git.PushPolicy {
	case "", "reject", "rebase":
	default:
		errs = append(errs, fmt.Errorf("unknown git.push_policy: %s", c.Git.PushPolicy))
	}
	if c.Git.CommitAttempts < 0 {
		errs = append(errs, errors.New("git.commit_attempts must not be negative"))
	}

	switch c.Journal.Type {
	case "memory":
	case "sqlite":
		if c.Journal.DataDir == "" {
			errs = append(errs, errors.New("journal.data_dir is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal.type: %s", c.Journal.Type))
	}

	switch c.Mirror.Type {
	case "", "memory":
	case "filesystem":
		if c.Mirror.FSVaultRoot == "" {
			errs = append(errs, errors.New("mirror.fs_vault_root is required for filesystem"))
		}
	case "s3":
		if c.Mirror.S3Bucket == "" {
			errs = append(errs, errors.New("mirror.s3_bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirror.type: %s", c.Mirror.Type))
	}

	if c.Mirror.Encrypt {
		switch c.Encryption.Type {
		case "", "age":
			if c.Encryption.PublicKeyPath == "" || c.Encryption.PrivateKeyPath == "" {
				errs = append(errs, errors.New("encryption key paths are required when mirror.encrypt is set"))
			}
		case "test":
		default:
			errs = append(errs, fmt.Errorf("unknown encryption.type: %s", c.Encryption.Type))
		}
	}

	if c.Pipeline.QueueSize < 0 {
		errs = append(errs, errors.New("pipeline.queue_size must not be negative"))
	}
	if c.Pipeline.IdleTimeout.Duration < 0 {
		errs = append(errs, errors.New("pipeline.idle_timeout must not be negative"))
	}
	if c.Sync.Interval.Duration < 0 {
		errs = append(errs, errors.New("sync.interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
