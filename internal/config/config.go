// internal/config/config.go
//
// This package handles campaign configuration and the .campaign directory
// structure. Every working directory a campaign runs in gets a .campaign/
// folder next to its checkpoint files.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// StateDir is the name of the runtime directory we create in each working directory.
	StateDir = ".campaign"

	configFileName = "config.yaml"
	lockFileName   = "campaign.lock"
)

// ErrInvalid is returned when a campaign configuration fails validation.
var ErrInvalid = errors.New("config: invalid campaign configuration")

const defaultCampaignConfigYAML = `# campaign configuration
version: 1

# Upper bound on loop iterations when running the automatic loop.
max_iterations: 10

# Size of the random bootstrap batch. Leave at 0 when a seed dataset is supplied.
bootstrap_size: 0
random_seed: 42

# Stop after this many iterations when the last three rounds found nothing.
# Omit to disable the heuristic stopper.
# heuristic_stopper: 5

monitor: false
backup: true

log:
  level: info
  console: false

journal:
  enabled: false

# Best-effort upload of checkpoint files after each save.
# sync:
#   bucket: my-campaign-bucket
#   prefix: runs/example
#   credentials_file: /path/to/service-account.json
#   min_interval: 30s
#   concurrency: 4
`

// LogConfig controls the campaign log file.
type LogConfig struct {
	Level   string `yaml:"level" validate:"oneof=debug info warn error"`
	Console bool   `yaml:"console"`
}

// JournalConfig toggles the embedded event journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SyncConfig describes the remote bucket checkpoint files are mirrored to.
type SyncConfig struct {
	Bucket          string        `yaml:"bucket" validate:"required"`
	Prefix          string        `yaml:"prefix"`
	CredentialsFile string        `yaml:"credentials_file,omitempty"`
	MinInterval     time.Duration `yaml:"min_interval" validate:"gte=0"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=0,lte=64"`
}

// Campaign models .campaign/config.yaml.
type Campaign struct {
	Version              int           `yaml:"version" validate:"gte=1"`
	MaxIterations        int           `yaml:"max_iterations" validate:"gte=0"`
	BootstrapSize        int           `yaml:"bootstrap_size" validate:"gte=0"`
	RandomSeed           int64         `yaml:"random_seed"`
	HeuristicStopper     *int          `yaml:"heuristic_stopper,omitempty" validate:"omitempty,gte=0"`
	FinalizeOnExhaustion *bool         `yaml:"finalize_on_exhaustion,omitempty"`
	Monitor              bool          `yaml:"monitor"`
	Backup               bool          `yaml:"backup"`
	Log                  LogConfig     `yaml:"log"`
	Journal              JournalConfig `yaml:"journal"`
	Sync                 *SyncConfig   `yaml:"sync,omitempty"`
}

// Config holds the runtime configuration for one working directory.
type Config struct {
	// WorkDir is the directory holding the checkpoint files.
	WorkDir string

	// StateDir is WorkDir/.campaign
	StateDir string

	Campaign Campaign
}

var validate = validator.New()

// InitWorkDir creates the .campaign directory structure in the given working directory.
//
// Structure created:
// .campaign/
// ├── config.yaml
// ├── logs/       <- campaign.log and progress.log
// └── journal/    <- embedded event journal (when enabled)
func InitWorkDir(workDir string) error {
	stateDir := filepath.Join(workDir, StateDir)
	dirs := []string{
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "journal"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureCampaignConfig(filepath.Join(stateDir, configFileName))
}

// Load reads .campaign/config.yaml from workDir, falling back to defaults
// when the file does not exist yet.
func Load(workDir string) (*Config, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", workDir, err)
	}
	cfg := &Config{
		WorkDir:  abs,
		StateDir: filepath.Join(abs, StateDir),
		Campaign: Default(),
	}
	if err := cfg.loadCampaignConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no config file is present.
func Default() Campaign {
	return Campaign{
		Version:       1,
		MaxIterations: 10,
		RandomSeed:    42,
		Backup:        true,
		Log:           LogConfig{Level: "info"},
	}
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// JournalDir returns the path to the event journal directory
func (c *Config) JournalDir() string {
	return filepath.Join(c.StateDir, "journal")
}

// LockPath returns the advisory lock file guarding the working directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, lockFileName)
}

// ConfigPath returns the on-disk location for the campaign config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDir, configFileName)
}

// LockPath returns the lock file location for an arbitrary working directory.
func LockPath(workDir string) string {
	return filepath.Join(workDir, StateDir, lockFileName)
}

// Save validates the configuration and writes it back to .campaign/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Campaign.normalize()
	if err := c.Campaign.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	data, err := yaml.Marshal(c.Campaign)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write campaign config: %w", err)
	}
	return nil
}

// Validate checks struct constraints and cross-field rules.
func (cc Campaign) Validate() error {
	if err := validate.Struct(cc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cc.Sync != nil && strings.Contains(cc.Sync.Prefix, "..") {
		return fmt.Errorf("%w: sync.prefix must not contain '..'", ErrInvalid)
	}
	return nil
}

// HeuristicStopperEnabled reports whether the trailing no-discovery rule is on.
func (cc Campaign) HeuristicStopperEnabled() bool {
	return cc.HeuristicStopper != nil
}

// ShouldFinalizeOnExhaustion defaults to true when unset.
func (cc Campaign) ShouldFinalizeOnExhaustion() bool {
	if cc.FinalizeOnExhaustion == nil {
		return true
	}
	return *cc.FinalizeOnExhaustion
}

func (c *Config) loadCampaignConfig() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := Default()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.normalize()
	if err := parsed.Validate(); err != nil {
		return err
	}
	c.Campaign = parsed
	return nil
}

func (cc *Campaign) normalize() {
	if cc.Version == 0 {
		cc.Version = 1
	}
	cc.Log.Level = strings.ToLower(strings.TrimSpace(cc.Log.Level))
	if cc.Log.Level == "" {
		cc.Log.Level = "info"
	}
	if cc.Sync != nil {
		cc.Sync.Bucket = strings.TrimSpace(cc.Sync.Bucket)
		cc.Sync.Prefix = strings.Trim(strings.TrimSpace(cc.Sync.Prefix), "/")
		if cc.Sync.Concurrency == 0 {
			cc.Sync.Concurrency = 4
		}
	}
}

func ensureCampaignConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultCampaignConfigYAML), 0o644)
}
