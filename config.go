package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/i5heu/ouroboros-vault/internal/keyValStore"
	"github.com/i5heu/ouroboros-vault/pkg/keyvault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Reserved box names.
const (
	BoxNormal      = "normal"
	BoxSecure      = "secure"
	BoxNormalFiles = "normalFiles"
	BoxSecureFiles = "secureFiles"
)

var reservedBoxes = []BoxDescriptor{
	{Name: BoxNormal},
	{Name: BoxSecure, Encrypted: true},
	{Name: BoxNormalFiles},
	{Name: BoxSecureFiles, Encrypted: true},
}

func isReserved(name string) bool {
	for _, d := range reservedBoxes {
		if d.Name == name {
			return true
		}
	}
	return false
}

// BoxDescriptor declares a custom box. Encrypted boxes are encrypted at rest
// with the master key. Lazy boxes are opened on first use instead of at Init.
type BoxDescriptor struct {
	Name       string
	Encrypted  bool
	LazyLoaded bool
}

// Thresholds control when work moves to the worker pool and when file
// encryption switches to the chunked stream.
type Thresholds struct {
	JSONIsolateChars        int `yaml:"jsonIsolateThresholdChars"`
	Base64IsolateBytes      int `yaml:"base64IsolateThresholdBytes"`
	StreamingThresholdBytes int `yaml:"secureFileStreamingThresholdBytes"`
	StreamingChunkSizeBytes int `yaml:"secureFileStreamingChunkSizeBytes"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		JSONIsolateChars:        50000,
		Base64IsolateBytes:      64 * 1024,
		StreamingThresholdBytes: 8 * 1024 * 1024,
		StreamingChunkSizeBytes: 1024 * 1024,
	}
}

// withDefaults fills every unset value from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.JSONIsolateChars == 0 {
		t.JSONIsolateChars = d.JSONIsolateChars
	}
	if t.Base64IsolateBytes == 0 {
		t.Base64IsolateBytes = d.Base64IsolateBytes
	}
	if t.StreamingThresholdBytes == 0 {
		t.StreamingThresholdBytes = d.StreamingThresholdBytes
	}
	if t.StreamingChunkSizeBytes == 0 {
		t.StreamingChunkSizeBytes = d.StreamingChunkSizeBytes
	}
	return t
}

func (t Thresholds) Validate() error {
	if t.JSONIsolateChars <= 0 || t.Base64IsolateBytes <= 0 ||
		t.StreamingThresholdBytes <= 0 || t.StreamingChunkSizeBytes <= 0 {
		return errors.New("thresholds must be positive")
	}
	if t.StreamingChunkSizeBytes > t.StreamingThresholdBytes {
		return fmt.Errorf("chunk size %d exceeds streaming threshold %d",
			t.StreamingChunkSizeBytes, t.StreamingThresholdBytes)
	}
	return nil
}

// LoadThresholds reads thresholds from a YAML file. Missing values take their
// defaults.
func LoadThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("reading thresholds: %w", err)
	}
	var t Thresholds
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return Thresholds{}, fmt.Errorf("parsing thresholds: %w", err)
	}
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

type Config struct {
	// Path is the data directory. Each box lives in Path/boxes/<name>, file
	// blobs in Path/files.
	Path string
	// InMemory keeps every box in memory; Path and FilesOnDisk are ignored.
	InMemory bool
	// MinimumFreeGB is checked before an on-disk box is opened.
	MinimumFreeGB int

	CustomBoxes []BoxDescriptor

	// Vault holds the master key and the per-file keys. Required.
	Vault keyvault.Vault
	// Logger defaults to a logrus logger on stderr at Info level.
	Logger *logrus.Logger
	// Registerer receives the engine's counters when set.
	Registerer prometheus.Registerer

	Thresholds Thresholds
	// Workers sizes the background pool, zero means one per CPU.
	Workers int
	// FilesOnDisk stores file payloads as blobs on disk instead of inside the
	// file boxes.
	FilesOnDisk bool
	// Compaction overrides the box compaction predicate.
	Compaction keyValStore.CompactionPolicy
}

func (c *Config) checkConfig() error {
	if c.Vault == nil {
		return errors.New("no key vault configured")
	}
	if !c.InMemory && c.Path == "" {
		return errors.New("no path provided")
	}
	if c.InMemory {
		c.FilesOnDisk = false
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetLevel(logrus.InfoLevel)
	}
	if c.Compaction == nil {
		c.Compaction = keyValStore.DefaultCompaction
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c.Thresholds.Validate()
}

func validateDescriptors(custom []BoxDescriptor) error {
	seen := make(map[string]bool, len(custom))
	for _, d := range custom {
		switch {
		case d.Name == "":
			return errors.New("custom box with empty name")
		case strings.ContainsAny(d.Name, `/\`) || d.Name == "." || d.Name == "..":
			return fmt.Errorf("custom box name %q is not a valid directory name", d.Name)
		case isReserved(d.Name):
			return fmt.Errorf("custom box %q uses a reserved name", d.Name)
		case seen[d.Name]:
			return fmt.Errorf("custom box %q declared twice", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
