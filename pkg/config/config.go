// Package config handles rjvm.toml configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "rjvm.toml"

const (
	DefaultMaxFrameDepth   = 1024
	DefaultMethodCacheSize = 256
	DefaultVerbosity       = 1
)

// Config represents an rjvm.toml configuration.
type Config struct {
	VM        VM               `toml:"vm"`
	Log       Log              `toml:"log"`
	ClassPath []ClassPathEntry `toml:"classpath"`
	Entry     Entry            `toml:"entry"`

	// Dir is the directory containing the rjvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// VM configures interpreter limits. Zero limits mean unlimited.
type VM struct {
	MaxFrameDepth   int      `toml:"max-frame-depth"`
	MaxInstructions int64    `toml:"max-instructions"`
	MaxObjects      int      `toml:"max-objects"`
	MethodCacheSize int      `toml:"method-cache-size"`
	Timeout         Duration `toml:"timeout"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// ClassPathEntry is a directory or archive searched for classes.
type ClassPathEntry struct {
	Dir       string `toml:"dir"`
	Namespace string `toml:"namespace"`
}

// Entry names the method the CLI invokes.
type Entry struct {
	Class      string `toml:"class"`
	Method     string `toml:"method"`
	Descriptor string `toml:"descriptor"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses an rjvm.toml file from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "parse error in %s", path)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve path %s", path)
	}

	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.VM.MaxFrameDepth <= 0 {
		c.VM.MaxFrameDepth = DefaultMaxFrameDepth
	}
	if c.VM.MethodCacheSize <= 0 {
		c.VM.MethodCacheSize = DefaultMethodCacheSize
	}
	if c.Log.Verbosity == 0 {
		c.Log.Verbosity = DefaultVerbosity
	}
	if c.Entry.Method == "" {
		c.Entry.Method = "main"
	}
	if c.Entry.Descriptor == "" {
		c.Entry.Descriptor = "()I"
	}
}

// FindAndLoad walks up from startDir to find an rjvm.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ClassPathDirs returns absolute paths for the configured class path
// entries, in order.
func (c *Config) ClassPathDirs() []string {
	var paths []string
	for _, e := range c.ClassPath {
		paths = append(paths, c.resolve(e.Dir))
	}
	return paths
}

// LogPath returns the absolute log file path, or "" for stderr.
func (c *Config) LogPath() string {
	if c.Log.Path == "" {
		return ""
	}
	return c.resolve(c.Log.Path)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
