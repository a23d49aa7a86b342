package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is the documented listening port of the bridge.
	DefaultPort = 3000

	defaultHost            = "127.0.0.1"
	defaultMaxMessageBytes = 16 << 20
	defaultTerminateGrace  = 2000
)

// BackendConfig overrides how a fixed-command language server is started.
type BackendConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// JDTLSConfig locates the Eclipse JDT language server installation.
type JDTLSConfig struct {
	Home      string `json:"home,omitempty"`      // installation root, contains plugins/ and config_*/
	Workspace string `json:"workspace,omitempty"` // private -data directory
	JavaHome  string `json:"java_home,omitempty"` // java runtime; empty means "java" on PATH
}

// Config represents application configuration
type Config struct {
	Host             string                   `json:"host"`
	Port             int                      `json:"port"`
	LogLevel         string                   `json:"log_level"` // debug, info, warn, error, none
	LogPath          string                   `json:"log_path,omitempty"`
	PidFile          string                   `json:"pid_file,omitempty"`
	DisabledBackends []string                 `json:"disabled_backends"`
	Backends         map[string]BackendConfig `json:"backends,omitempty"`
	JDTLS            JDTLSConfig              `json:"jdtls"`
	MaxMessageBytes  int64                    `json:"max_message_bytes"`
	MaxConnections   int                      `json:"max_connections,omitempty"` // 0 means unlimited
	TerminateGraceMS int                      `json:"terminate_grace_ms"`
	MetricsEnabled   bool                     `json:"metrics_enabled"`
	PprofEnabled     bool                     `json:"pprof_enabled"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "lspbridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "lspbridge")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "lspbridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "lspbridge")
	}
}

// DefaultConfig returns default configuration. The jdtls back end needs an
// installation on disk, so it starts out disabled.
func DefaultConfig() *Config {
	return &Config{
		Host:             defaultHost,
		Port:             DefaultPort,
		LogLevel:         "info",
		DisabledBackends: []string{"jdtls"},
		Backends:         make(map[string]BackendConfig),
		MaxMessageBytes:  defaultMaxMessageBytes,
		TerminateGraceMS: defaultTerminateGrace,
		MetricsEnabled:   true,
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if config.Host == "" {
		config.Host = defaultHost
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.Backends == nil {
		config.Backends = make(map[string]BackendConfig)
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaultMaxMessageBytes
	}
	if config.TerminateGraceMS <= 0 {
		config.TerminateGraceMS = defaultTerminateGrace
	}

	return config, nil
}

// ApplyEnv overrides file values with the process environment.
func (c *Config) ApplyEnv() error {
	if v, ok := lookup("LSP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LSP_PORT: invalid port %q", v)
		}
		c.Port = port
	}
	if v, ok := lookup("LSPBRIDGE_HOST"); ok {
		c.Host = v
	}
	if v, ok := lookup("LSPBRIDGE_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("LSPBRIDGE_LOG_PATH"); ok {
		c.LogPath = v
	}
	if v, ok := os.LookupEnv("LSPBRIDGE_DISABLED"); ok {
		c.DisabledBackends = splitList(v)
	}
	if v, ok := lookup("JDTLS_HOME"); ok {
		c.JDTLS.Home = v
	}
	if v, ok := lookup("JDTLS_WORKSPACE"); ok {
		c.JDTLS.Workspace = v
	}
	if v, ok := lookup("JAVA_HOME"); ok {
		c.JDTLS.JavaHome = v
	}
	if v, ok := lookup("CLANGD_PATH"); ok {
		c.SetCommand("clangd", v)
	}
	return nil
}

// lookup returns a trimmed, non-empty environment value.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if !isLoopback(c.Host) {
		return fmt.Errorf("host %q is not a loopback address", c.Host)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	for name, b := range c.Backends {
		if b.Command == "" && len(b.Args) > 0 {
			return fmt.Errorf("backend %q: args given without command", name)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TerminateGrace is how long a back end gets between SIGTERM and SIGKILL.
func (c *Config) TerminateGrace() time.Duration {
	return time.Duration(c.TerminateGraceMS) * time.Millisecond
}

// IsDisabled reports whether the named back end is administratively disabled.
func (c *Config) IsDisabled(name string) bool {
	return slices.Contains(c.DisabledBackends, name)
}

// Enable removes name from the disabled set.
func (c *Config) Enable(name string) {
	c.DisabledBackends = slices.DeleteFunc(slices.Clone(c.DisabledBackends), func(s string) bool {
		return s == name
	})
}

// Disable adds name to the disabled set.
func (c *Config) Disable(name string) {
	if !c.IsDisabled(name) {
		c.DisabledBackends = append(c.DisabledBackends, name)
	}
}

// SetCommand overrides the executable of a fixed-command back end, keeping
// any configured arguments.
func (c *Config) SetCommand(name, command string) {
	if c.Backends == nil {
		c.Backends = make(map[string]BackendConfig)
	}
	b := c.Backends[name]
	b.Command = command
	c.Backends[name] = b
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the config path, honouring LSPBRIDGE_CONFIG.
func GetConfigPath() string {
	if p, ok := lookup("LSPBRIDGE_CONFIG"); ok {
		return p
	}
	return filepath.Join(defaultConfigDir(), "config.json")
}
