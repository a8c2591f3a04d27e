package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Mode selects how the server reaches a browser.
type Mode string

const (
	// ModeLaunch spawns a Chromium with --remote-debugging-port.
	ModeLaunch Mode = "launch"
	// ModeAttach connects to an already-running browser and never spawns
	// or restarts it.
	ModeAttach Mode = "attach"
	// ModeExtension talks to the browser through the extension gateway or
	// the native broker; no direct CDP port is required.
	ModeExtension Mode = "extension"
)

// Config holds all configuration for the server. Every knob is an MCP_*
// environment variable.
type Config struct {
	// Browser configuration
	BrowserMode    string `envconfig:"BROWSER_MODE" default:"launch"`
	BrowserBinary  string `envconfig:"BROWSER_BINARY" default:""`
	BrowserProfile string `envconfig:"BROWSER_PROFILE" default:""`
	BrowserPort    int    `envconfig:"BROWSER_PORT" default:"9222"`

	// Allow-listed HTTP fetch
	AllowHosts  string        `envconfig:"ALLOW_HOSTS" default:""`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"20s"`

	// Extension gateway
	ExtensionHost           string        `envconfig:"EXTENSION_HOST" default:"127.0.0.1"`
	ExtensionPort           int           `envconfig:"EXTENSION_PORT" default:"8765"`
	ExtensionPortSpan       int           `envconfig:"EXTENSION_PORT_SPAN" default:"10"`
	ExtensionPortRange      string        `envconfig:"EXTENSION_PORT_RANGE" default:""`
	ExtensionID             string        `envconfig:"EXTENSION_ID" default:""`
	ExtensionConnectTimeout time.Duration `envconfig:"EXTENSION_CONNECT_TIMEOUT" default:"15s"`
	ExtensionRPCTimeout     time.Duration `envconfig:"EXTENSION_RPC_TIMEOUT" default:"20s"`
	ExtensionForceNewTab    bool          `envconfig:"EXTENSION_FORCE_NEW_TAB" default:"false"`
	ExtensionAutoLaunch     bool          `envconfig:"EXTENSION_AUTO_LAUNCH" default:"false"`
	ExtensionProfile        string        `envconfig:"EXTENSION_PROFILE" default:""`

	// Native broker
	NativeBrokerDir    string `envconfig:"NATIVE_BROKER_DIR" default:""`
	NativeBrokerID     string `envconfig:"NATIVE_BROKER_ID" default:""`
	NativeBrokerSocket string `envconfig:"NATIVE_BROKER_SOCKET" default:""`
	NativeHostDebug    bool   `envconfig:"NATIVE_HOST_DEBUG" default:"false"`

	// Policy and feature toggles
	Policy      string `envconfig:"POLICY" default:"permissive"`
	Tier0       bool   `envconfig:"TIER0" default:"true"`
	Diagnostics bool   `envconfig:"DIAGNOSTICS" default:"true"`
	Downloads   bool   `envconfig:"DOWNLOADS" default:"true"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:""`

	// Bounds
	ArtifactMaxChars  int `envconfig:"ARTIFACT_MAX_CHARS" default:"200000"`
	ChromeLogMaxChars int `envconfig:"CHROME_LOG_MAX_CHARS" default:"20000"`
	HTTPMaxBytes      int `envconfig:"HTTP_MAX_BYTES" default:"2000000"`

	// Paths and identity
	AgentMemoryDir string `envconfig:"AGENT_MEMORY_DIR" default:""`
	DataDir        string `envconfig:"DATA_DIR" default:"data"`
	ServerVersion  string `envconfig:"SERVER_VERSION" default:"dev"`
}

// Load loads configuration from MCP_* environment variables.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("MCP", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	mode := Mode(config.BrowserMode)
	if !slices.Contains([]Mode{ModeLaunch, ModeAttach, ModeExtension}, mode) {
		return fmt.Errorf("MCP_BROWSER_MODE must be launch, attach or extension, got %q", config.BrowserMode)
	}
	if config.Policy != "permissive" && config.Policy != "strict" {
		return fmt.Errorf("MCP_POLICY must be permissive or strict, got %q", config.Policy)
	}
	if mode != ModeExtension && (config.BrowserPort < 1 || config.BrowserPort > 65535) {
		return fmt.Errorf("MCP_BROWSER_PORT must be a valid port, got %d", config.BrowserPort)
	}
	if config.ExtensionPort < 1 || config.ExtensionPort > 65535 {
		return fmt.Errorf("MCP_EXTENSION_PORT must be a valid port, got %d", config.ExtensionPort)
	}
	if config.DataDir == "" {
		return fmt.Errorf("MCP_DATA_DIR is required")
	}
	return nil
}

// Mode returns the validated browser mode.
func (c *Config) Mode() Mode { return Mode(c.BrowserMode) }

// AllowedHosts parses the comma-separated allow-list.
func (c *Config) AllowedHosts() []string {
	if strings.TrimSpace(c.AllowHosts) == "" {
		return nil
	}
	parts := strings.Split(c.AllowHosts, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if h := strings.ToLower(strings.TrimSpace(p)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
