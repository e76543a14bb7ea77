package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level ubrowser config.
	WorkspaceDirName = ".ubrowser"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10

	// MaxElementsEnv overrides snapshot.max_elements when set to a positive integer.
	MaxElementsEnv = "UBROWSER_MAX_ELEMENTS"

	// DefaultMaxElements caps extraction when nothing else is configured.
	DefaultMaxElements = 100
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the ubrowser MCP server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Browser  BrowserConfig  `yaml:"browser"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Actions  ActionsConfig  `yaml:"actions"`
	MCP      MCPConfig      `yaml:"mcp"`
	Facts    FactsConfig    `yaml:"facts"`
	Recorder RecorderConfig `yaml:"recorder"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// LoggingConfig feeds the zap logger built in cmd/server.
type LoggingConfig struct {
	// Level: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format: json | console.
	Format string `yaml:"format"`
	// OutputPaths overrides the log file; stdio mode must never log to stdout.
	OutputPaths []string `yaml:"output_paths"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chromium", "--disable-gpu"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Stealth opens pages through go-rod/stealth.
	Stealth bool `yaml:"stealth"`
	// BlockResources lists resource types aborted for every page (images, fonts, media, stylesheets).
	BlockResources []string `yaml:"block_resources"`
	// Viewport for new pages (default: 1280x720).
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
	// Default navigation timeout when opening a page (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Optional path to persist named page metadata between restarts.
	PageStore string `yaml:"page_store"`
}

// SnapshotConfig tunes extraction and the per-page mutation cache.
type SnapshotConfig struct {
	MaxElements    int    `yaml:"max_elements"`
	CacheStaleness string `yaml:"cache_staleness"`
}

// ActionsConfig holds the per-tool timeout budgets.
type ActionsConfig struct {
	DefaultTimeout      string `yaml:"default_timeout"`
	StepTimeout         string `yaml:"step_timeout"`
	NavigateStepTimeout string `yaml:"navigate_step_timeout"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// FactsConfig controls the embedded interaction fact engine.
type FactsConfig struct {
	Enable          bool `yaml:"enable"`
	FactBufferLimit int  `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the batch flight recorder.
type RecorderConfig struct {
	Enable   bool   `yaml:"enable"`
	TraceDir string `yaml:"trace_dir"`
}

// MetricsConfig controls Prometheus collectors.
type MetricsConfig struct {
	Enable    bool   `yaml:"enable"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "ubrowser-mcp",
			Version: "0.3.0",
			LogFile: "ubrowser-mcp.log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			BlockResources:           []string{"images", "fonts", "media"},
			ViewportWidth:            1280,
			ViewportHeight:           720,
			DefaultNavigationTimeout: "15s",
			PageStore:                "pages.json",
		},
		Snapshot: SnapshotConfig{
			MaxElements:    DefaultMaxElements,
			CacheStaleness: "5s",
		},
		Actions: ActionsConfig{
			DefaultTimeout:      "30s",
			StepTimeout:         "5s",
			NavigateStepTimeout: "10s",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Facts: FactsConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable:   false,
			TraceDir: "data/traces",
		},
		Metrics: MetricsConfig{
			Enable:    true,
			Namespace: "ubrowser",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .ubrowser/config.yaml file.
// Returns the workspace root directory (parent of .ubrowser/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .ubrowser/config.yaml <- explicit --config <- UBROWSER_* env
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	cfg.applyEnv()
	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .ubrowser/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# ubrowser project-level configuration
# Values here override defaults but are overridden by --config and UBROWSER_* env vars.

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
#   block_resources: [images, fonts, media]

# snapshot:
#   max_elements: 100
#   cache_staleness: "5s"

# recorder:
#   enable: true
#   trace_dir: "data/traces"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces, page store) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.PageStore = resolve(cfg.Browser.PageStore)
	cfg.Recorder.TraceDir = resolve(cfg.Recorder.TraceDir)
	return cfg
}

func (c *Config) applyEnv() {
	raw := os.Getenv(MaxElementsEnv)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return
	}
	c.Snapshot.MaxElements = n
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Snapshot.MaxElements < 0 {
		return errors.New("snapshot.max_elements must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 720
	}
	return b.ViewportHeight
}

// GetMaxElements returns the extraction cap with the default of 100.
func (s SnapshotConfig) GetMaxElements() int {
	if s.MaxElements <= 0 {
		return DefaultMaxElements
	}
	return s.MaxElements
}

// Staleness returns how long a cached extraction stays valid without mutations.
func (s SnapshotConfig) Staleness() time.Duration {
	return parseDuration(s.CacheStaleness, 5*time.Second)
}

// Default is the single-tool timeout budget.
func (a ActionsConfig) Default() time.Duration {
	return parseDuration(a.DefaultTimeout, 30*time.Second)
}

// Step is the per-step timeout inside a batch.
func (a ActionsConfig) Step() time.Duration {
	return parseDuration(a.StepTimeout, 5*time.Second)
}

// NavigateStep is the timeout for navigate steps inside a batch.
func (a ActionsConfig) NavigateStep() time.Duration {
	return parseDuration(a.NavigateStepTimeout, 10*time.Second)
}

// GetTraceDir returns the recorder directory.
func (r RecorderConfig) GetTraceDir() string {
	if r.TraceDir == "" {
		return "data/traces"
	}
	return r.TraceDir
}
