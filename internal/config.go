package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/laguz/internal/kernel"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig  `yaml:"app"`
	Workspace WorkspaceConfig    `yaml:"workspace"`
	History   HistoryConfig      `yaml:"history"`
	Gateway   GatewayConfig      `yaml:"gateway"`
	Kernels   []KernelSpecConfig `yaml:"kernels"`
	Execution ExecutionConfig    `yaml:"execution"`
	Events    EventsConfig       `yaml:"events"`
	Auth      AuthConfig         `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Workspace.Validate(); err != nil {
		return err
	}
	if err := c.History.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Kernels))
	for i := range c.Kernels {
		if err := c.Kernels[i].Validate(); err != nil {
			return err
		}
		if seen[c.Kernels[i].Name] {
			return fmt.Errorf("config: duplicate kernel name %q", c.Kernels[i].Name)
		}
		seen[c.Kernels[i].Name] = true
	}
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if err := c.Events.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// KernelSpecs converts the configured kernels to runtime specs. Specs
// without their own gateway endpoint inherit the global one.
func (c *Config) KernelSpecs() []kernel.Spec {
	specs := make([]kernel.Spec, 0, len(c.Kernels))
	for _, k := range c.Kernels {
		gw := k.Gateway
		if gw == "" {
			gw = c.Gateway.Endpoint
		}
		specs = append(specs, kernel.Spec{
			Name:        k.Name,
			DisplayName: k.DisplayName,
			Language:    k.Language,
			Gateway:     gw,
		})
	}
	return specs
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// WorkspaceConfig holds the path to the notebook workspace directory.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// HistoryConfig holds the execution-history database configuration.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the history configuration.
func (c *HistoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// GatewayConfig locates the default kernel gateway. Endpoint may be empty
// when every configured kernel carries its own gateway, or when the server
// runs editing-only.
type GatewayConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// Validate validates the gateway configuration.
func (c *GatewayConfig) Validate() error {
	if c.Token != "" && c.Endpoint == "" {
		return fmt.Errorf("gateway: token set but endpoint is empty")
	}
	return nil
}

// KernelSpecConfig describes one kernel offered to notebooks. Gateway
// overrides the global endpoint for this kernel only.
type KernelSpecConfig struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Language    string `yaml:"language"`
	Gateway     string `yaml:"gateway"`
}

// Validate validates one kernel spec.
func (c *KernelSpecConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.DisplayName, validation.Required),
		validation.Field(&c.Language, validation.Required),
	)
}

// ExecutionConfig bounds cell execution.
type ExecutionConfig struct {
	// TimeoutSeconds caps each execute call. Zero picks the built-in
	// default, negative means unbounded.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the execute timeout as a duration.
func (c *ExecutionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate validates the execution configuration.
func (c *ExecutionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TimeoutSeconds, validation.Min(-1)),
	)
}

// EventsConfig tunes the SSE broker.
type EventsConfig struct {
	// OutputThrottleMS coalesces per-cell output events. Zero picks the
	// broker default.
	OutputThrottleMS int `yaml:"output_throttle_ms"`
}

// OutputThrottle returns the throttle window as a duration.
func (c *EventsConfig) OutputThrottle() time.Duration {
	return time.Duration(c.OutputThrottleMS) * time.Millisecond
}

// Validate validates the events configuration.
func (c *EventsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.OutputThrottleMS, validation.Min(0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8888,
			},
		},
		Workspace: WorkspaceConfig{
			Path: "./notebooks",
		},
		History: HistoryConfig{
			Path: "./laguz.db",
		},
		Kernels: []KernelSpecConfig{
			{
				Name:        "python3",
				DisplayName: "Python 3",
				Language:    "python",
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
