package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/nbrelay/nbrelay/internal/protocol"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is accepted
// and resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation before parsing so ${NATS_URL}
	// and friends work anywhere in the file.
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $NBRELAY_CONFIG, ~/.config/nbrelay/config.yaml,
// /etc/nbrelay/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("NBRELAY_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "nbrelay", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/nbrelay/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	localConfig := "./config.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $NBRELAY_CONFIG, ~/.config/nbrelay, /etc/nbrelay, ./config.yaml)")
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Bus.URL == "" {
		cfg.Bus.URL = defaults.Bus.URL
	}
	if cfg.Bus.ConnectAttempts == 0 {
		cfg.Bus.ConnectAttempts = defaults.Bus.ConnectAttempts
	}
	if cfg.Bus.ConnectBackoff == 0 {
		cfg.Bus.ConnectBackoff = defaults.Bus.ConnectBackoff
	}
	if cfg.Bus.PublishAttempts == 0 {
		cfg.Bus.PublishAttempts = defaults.Bus.PublishAttempts
	}

	if cfg.Subjects.Request == nil {
		cfg.Subjects.Request = defaults.Subjects.Request
	} else {
		for kind, subject := range defaults.Subjects.Request {
			if cfg.Subjects.Request[kind] == "" {
				cfg.Subjects.Request[kind] = subject
			}
		}
	}
	if cfg.Subjects.Response == "" {
		cfg.Subjects.Response = defaults.Subjects.Response
	}
	if cfg.Subjects.NotebookJobs == "" {
		cfg.Subjects.NotebookJobs = defaults.Subjects.NotebookJobs
	}
	if cfg.Subjects.NotebookResult == "" {
		cfg.Subjects.NotebookResult = defaults.Subjects.NotebookResult
	}

	if cfg.Dispatch.QueueGroup == "" {
		cfg.Dispatch.QueueGroup = defaults.Dispatch.QueueGroup
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = defaults.Dispatch.MaxAttempts
	}
	if cfg.Dispatch.Deadline == 0 {
		cfg.Dispatch.Deadline = defaults.Dispatch.Deadline
	}
	if cfg.Dispatch.SweepInterval == 0 {
		cfg.Dispatch.SweepInterval = defaults.Dispatch.SweepInterval
	}

	if cfg.Worker.QueueGroups == nil {
		cfg.Worker.QueueGroups = defaults.Worker.QueueGroups
	} else {
		for kind, group := range defaults.Worker.QueueGroups {
			if cfg.Worker.QueueGroups[kind] == "" {
				cfg.Worker.QueueGroups[kind] = group
			}
		}
	}
	if cfg.Worker.RenderTimeout == 0 {
		cfg.Worker.RenderTimeout = defaults.Worker.RenderTimeout
	}
	if cfg.Worker.GracePeriod == 0 {
		cfg.Worker.GracePeriod = defaults.Worker.GracePeriod
	}
	if cfg.Worker.OutputFormat == "" {
		cfg.Worker.OutputFormat = defaults.Worker.OutputFormat
	}
	if cfg.Worker.CacheSize == 0 {
		cfg.Worker.CacheSize = defaults.Worker.CacheSize
	}
	if cfg.Worker.DrawioBin == "" {
		cfg.Worker.DrawioBin = defaults.Worker.DrawioBin
	}
	if cfg.Worker.PlantUMLBin == "" {
		cfg.Worker.PlantUMLBin = defaults.Worker.PlantUMLBin
	}

	if cfg.Kernel.Subject == "" {
		cfg.Kernel.Subject = defaults.Kernel.Subject
	}
	if cfg.Kernel.Timeout == 0 {
		cfg.Kernel.Timeout = defaults.Kernel.Timeout
	}

	if cfg.JobLog.Path == "" {
		cfg.JobLog.Path = defaults.JobLog.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (caught by validation).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if envVarPattern.MatchString(cfg.Bus.URL) {
		matches := envVarPattern.FindStringSubmatch(cfg.Bus.URL)
		return fmt.Errorf("bus.url: environment variable ${%s} is not set", matches[1])
	}
	if cfg.Bus.ConnectAttempts <= 0 {
		return fmt.Errorf("bus.connect_attempts must be positive")
	}

	for _, kind := range protocol.Kinds() {
		if cfg.Subjects.RequestSubject(kind) == "" {
			return fmt.Errorf("subjects.request.%s is required", kind)
		}
		if cfg.Worker.QueueGroup(kind) == "" {
			return fmt.Errorf("worker.queue_groups.%s is required", kind)
		}
	}
	for kind := range cfg.Subjects.Request {
		if _, err := protocol.ParseKind(string(kind)); err != nil {
			return fmt.Errorf("subjects.request: %w", err)
		}
	}

	if cfg.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive")
	}
	if cfg.Dispatch.Deadline <= 0 {
		return fmt.Errorf("dispatch.deadline must be positive")
	}
	if cfg.Dispatch.SweepInterval <= 0 {
		return fmt.Errorf("dispatch.sweep_interval must be positive")
	}

	switch cfg.Worker.OutputFormat {
	case "png", "svg":
	default:
		return fmt.Errorf("worker.output_format must be png or svg (got %q)", cfg.Worker.OutputFormat)
	}

	if cfg.JobLog.Enabled && cfg.JobLog.Path == "" {
		return fmt.Errorf("job_log.path is required when job_log.enabled")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled")
	}

	return nil
}
