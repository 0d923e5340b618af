package config

import (
	"time"

	"github.com/nbrelay/nbrelay/internal/protocol"
)

// Config represents the complete nbrelay configuration. One file serves all
// three roles (init, worker, dispatcher); each role reads its own section.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Bus      BusConfig      `yaml:"bus"`
	Subjects SubjectsConfig `yaml:"subjects"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Worker   WorkerConfig   `yaml:"worker"`
	Kernel   KernelConfig   `yaml:"kernel,omitempty"`
	JobLog   JobLogConfig   `yaml:"job_log,omitempty"`
	API      APIConfig      `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BusConfig defines the NATS connection.
type BusConfig struct {
	URL             string        `yaml:"url"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`
	PublishAttempts int           `yaml:"publish_attempts"`
}

// SubjectsConfig names the bus subjects. Request maps converter kind to its
// request subject; the remaining fields are the dispatcher's own subjects.
type SubjectsConfig struct {
	Request        map[protocol.Kind]string `yaml:"request"`
	Response       string                   `yaml:"response"`
	NotebookJobs   string                   `yaml:"notebook_jobs"`
	NotebookResult string                   `yaml:"notebook_result"`
}

// RequestSubject returns the request subject for a kind, empty if unknown.
func (s SubjectsConfig) RequestSubject(kind protocol.Kind) string {
	return s.Request[kind]
}

// DispatchConfig defines dispatcher behavior.
type DispatchConfig struct {
	QueueGroup    string        `yaml:"queue_group"`
	MaxAttempts   int           `yaml:"max_attempts"` // per-block render attempts
	Deadline      time.Duration `yaml:"deadline"`     // per-job wall clock budget
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LockPath      string        `yaml:"lock_path,omitempty"`
}

// WorkerConfig defines converter worker behavior.
type WorkerConfig struct {
	QueueGroups   map[protocol.Kind]string `yaml:"queue_groups"`
	RenderTimeout time.Duration            `yaml:"render_timeout"`
	GracePeriod   time.Duration            `yaml:"grace_period"`
	OutputFormat  string                   `yaml:"output_format"`
	CacheSize     int                      `yaml:"cache_size"`
	DrawioBin     string                   `yaml:"drawio_bin"`
	PlantUMLBin   string                   `yaml:"plantuml_bin"`
}

// QueueGroup returns the queue group for a kind.
func (w WorkerConfig) QueueGroup(kind protocol.Kind) string {
	return w.QueueGroups[kind]
}

// KernelConfig defines the opaque code-cell execution collaborator.
type KernelConfig struct {
	Enabled bool          `yaml:"enabled"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// JobLogConfig defines the terminal-job audit log.
type JobLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig defines the dispatcher's status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config with working defaults. Subject and queue group
// names follow the converter services this relay fronts.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "nbrelay",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Bus: BusConfig{
			URL:             "nats://localhost:4222",
			ConnectAttempts: 5,
			ConnectBackoff:  1 * time.Second,
			PublishAttempts: 3,
		},
		Subjects: SubjectsConfig{
			Request: map[protocol.Kind]string{
				protocol.KindDrawio:   "drawio.process",
				protocol.KindPlantUML: "plantuml.process",
			},
			Response:       "img.result",
			NotebookJobs:   "notebook.process",
			NotebookResult: "notebook.result",
		},
		Dispatch: DispatchConfig{
			QueueGroup:    "NOTEBOOK_DISPATCHER",
			MaxAttempts:   3,
			Deadline:      5 * time.Minute,
			SweepInterval: 10 * time.Second,
		},
		Worker: WorkerConfig{
			QueueGroups: map[protocol.Kind]string{
				protocol.KindDrawio:   "DRAWIO_CONVERTER",
				protocol.KindPlantUML: "PLANTUML_CONVERTER",
			},
			RenderTimeout: 120 * time.Second,
			GracePeriod:   5 * time.Second,
			OutputFormat:  "png",
			CacheSize:     256,
			DrawioBin:     "drawio",
			PlantUMLBin:   "plantuml",
		},
		Kernel: KernelConfig{
			Enabled: false,
			Subject: "kernel.execute",
			Timeout: 60 * time.Second,
		},
		JobLog: JobLogConfig{
			Enabled: false,
			Path:    "./data/joblog.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
