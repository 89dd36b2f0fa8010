package config

import (
	"fmt"
	"strings"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Resource  ResourceConfig  `json:"resource"`

	// Breakers configures circuit breakers per external dependency name.
	Breakers map[string]BreakerConfig `json:"breakers,omitempty"`

	Cron    CronConfig     `json:"cron,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduling supervisor.
type SchedulerConfig struct {
	HistorySize int     `json:"history_size,omitempty"`
	SubmitRate  float64 `json:"submit_rate,omitempty"`
	SubmitBurst int     `json:"submit_burst,omitempty"`
}

// ResourceConfig controls admission.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent_agents: 50
//   - agent_memory_limit_mb: 512
//   - overflow_queue_capacity: 200
//   - enqueue_wait: "5s"
type ResourceConfig struct {
	MaxConcurrentAgents   int    `json:"max_concurrent_agents,omitempty"`
	AgentMemoryLimitMB    int    `json:"agent_memory_limit_mb,omitempty"`
	OverflowQueueCapacity int    `json:"overflow_queue_capacity,omitempty"`
	EnqueueWait           string `json:"enqueue_wait,omitempty"`
	SampleInterval        string `json:"sample_interval,omitempty"`
}

// BreakerConfig configures one named circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`
}

type CronConfig struct {
	Enabled   bool             `json:"enabled"`
	Timezone  string           `json:"timezone,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// ScheduleConfig is one recurring submission.
type ScheduleConfig struct {
	Name     string         `json:"name"`
	Spec     string         `json:"spec"`
	Role     string         `json:"role"`
	Priority string         `json:"priority,omitempty"` // critical|high|medium|low|background
	Payload  map[string]any `json:"payload,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	KeepRecords int    `json:"keep_records,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost; a non-loopback bind requires a token or an
// explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks cross-field constraints the strict decoder cannot.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("resource.enqueue_wait", c.Resource.EnqueueWait); err != nil {
		return err
	}
	if _, err := ParseDurationField("resource.sample_interval", c.Resource.SampleInterval); err != nil {
		return err
	}
	for name, b := range c.Breakers {
		if _, err := ParseDurationField("breakers."+name+".recovery_timeout", b.RecoveryTimeout); err != nil {
			return err
		}
	}
	for i, sc := range c.Cron.Schedules {
		where := fmt.Sprintf("cron.schedules[%d]", i)
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		if strings.TrimSpace(sc.Spec) == "" {
			return fmt.Errorf("%s: spec is required", where)
		}
		if strings.TrimSpace(sc.Role) == "" {
			return fmt.Errorf("%s: role is required", where)
		}
		if sc.Priority != "" {
			if _, err := ParsePriority(sc.Priority); err != nil {
				return fmt.Errorf("%s: %w", where, err)
			}
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Scheduler.SubmitRate < 0 {
		return fmt.Errorf("scheduler.submit_rate must be >= 0")
	}
	return nil
}

// ParsePriority maps a config string onto a priority tier index.
func ParsePriority(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return 0, nil
	case "high":
		return 1, nil
	case "", "medium":
		return 2, nil
	case "low":
		return 3, nil
	case "background":
		return 4, nil
	default:
		return 0, fmt.Errorf("invalid priority %q", s)
	}
}
