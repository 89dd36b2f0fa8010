package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"agentsched/internal/breaker"
	"agentsched/internal/config"
	"agentsched/internal/observability/pprof"
	"agentsched/internal/resource"
	"agentsched/internal/sched"
	croninternal "agentsched/internal/sched/cron"
	"agentsched/internal/storage"
	"agentsched/internal/task"
)

func mapSchedulerConfig(cfg *config.Config) sched.Config {
	if cfg == nil {
		return sched.Config{}
	}
	return sched.Config{
		HistorySize: cfg.Scheduler.HistorySize,
		SubmitRate:  cfg.Scheduler.SubmitRate,
		SubmitBurst: cfg.Scheduler.SubmitBurst,
	}
}

func mapResourceConfig(cfg *config.Config) (resource.Config, error) {
	var out resource.Config
	if cfg == nil {
		return out, nil
	}
	rc := cfg.Resource

	if rc.MaxConcurrentAgents < 0 {
		return out, fmt.Errorf("resource.max_concurrent_agents must be >= 0")
	}
	if rc.OverflowQueueCapacity < 0 {
		return out, fmt.Errorf("resource.overflow_queue_capacity must be >= 0")
	}
	wait, err := config.ParseDurationField("resource.enqueue_wait", rc.EnqueueWait)
	if err != nil {
		return out, err
	}
	interval, err := config.ParseDurationField("resource.sample_interval", rc.SampleInterval)
	if err != nil {
		return out, err
	}

	out.MaxConcurrentAgents = rc.MaxConcurrentAgents
	out.AgentMemoryLimitMB = rc.AgentMemoryLimitMB
	out.OverflowQueueCapacity = rc.OverflowQueueCapacity
	out.EnqueueWait = wait
	out.SampleInterval = interval
	return out, nil
}

func mapBreakerConfigs(cfg *config.Config) (map[string]breaker.Config, error) {
	if cfg == nil || len(cfg.Breakers) == 0 {
		return nil, nil
	}
	out := make(map[string]breaker.Config, len(cfg.Breakers))
	for name, bc := range cfg.Breakers {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("breakers: empty name")
		}
		if bc.FailureThreshold < 0 {
			return nil, fmt.Errorf("breakers.%s.failure_threshold must be >= 0", name)
		}
		rt, err := config.ParseDurationField("breakers."+name+".recovery_timeout", bc.RecoveryTimeout)
		if err != nil {
			return nil, err
		}
		out[name] = breaker.Config{
			FailureThreshold: bc.FailureThreshold,
			RecoveryTimeout:  rt,
		}
	}
	return out, nil
}

// mapCronDefs validates schedules eagerly so a bad spec is caught at load
// or reload time, not at registration.
func mapCronDefs(cfg *config.Config) ([]croninternal.Definition, error) {
	if cfg == nil || len(cfg.Cron.Schedules) == 0 {
		return nil, nil
	}
	defs := make([]croninternal.Definition, 0, len(cfg.Cron.Schedules))
	for i, sc := range cfg.Cron.Schedules {
		where := fmt.Sprintf("cron.schedules[%d]", i)
		spec, err := croninternal.NormalizeSpec(sc.Spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		prio, err := config.ParsePriority(sc.Priority)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		defs = append(defs, croninternal.Definition{
			Name: sc.Name,
			Spec: spec,
			Template: task.Task{
				Role:     sc.Role,
				Priority: task.Priority(prio),
				Payload:  sc.Payload,
			},
		})
	}
	return defs, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, KeepRecords: sc.KeepRecords}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, KeepRecords: sc.KeepRecords, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapPprofConfig validates and converts the pprof section. It never starts
// the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	var out pprof.Config
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Pprof

	out.Enabled = pc.Enabled
	out.AllowInsecure = pc.AllowInsecure
	out.Token = strings.TrimSpace(pc.Token)
	out.Addr = strings.TrimSpace(pc.Addr)
	out.Prefix = strings.TrimSpace(pc.Prefix)
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	readTO, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO // default 0 (disabled)
	out.IdleTimeout = idleTO

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
