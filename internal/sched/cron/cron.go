// Package cron registers recurring task submissions. It is trigger-only:
// each firing submits a fresh task into the scheduling supervisor, which
// owns admission, worker selection, and execution.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentsched/internal/resource"
	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

// Submitter is the slice of the scheduling supervisor the trigger layer
// needs.
type Submitter interface {
	Submit(ctx context.Context, t task.Task) (string, error)
}

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string
}

// Definition is one recurring submission. Template's ID must be empty so
// every firing submits a distinct task; Role and Priority are required as
// for any submission.
type Definition struct {
	Name     string
	Spec     string
	Template task.Task
}

// Service translates cron specs into task submissions.
type Service struct {
	log logx.Logger
	sub Submitter

	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	loc     *time.Location
	defs    []Definition
	entries map[string]cron.EntryID

	wmu      sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		sub: sub,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:  map[string]cron.EntryID{},
		lastWarn: map[string]time.Time{},
	}
}

// NormalizeSpec maps a schedule string onto a cron expression. Plain Go
// durations ("55m", "2h30m") become "@every" intervals; anything with
// whitespace or a leading '@' passes through as a cron spec.
func NormalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("schedule required")
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '55m')", raw)
	}
	if d <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return "@every " + d.String(), nil
}

// Add registers (or replaces, by name) a recurring submission. The spec is
// validated immediately; registration with the underlying cron runner
// happens here if the service is started, otherwise at Start.
func (s *Service) Add(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("schedule name required")
	}
	spec, err := NormalizeSpec(def.Spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", def.Name, err)
	}
	def.Spec = spec

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(def.Name)
	s.defs = append(s.defs, def)
	if s.c != nil {
		if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", def.Name), logx.String("spec", def.Spec), logx.String("role", def.Template.Role))
	return nil
}

// Remove unregisters the named schedule. Returns false when unknown.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// Names lists registered schedule names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.Name)
	}
	return out
}

// Apply installs new config; a timezone change restarts the cron runner
// and re-registers all definitions.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if strings.TrimSpace(cfg.Timezone) != oldTZ || !cfg.Enabled {
		s.stopLocked()
	}
	if cfg.Enabled && s.c == nil {
		s.startLocked()
	}
}

// Start begins triggering. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Any("err", err))
		}
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].Name), logx.Any("err", err))
		}
	}
	s.c.Start()
	s.log.Info("cron triggers started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering; definitions are kept for a later Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.stopLocked()
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("cron triggers stopped")
}

func (s *Service) stopLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	s.entries = map[string]cron.EntryID{}
}

// registerLocked attaches def to the running cron. Caller holds s.mu.
func (s *Service) registerLocked(def *Definition) error {
	name := def.Name
	tmpl := def.Template
	id, err := s.c.AddFunc(def.Spec, func() { s.fire(name, tmpl) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

func (s *Service) removeLocked(name string) bool {
	found := false
	for i, d := range s.defs {
		if d.Name == name {
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			found = true
			break
		}
	}
	if id, ok := s.entries[name]; ok {
		if s.c != nil {
			s.c.Remove(id)
		}
		delete(s.entries, name)
	}
	return found
}

// fire submits one instance of the schedule's template.
func (s *Service) fire(name string, tmpl task.Task) {
	tmpl.ID = "" // a fresh task per trigger
	id, err := s.sub.Submit(context.Background(), tmpl)
	if err != nil {
		s.reportSubmitError(name, err)
		return
	}
	s.log.Debug("schedule fired", logx.String("schedule", name), logx.String("task", id))
}

func (s *Service) reportSubmitError(name string, err error) {
	// Queue-full bursts are expected under load; throttle per schedule.
	if errors.Is(err, resource.ErrQueueFull) {
		now := time.Now()
		s.wmu.Lock()
		last := s.lastWarn[name]
		if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
			s.wmu.Unlock()
			return
		}
		s.lastWarn[name] = now
		s.wmu.Unlock()
	}
	s.log.Warn("schedule failed to submit task", logx.String("schedule", name), logx.Any("err", err))
}
