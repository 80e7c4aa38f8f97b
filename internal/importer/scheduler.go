package importer

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler kicks coordinators on cron schedules for daemon mode.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules periodic kicks for a coordinator. spec is a standard cron
// expression ("*/15 * * * *") or a descriptor ("@hourly").
func (s *Scheduler) Add(name, spec string, c *Coordinator) error {
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("schedule %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		c.Kick("scheduled")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.entries[name] = id
	return nil
}

// Start begins running schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("import scheduler started with %d schedule(s)", len(s.entries))
}

// Stop halts scheduling. Cycles already kicked run to completion.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("import scheduler stopped")
}
