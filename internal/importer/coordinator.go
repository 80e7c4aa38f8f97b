// Package importer runs import cycles: fetch records from a source
// adapter, upsert them into the evidence store, prune records deleted
// upstream, and derive insights from the fresh evidence.
//
// One Coordinator exists per source and is that source's sole writer into
// the shared store, so cross-source write races cannot happen by
// construction. Kicks are coalesced single-flight: a kick during a running
// cycle schedules exactly one trailing re-run, never a queue.
package importer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ohsnyt/dossier/internal/evidence"
	"github.com/ohsnyt/dossier/internal/insight"
	"github.com/ohsnyt/dossier/internal/source"
	"github.com/ohsnyt/dossier/internal/store"
)

// CycleResult is the deferred status of the most recent import cycle. A
// failed cycle surfaces here, never as a blocking error to the caller.
type CycleResult struct {
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
	Fetched    int
	Created    int
	Updated    int
	Skipped    int
	Pruned     int
	Insights   int
	Err        string
}

// Config is the read-only per-kick configuration for a coordinator.
type Config struct {
	Scope        source.Scope
	Enabled      bool
	CycleTimeout time.Duration
}

// Coordinator serializes import cycles for one source.
type Coordinator struct {
	adapter source.Adapter
	engine  *evidence.Engine
	gen     *insight.Generator
	store   store.Store

	// config returns the current import configuration; it is consulted at
	// the start of every cycle so a settings change applies on the next
	// kick without restarting anything.
	config func() Config

	mu         sync.Mutex
	cond       *sync.Cond
	running    bool
	pending    bool
	lastResult *CycleResult
	cycles     int
}

// NewCoordinator creates a coordinator for one source adapter.
func NewCoordinator(adapter source.Adapter, engine *evidence.Engine, gen *insight.Generator, st store.Store, config func() Config) *Coordinator {
	c := &Coordinator{
		adapter: adapter,
		engine:  engine,
		gen:     gen,
		store:   st,
		config:  config,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Kick requests an import cycle. If one is already running, a single
// trailing re-run is scheduled instead of a concurrent cycle; additional
// kicks while that flag is set are no-ops. Never blocks.
func (c *Coordinator) Kick(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.pending = true
		return
	}
	c.running = true
	go c.loop(reason)
}

func (c *Coordinator) loop(reason string) {
	for {
		result := c.runCycle(reason)

		c.mu.Lock()
		c.lastResult = result
		c.cycles++
		if c.pending {
			c.pending = false
			c.mu.Unlock()
			reason = "coalesced"
			continue
		}
		c.running = false
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}
}

// Wait blocks until the coordinator is idle. Intended for tests and
// shutdown paths; an in-flight cycle always runs to completion.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	for c.running {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// LastResult returns the most recent cycle's status, or nil before the
// first cycle finishes.
func (c *Coordinator) LastResult() *CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// Cycles returns how many cycles have completed.
func (c *Coordinator) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

func (c *Coordinator) runCycle(reason string) *CycleResult {
	result := &CycleResult{Reason: reason, StartedAt: time.Now().UTC()}
	defer func() { result.FinishedAt = time.Now().UTC() }()

	cfg := c.config()
	if !cfg.Enabled {
		result.Err = "import disabled"
		return result
	}

	timeout := cfg.CycleTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// A fetch failure aborts the cycle before any store mutation; the next
	// kick retries.
	records, err := c.adapter.Fetch(ctx, cfg.Scope)
	if err != nil {
		result.Err = err.Error()
		log.Printf("importer[%s]: fetch failed: %v", c.adapter.Name(), err)
		return result
	}
	result.Fetched = len(records)

	upsert, err := c.engine.Upsert(ctx, c.adapter.Source(), records)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	result.Created = upsert.Created
	result.Updated = upsert.Updated
	result.Skipped = upsert.Skipped

	validUIDs, err := c.adapter.ValidUIDs(ctx, cfg.Scope)
	if err != nil {
		// Never prune against an uncertain valid set; the upserted batch
		// stands and pruning happens next cycle.
		result.Err = err.Error()
		log.Printf("importer[%s]: skipping prune: %v", c.adapter.Name(), err)
		return result
	}
	pruned, err := c.engine.Prune(ctx, c.adapter.Source(), validUIDs)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	result.Pruned = pruned

	for _, rec := range records {
		item, err := c.store.GetEvidenceByUID(ctx, rec.ExternalUID)
		if err != nil || item == nil {
			continue
		}
		n, err := c.gen.FromEvidence(ctx, item)
		if err != nil {
			log.Printf("importer[%s]: insight generation for %s: %v", c.adapter.Name(), rec.ExternalUID, err)
			continue
		}
		result.Insights += n
	}

	return result
}
