// Package scheduler implements the Scheduler Loop: evaluating sleeping
// sessions' triggers, selecting the next pending session by wake
// priority, and invoking the spawner within the configured concurrency
// budget.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/j-tyler/ken/internal/bus"
	"github.com/j-tyler/ken/internal/compose"
	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/spawn"
	"github.com/j-tyler/ken/internal/store"
	"github.com/j-tyler/ken/internal/trigger"
)

// Config controls the scheduler's behavior.
type Config struct {
	MaxActive    int
	PollInterval time.Duration
	ProjectRoot  string
	SocketPath   string
}

// Scheduler drives one engine instance's wake/trigger loop.
type Scheduler struct {
	store    store.Store
	driver   spawn.Driver
	composer *compose.Composer
	bus      bus.EventBus
	log      *logger.Logger
	cfg      Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	handles map[string]spawn.Handle // sessionID -> running agent
}

// New builds a Scheduler.
func New(s store.Store, driver spawn.Driver, composer *compose.Composer, b bus.EventBus, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	return &Scheduler{
		store:    s,
		driver:   driver,
		composer: composer,
		bus:      b,
		log:      log.WithFields(zap.String("component", "scheduler")),
		cfg:      cfg,
		handles:  make(map[string]spawn.Handle),
	}
}

// Start launches the background loop. Stop must be called to release
// its goroutine.
func (sch *Scheduler) Start(ctx context.Context) {
	sch.mu.Lock()
	if sch.running {
		sch.mu.Unlock()
		return
	}
	sch.running = true
	sch.stopCh = make(chan struct{})
	sch.mu.Unlock()

	sch.wg.Add(1)
	go sch.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	if !sch.running {
		sch.mu.Unlock()
		return
	}
	sch.running = false
	close(sch.stopCh)
	sch.mu.Unlock()

	sch.wg.Wait()
}

func (sch *Scheduler) loop(ctx context.Context) {
	defer sch.wg.Done()

	changed, cancel := sch.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(sch.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := sch.Process(ctx); err != nil {
			sch.log.Error("scheduler iteration failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-sch.stopCh:
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}

// Process runs exactly one scheduler iteration: evaluate triggers,
// select the next pending session within budget, compose and spawn it.
// This is what `ken process` invokes to completion.
func (sch *Scheduler) Process(ctx context.Context) error {
	if err := sch.evaluateTriggers(ctx); err != nil {
		return fmt.Errorf("scheduler: evaluate triggers: %w", err)
	}

	return sch.spawnNextIfBudgetAllows(ctx)
}

func (sch *Scheduler) evaluateTriggers(ctx context.Context) error {
	sleepStatus := session.StatusSleeping
	sleeping, err := sch.store.Query(ctx, session.Filter{Status: &sleepStatus})
	if err != nil {
		return err
	}
	if len(sleeping) == 0 {
		return nil
	}

	snap, err := sch.snapshot(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, sess := range sleeping {
		if sess.Trigger == nil {
			continue
		}
		if !trigger.Evaluate(*sess.Trigger, snap, now) {
			continue
		}

		err := sch.store.Transaction(ctx, func(tx store.Tx) error {
			pending := session.StatusPending
			referenced := sess.Trigger.ReferencedIDs()
			if _, err := tx.UpdateSession(ctx, sess.ID, session.Patch{Status: &pending, ClearTrigger: true, LastTriggerIDs: &referenced}); err != nil {
				return err
			}
			_, err := tx.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventTriggerSatisfied, Timestamp: now})
			return err
		})
		if err != nil {
			sch.log.Error("failed to wake sleeping session", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	return nil
}

// storeSnapshot adapts the store to trigger.Snapshot.
type storeSnapshot struct {
	ctx context.Context
	s   store.Store
}

func (sn storeSnapshot) StatusOf(id string) (session.Status, bool) {
	sess, err := sn.s.GetSession(sn.ctx, id)
	if err != nil {
		return "", false
	}
	return sess.Status, true
}

func (sch *Scheduler) snapshot(ctx context.Context) (trigger.Snapshot, error) {
	return storeSnapshot{ctx: ctx, s: sch.store}, nil
}

func (sch *Scheduler) activeCount(ctx context.Context) (int, error) {
	activeStatus := session.StatusActive
	active, err := sch.store.Query(ctx, session.Filter{Status: &activeStatus})
	if err != nil {
		return 0, err
	}
	wakingStatus := session.StatusWaking
	waking, err := sch.store.Query(ctx, session.Filter{Status: &wakingStatus})
	if err != nil {
		return 0, err
	}
	return len(active) + len(waking), nil
}

func (sch *Scheduler) spawnNextIfBudgetAllows(ctx context.Context) error {
	n, err := sch.activeCount(ctx)
	if err != nil {
		return err
	}
	if n >= sch.cfg.MaxActive {
		return nil
	}

	pendingStatus := session.StatusPending
	pending, err := sch.store.Query(ctx, session.Filter{Status: &pendingStatus})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	depthCache := make(map[string]int)
	ordered := orderByWakePriority(pending, func(id string) int {
		return sch.depthOf(ctx, id, depthCache)
	})

	next := ordered[0]
	return sch.spawn(ctx, next)
}

func (sch *Scheduler) depthOf(ctx context.Context, id string, cache map[string]int) int {
	if d, ok := cache[id]; ok {
		return d
	}
	sess, err := sch.store.GetSession(ctx, id)
	if err != nil || sess.ParentID == "" {
		cache[id] = 0
		return 0
	}
	d := 1 + sch.depthOf(ctx, sess.ParentID, cache)
	cache[id] = d
	return d
}

func (sch *Scheduler) spawn(ctx context.Context, sess *session.Session) error {
	waking := session.StatusWaking
	if _, err := sch.store.UpdateSession(ctx, sess.ID, session.Patch{Status: &waking}); err != nil {
		return fmt.Errorf("scheduler: transition to waking: %w", err)
	}

	mode := compose.ModeFresh
	if sess.Recoverable {
		mode = compose.ModeRecover
	}

	kenningPath := filepath.Join(sch.cfg.ProjectRoot, "kens", sess.KenPath, "kenning.md")
	kenningText, err := os.ReadFile(kenningPath)
	if err != nil {
		sch.log.Warn("kenning file missing", zap.String("ken_path", sess.KenPath), zap.Error(err))
		kenningText = []byte{}
	}

	deps, err := sch.dependencyResults(ctx, sess)
	if err != nil {
		sch.log.Warn("failed to load dependency results", zap.Error(err))
	}

	prompt := sch.composer.Compose(compose.Input{
		Session:      sess,
		Mode:         mode,
		KenningText:  string(kenningText),
		ProjectRoot:  sch.cfg.ProjectRoot,
		Dependencies: deps,
	})

	workDir := filepath.Join(sch.cfg.ProjectRoot)
	handle, err := sch.driver.Spawn(ctx, spawn.Spec{SessionID: sess.ID, Prompt: prompt, WorkingDir: workDir, Mode: string(mode), SocketPath: sch.cfg.SocketPath})
	if err != nil {
		failed := session.StatusFailed
		reason := fmt.Sprintf("spawn failed: %v", err)
		_, _ = sch.store.UpdateSession(ctx, sess.ID, session.Patch{Status: &failed, Result: &reason})
		return fmt.Errorf("scheduler: spawn: %w", err)
	}

	sch.mu.Lock()
	sch.handles[sess.ID] = handle
	sch.mu.Unlock()

	_, _ = sch.store.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventAgentSpawned, Data: handle.Pid()})

	active := session.StatusActive
	noLongerRecoverable := false
	consumed := []string{}
	if _, err := sch.store.UpdateSession(ctx, sess.ID, session.Patch{Status: &active, Recoverable: &noLongerRecoverable, LastTriggerIDs: &consumed}); err != nil {
		sch.log.Error("failed to transition waking to active", zap.Error(err))
	}

	sch.wg.Add(1)
	go sch.watch(sess.ID, handle)

	return nil
}

// watch observes an agent process to completion, transitioning the
// session to failed with a synthetic result if it exits without having
// reached a terminal status through the request handler.
func (sch *Scheduler) watch(sessionID string, handle spawn.Handle) {
	defer sch.wg.Done()
	ctx := context.Background()

	result := handle.Wait(ctx)

	sch.mu.Lock()
	delete(sch.handles, sessionID)
	sch.mu.Unlock()

	sess, err := sch.store.GetSession(ctx, sessionID)
	if err != nil {
		sch.log.Error("watch: session vanished", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if sess.Status.Terminal() || sess.Status == session.StatusSleeping {
		return
	}

	failed := session.StatusFailed
	reason := "agent process exited without a terminal request"
	if result.Err != nil {
		reason = fmt.Sprintf("%s: %v", reason, result.Err)
	}
	recoverable := true
	err = sch.store.Transaction(context.Background(), func(tx store.Tx) error {
		if _, err := tx.UpdateSession(ctx, sessionID, session.Patch{Status: &failed, Result: &reason, Recoverable: &recoverable}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: sessionID, Kind: session.EventFailed, Data: reason})
		return err
	})
	if err != nil {
		sch.log.Error("watch: failed to mark session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// dependencyResults loads the outcome of every session referenced by the
// trigger that last woke sess. The trigger itself is gone by the time this
// runs (sleeping->pending clears it, per the trigger<=>sleeping invariant),
// so this reads the ids captured off the trigger at the moment it fired,
// not the trigger on sess itself.
func (sch *Scheduler) dependencyResults(ctx context.Context, sess *session.Session) ([]compose.DependencyResult, error) {
	if len(sess.LastTriggerIDs) == 0 {
		return nil, nil
	}

	var out []compose.DependencyResult
	for _, id := range sess.LastTriggerIDs {
		child, err := sch.store.GetSession(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, compose.DependencyResult{SessionID: child.ID, KenPath: child.KenPath, Status: child.Status, Result: child.Result})
	}
	return out, nil
}
