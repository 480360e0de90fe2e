// Package orchestrator runs rounds: the status state machine, per-agent
// simulation fan-out, progress tracking, force stop and crash recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/backtester"
	"github.com/atlas-desktop/arena-backend/internal/events"
	"github.com/atlas-desktop/arena-backend/internal/market"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/internal/strategy"
	"github.com/atlas-desktop/arena-backend/internal/workers"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/atlas-desktop/arena-backend/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder receives round and agent outcomes, e.g. for Prometheus.
type Recorder interface {
	RoundStarted()
	RoundFinished(status types.RoundStatus, elapsed time.Duration)
	AgentFinished(strategy types.StrategyType, outcome string)
}

// Agent outcomes reported to the Recorder.
const (
	AgentCompleted = "completed"
	AgentKilled    = "killed"
	AgentCancelled = "cancelled"
	AgentSkipped   = "skipped"
	AgentFailed    = "failed"
)

// CacheInvalidator drops cached views of a round.
type CacheInvalidator interface {
	InvalidateRound(roundID string)
}

// Messages recorded on rounds that did not complete normally.
const (
	MsgInterruptedRestart  = "interrupted by server restart"
	MsgInterruptedShutdown = "interrupted by server shutdown"
)

// Config configures the orchestrator.
type Config struct {
	// StopWait bounds how long a force stop waits for the job to drain.
	StopWait time.Duration `json:"stopWait"`

	// PersistRetry governs retries of result and status writes.
	PersistRetry utils.RetryConfig `json:"persistRetry"`

	// SlippageModel names the backtester slippage model, "linear" or "fixed".
	SlippageModel string `json:"slippageModel"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		StopWait: 5 * time.Second,
		PersistRetry: utils.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		},
		SlippageModel: "linear",
	}
}

// Deps are the collaborators of the orchestrator. Recorder and Cache may
// be nil.
type Deps struct {
	Store     *storage.Store
	Generator *market.Generator
	Registry  *strategy.Registry
	Pool      *workers.Pool
	Bus       *events.EventBus
	Recorder  Recorder
	Cache     CacheInvalidator
}

// RoundOrchestrator owns round lifecycles. A round has at most one live
// job; its counters back cheap status polling.
type RoundOrchestrator struct {
	logger *zap.Logger
	config Config

	store     *storage.Store
	generator *market.Generator
	registry  *strategy.Registry
	pool      *workers.Pool
	bus       *events.EventBus
	recorder  Recorder
	cache     CacheInvalidator

	mu      sync.RWMutex
	jobs    map[string]*job
	closing bool
	wg      sync.WaitGroup
}

// New creates an orchestrator.
func New(logger *zap.Logger, config Config, deps Deps) (*RoundOrchestrator, error) {
	if deps.Store == nil || deps.Generator == nil || deps.Pool == nil || deps.Bus == nil {
		return nil, errors.New("orchestrator requires store, generator, pool and event bus")
	}
	if deps.Registry == nil {
		deps.Registry = strategy.NewRegistry(logger)
	}
	if config.StopWait <= 0 {
		config.StopWait = DefaultConfig().StopWait
	}
	if config.PersistRetry.MaxAttempts < 1 {
		config.PersistRetry = DefaultConfig().PersistRetry
	}

	return &RoundOrchestrator{
		logger:    logger.Named("orchestrator"),
		config:    config,
		store:     deps.Store,
		generator: deps.Generator,
		registry:  deps.Registry,
		pool:      deps.Pool,
		bus:       deps.Bus,
		recorder:  deps.Recorder,
		cache:     deps.Cache,
		jobs:      make(map[string]*job),
	}, nil
}

// job is the live state of one RUNNING round.
type job struct {
	roundID   string
	engine    *backtester.Engine
	startedAt time.Time

	// totalAgents is 0 until the agent snapshot is taken.
	totalAgents     atomic.Int64
	totalTicks      atomic.Int64
	ticksDone       atomic.Int64
	agentsProcessed atomic.Int64
	progressBits    atomic.Uint64

	publishMu     sync.Mutex
	lastPublished int64

	interrupted atomic.Bool
	done        chan struct{}
}

// progress is the larger of tick-based and agent-based completion, held
// non-decreasing across calls.
func (j *job) progress() float64 {
	var p float64
	agents := j.totalAgents.Load()
	if total := j.totalTicks.Load() * agents; total > 0 {
		p = float64(j.ticksDone.Load()) / float64(total) * 100
	}
	if agents > 0 {
		p = math.Max(p, float64(j.agentsProcessed.Load())/float64(agents)*100)
	}
	p = math.Min(p, 100)

	for {
		old := j.progressBits.Load()
		if p <= math.Float64frombits(old) {
			return math.Float64frombits(old)
		}
		if j.progressBits.CompareAndSwap(old, math.Float64bits(p)) {
			return p
		}
	}
}

func (o *RoundOrchestrator) liveJob(roundID string) *job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.jobs[roundID]
}

// ActiveRounds returns the number of rounds with a live job.
func (o *RoundOrchestrator) ActiveRounds() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.jobs)
}

// Start moves a PENDING round to RUNNING and launches its job. It returns
// as soon as the job is scheduled.
func (o *RoundOrchestrator) Start(ctx context.Context, roundID string) (*types.RoundStatusResponse, error) {
	round, err := o.store.Rounds.Get(ctx, roundID)
	if err != nil {
		return nil, storageErr(err, "round %s", roundID)
	}
	if round.Status != types.RoundStatusPending {
		return nil, apperr.StateConflict("round is %s; only PENDING rounds can be started", round.Status)
	}

	agents, err := o.store.Agents.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	if countUserAgents(agents) == 0 {
		return nil, apperr.StateConflict("round has no agents")
	}
	if err := round.Config.Market.Validate(); err != nil {
		return nil, apperr.WrapInvalidConfig(err, "invalid market config")
	}
	if err := o.generator.CheckAvailable(ctx, round.Config.Market); err != nil {
		return nil, err
	}

	// The job is registered before the round turns RUNNING, so a
	// concurrent Stop or Shutdown always finds it.
	now := time.Now().UTC()
	j := &job{
		roundID:   roundID,
		engine:    backtester.NewEngine(o.logger),
		startedAt: now,
		done:      make(chan struct{}),
	}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, apperr.StateConflict("server is shutting down")
	}
	if _, ok := o.jobs[roundID]; ok {
		o.mu.Unlock()
		return nil, apperr.StateConflict("round is already starting")
	}
	o.jobs[roundID] = j
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.transition(ctx, roundID, types.RoundStatusPending, storage.RoundTransition{
		To: types.RoundStatusRunning, StartedAt: &now,
	}); err != nil {
		o.release(j)
		return nil, err
	}

	// Agents are frozen from here on; the benchmark joins the snapshot.
	if err := o.addGhost(ctx, roundID, now); err != nil {
		o.abort(j, fmt.Sprintf("failed to add benchmark agent: %v", err))
		return nil, fmt.Errorf("failed to add benchmark agent: %w", err)
	}
	agents, err = o.store.Agents.ListByRound(ctx, roundID)
	if err != nil {
		o.abort(j, "failed to snapshot agents")
		return nil, fmt.Errorf("failed to snapshot agents: %w", err)
	}
	j.totalAgents.Store(int64(len(agents)))
	round.Status = types.RoundStatusRunning
	round.StartedAt = &now

	if o.recorder != nil {
		o.recorder.RoundStarted()
	}
	o.logger.Info("Round started",
		zap.String("round_id", roundID),
		zap.Int64("seed", round.MarketSeed),
		zap.Int("agents", len(agents)),
	)

	status := o.snapshot(round, j)
	o.bus.Publish(events.NewRoundEvent(events.EventRoundStarted, status))

	go o.run(j, round, agents)
	return &status, nil
}

func countUserAgents(agents []types.Agent) int {
	n := 0
	for i := range agents {
		if !agents[i].IsGhost() {
			n++
		}
	}
	return n
}

// ghostConfig holds the full allocation with every risk exit disabled.
func ghostConfig() types.AgentConfig {
	cfg := types.DefaultAgentConfig()
	cfg.RiskParams = types.RiskParams{PositionSizePct: 100, MaxLeverage: 1}
	return cfg
}

func (o *RoundOrchestrator) addGhost(ctx context.Context, roundID string, now time.Time) error {
	err := o.store.Agents.Insert(ctx, &types.Agent{
		ID:           uuid.NewString(),
		RoundID:      roundID,
		UserID:       "",
		StrategyType: types.StrategyGhost,
		Config:       ghostConfig(),
		CreatedAt:    now,
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		return nil
	}
	return err
}

// abort fails a round that was moved to RUNNING but never launched its
// job, then releases the job.
func (o *RoundOrchestrator) abort(j *job, msg string) {
	defer o.release(j)

	ctx := context.Background()
	now := time.Now().UTC()
	if err := o.transition(ctx, j.roundID, types.RoundStatusRunning, storage.RoundTransition{
		To: types.RoundStatusFailed, CompletedAt: &now, ErrorMessage: &msg,
	}); err != nil {
		o.logger.Error("Failed to abort round", zap.String("round_id", j.roundID), zap.Error(err))
	}
	if o.cache != nil {
		o.cache.InvalidateRound(j.roundID)
	}
	if o.recorder != nil {
		o.recorder.RoundFinished(types.RoundStatusFailed, now.Sub(j.startedAt))
	}
}

// release unregisters a job and wakes anyone waiting on it.
func (o *RoundOrchestrator) release(j *job) {
	o.mu.Lock()
	delete(o.jobs, j.roundID)
	o.mu.Unlock()
	close(j.done)
	o.wg.Done()
}

// transition applies a guarded status change after checking the table.
func (o *RoundOrchestrator) transition(ctx context.Context, roundID string, from types.RoundStatus, t storage.RoundTransition) error {
	t.From = from
	if !CanTransition(from, t.To) {
		return apperr.StateConflict("illegal transition %s -> %s", from, t.To)
	}
	err := o.store.Rounds.Transition(ctx, roundID, t)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict):
		return apperr.StateConflict("round is no longer %s", from)
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("round %s not found", roundID)
	}
	return fmt.Errorf("failed to update round status: %w", err)
}

// persistError marks a storage failure that fails the whole round.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return "persist result: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

func (o *RoundOrchestrator) run(j *job, round *types.Round, agents []types.Agent) {
	defer o.release(j)

	ctx := context.Background()
	logger := o.logger.With(zap.String("round_id", round.ID))

	series, err := o.generator.Generate(ctx, round.MarketSeed, round.Config.Market)
	if err != nil {
		logger.Error("Market generation failed", zap.Error(err))
		o.finish(ctx, j, types.RoundStatusFailed, "market generation failed: "+apperr.Message(err))
		return
	}
	j.totalTicks.Store(int64(series.Len()))

	err = o.persist(ctx, func(ctx context.Context) error {
		return o.store.Rounds.SetMarketData(ctx, round.ID, series.PriceData(), series.BenchmarkData())
	})
	if err != nil {
		logger.Error("Failed to persist market data", zap.Error(err))
		o.finish(ctx, j, types.RoundStatusFailed, "failed to persist market data")
		return
	}

	logger.Debug("Fanning out simulations",
		zap.Int("agents", len(agents)),
		zap.Int("ticks", series.Len()),
	)

	tasks := make([]workers.Task, len(agents))
	for i := range agents {
		agent := agents[i]
		tasks[i] = workers.TaskFunc(func(tctx context.Context) error {
			return o.simulate(tctx, j, series, round, agent)
		})
	}
	batchErr := o.pool.RunBatch(ctx, tasks)

	status, msg := o.verdict(j, batchErr)
	o.finish(ctx, j, status, msg)
}

// verdict decides the terminal status from the batch outcome.
func (o *RoundOrchestrator) verdict(j *job, batchErr error) (types.RoundStatus, string) {
	if j.interrupted.Load() {
		return types.RoundStatusFailed, MsgInterruptedShutdown
	}
	if batchErr == nil {
		return types.RoundStatusCompleted, ""
	}

	var berr *workers.BatchError
	if !errors.As(batchErr, &berr) {
		return types.RoundStatusFailed, batchErr.Error()
	}
	for _, err := range berr.Errors {
		var perr *persistError
		if errors.As(err, &perr) {
			return types.RoundStatusFailed, "failed to persist agent result"
		}
	}
	if berr.AllFailed() && !j.engine.IsCancelled() {
		return types.RoundStatusFailed, "all agents failed: " + berr.Errors[0].Error()
	}
	return types.RoundStatusCompleted, ""
}

// simulate runs and persists one agent. A returned error marks the agent
// failed; only a *persistError fails the round.
func (o *RoundOrchestrator) simulate(ctx context.Context, j *job, series *market.Series, round *types.Round, agent types.Agent) error {
	logger := o.logger.With(zap.String("round_id", round.ID), zap.String("agent_id", agent.ID))
	defer func() {
		j.agentsProcessed.Add(1)
		o.publishProgress(j)
	}()

	strat, err := o.registry.Create(agent.StrategyType, agent.Config.StrategyParams)
	if err != nil {
		return o.agentFailed(logger, j, agent, fmt.Errorf("build strategy: %w", err))
	}
	spec := backtester.AgentSpec{
		AgentID:  agent.ID,
		Strategy: strat,
		Config:   agent.Config,
		Market:   round.Config.Market,
		Slippage: backtester.CreateSlippageModel(o.config.SlippageModel, round.Config.Market.BaseSlippage),
	}

	outcome, err := j.engine.Run(ctx, series, spec, func(n int) {
		j.ticksDone.Add(int64(n))
		o.publishProgress(j)
	})
	timedOut := ctx.Err() != nil && !j.engine.IsCancelled()
	switch {
	case errors.Is(err, backtester.ErrNoTicks) && !timedOut:
		logger.Debug("Agent stopped before first tick")
		o.recordAgent(agent, AgentSkipped)
		return nil
	case timedOut:
		return o.agentFailed(logger, j, agent, fmt.Errorf("simulation timed out: %w", ctx.Err()))
	case err != nil:
		return o.agentFailed(logger, j, agent, err)
	}

	result := outcome.Result
	if err := backtester.ValidateTradeLog(result.Trades); err != nil {
		return o.agentFailed(logger, j, agent, err)
	}
	result.ID = uuid.NewString()
	result.AgentID = agent.ID

	err = o.persist(context.Background(), func(ctx context.Context) error {
		err := o.store.Results.Save(ctx, result)
		if errors.Is(err, storage.ErrDuplicateKey) {
			logger.Warn("Result already recorded, keeping the first")
			return nil
		}
		return err
	})
	if err != nil {
		o.recordAgent(agent, AgentFailed)
		logger.Error("Failed to persist agent result", zap.Error(err))
		return &persistError{err: err}
	}

	label := AgentCompleted
	switch {
	case outcome.Killed:
		label = AgentKilled
	case outcome.Cancelled:
		label = AgentCancelled
	}
	o.recordAgent(agent, label)

	logger.Debug("Agent finished",
		zap.String("strategy", string(agent.StrategyType)),
		zap.String("outcome", label),
		zap.Int("ticks", outcome.TicksProcessed),
		zap.Float64("final_equity", result.FinalEquity),
	)

	ev := events.NewRoundEvent(events.EventAgentCompleted, o.jobStatus(j, types.RoundStatusRunning))
	ev.AgentID = agent.ID
	o.bus.Publish(ev)
	return nil
}

func (o *RoundOrchestrator) agentFailed(logger *zap.Logger, j *job, agent types.Agent, err error) error {
	logger.Warn("Agent simulation failed", zap.Error(err))
	o.recordAgent(agent, AgentFailed)

	ev := events.NewRoundEvent(events.EventAgentFailed, o.jobStatus(j, types.RoundStatusRunning))
	ev.AgentID = agent.ID
	ev.Message = err.Error()
	o.bus.Publish(ev)
	return err
}

func (o *RoundOrchestrator) recordAgent(agent types.Agent, outcome string) {
	if o.recorder != nil {
		o.recorder.AgentFinished(agent.StrategyType, outcome)
	}
}

// publishProgress emits a progress event each time the whole percentage
// grows.
func (o *RoundOrchestrator) publishProgress(j *job) {
	j.publishMu.Lock()
	defer j.publishMu.Unlock()

	st := o.jobStatus(j, types.RoundStatusRunning)
	if p := int64(st.Progress); p > j.lastPublished {
		j.lastPublished = p
		o.bus.Publish(events.NewRoundEvent(events.EventRoundProgress, st))
	}
}

func (o *RoundOrchestrator) persist(ctx context.Context, fn func(context.Context) error) error {
	_, err := utils.Retry(ctx, o.config.PersistRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// finish records the terminal status and announces it.
func (o *RoundOrchestrator) finish(ctx context.Context, j *job, status types.RoundStatus, msg string) {
	now := time.Now().UTC()
	t := storage.RoundTransition{To: status, CompletedAt: &now}
	if msg != "" {
		t.ErrorMessage = &msg
	}

	err := o.persist(ctx, func(ctx context.Context) error {
		err := o.transition(ctx, j.roundID, types.RoundStatusRunning, t)
		if apperr.KindOf(err) == apperr.KindStateConflict {
			// Someone already finished the round; nothing to retry.
			return nil
		}
		return err
	})
	if err != nil {
		o.logger.Error("Failed to record round outcome",
			zap.String("round_id", j.roundID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}

	if o.cache != nil {
		o.cache.InvalidateRound(j.roundID)
	}
	if o.recorder != nil {
		o.recorder.RoundFinished(status, now.Sub(j.startedAt))
	}

	fields := []zap.Field{
		zap.String("round_id", j.roundID),
		zap.String("status", string(status)),
		zap.Int64("agents_processed", j.agentsProcessed.Load()),
		zap.Duration("elapsed", now.Sub(j.startedAt)),
	}
	eventType := events.EventRoundCompleted
	if status == types.RoundStatusFailed {
		eventType = events.EventRoundFailed
		o.logger.Warn("Round failed", append(fields, zap.String("error", msg))...)
	} else {
		o.logger.Info("Round completed", fields...)
	}

	st := o.jobStatus(j, status)
	if status == types.RoundStatusCompleted {
		st.Progress = 100
	}
	if msg != "" {
		st.ErrorMessage = &msg
	}
	st.CompletedAt = &now
	o.bus.Publish(events.NewRoundEvent(eventType, st))
}

func (o *RoundOrchestrator) jobStatus(j *job, status types.RoundStatus) types.RoundStatusResponse {
	started := j.startedAt
	return types.RoundStatusResponse{
		ID:              j.roundID,
		Status:          status,
		Progress:        j.progress(),
		AgentsProcessed: int(j.agentsProcessed.Load()),
		TotalAgents:     int(j.totalAgents.Load()),
		StartedAt:       &started,
	}
}

// snapshot merges the stored round with live job counters.
func (o *RoundOrchestrator) snapshot(round *types.Round, j *job) types.RoundStatusResponse {
	st := types.RoundStatusResponse{
		ID:           round.ID,
		Status:       round.Status,
		ErrorMessage: round.ErrorMessage,
		StartedAt:    round.StartedAt,
		CompletedAt:  round.CompletedAt,
		TotalAgents:  round.AgentCount,
	}
	if j != nil {
		st.Progress = j.progress()
		st.AgentsProcessed = int(j.agentsProcessed.Load())
		if n := j.totalAgents.Load(); n > 0 {
			st.TotalAgents = int(n)
		}
	}
	if round.Status == types.RoundStatusCompleted {
		st.Progress = 100
	}
	return st
}

// Status reports a round's progress. It reads counters, never results.
func (o *RoundOrchestrator) Status(ctx context.Context, roundID string) (*types.RoundStatusResponse, error) {
	// Jobs register before the round turns RUNNING and release after it is
	// terminal, so reading the job first never pairs a RUNNING round with a
	// finished job's missing counters.
	j := o.liveJob(roundID)
	round, err := o.store.Rounds.Get(ctx, roundID)
	if err != nil {
		return nil, storageErr(err, "round %s", roundID)
	}

	st := o.snapshot(round, j)
	if j == nil && round.Status != types.RoundStatusPending {
		done, err := o.store.Results.CountByRound(ctx, roundID)
		if err != nil {
			return nil, fmt.Errorf("failed to count results: %w", err)
		}
		st.AgentsProcessed = done
		if round.Status != types.RoundStatusCompleted && st.TotalAgents > 0 {
			st.Progress = math.Min(100, float64(done)/float64(st.TotalAgents)*100)
		}
	}
	return &st, nil
}

// Stop force-stops a RUNNING round. In-flight agents stop at the next tick
// and keep their partial results; the round ends COMPLETED.
func (o *RoundOrchestrator) Stop(ctx context.Context, roundID string) (*types.RoundStatusResponse, error) {
	round, err := o.store.Rounds.Get(ctx, roundID)
	if err != nil {
		return nil, storageErr(err, "round %s", roundID)
	}
	if round.Status != types.RoundStatusRunning {
		return nil, apperr.StateConflict("round is %s; only RUNNING rounds can be stopped", round.Status)
	}

	j := o.liveJob(roundID)
	if j == nil {
		// RUNNING with no job here: close it out directly.
		now := time.Now().UTC()
		err := o.transition(ctx, roundID, types.RoundStatusRunning, storage.RoundTransition{
			To: types.RoundStatusCompleted, CompletedAt: &now,
		})
		if err != nil && apperr.KindOf(err) != apperr.KindStateConflict {
			return nil, err
		}
		if o.cache != nil {
			o.cache.InvalidateRound(roundID)
		}
		return o.Status(ctx, roundID)
	}

	o.logger.Info("Force stopping round", zap.String("round_id", roundID))
	j.engine.Cancel()

	timer := time.NewTimer(o.config.StopWait)
	defer timer.Stop()
	select {
	case <-j.done:
	case <-timer.C:
		o.logger.Warn("Round did not drain within stop wait",
			zap.String("round_id", roundID),
			zap.Duration("stop_wait", o.config.StopWait),
		)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.Status(ctx, roundID)
}

// Recover fails rounds left RUNNING by a previous process. Call once at
// startup before serving requests.
func (o *RoundOrchestrator) Recover(ctx context.Context) (int, error) {
	running := types.RoundStatusRunning
	rounds, err := o.store.Rounds.List(ctx, storage.RoundFilter{Status: &running})
	if err != nil {
		return 0, fmt.Errorf("failed to list running rounds: %w", err)
	}

	recovered := 0
	for _, r := range rounds {
		if o.liveJob(r.ID) != nil {
			continue
		}
		now := time.Now().UTC()
		msg := MsgInterruptedRestart
		err := o.transition(ctx, r.ID, types.RoundStatusRunning, storage.RoundTransition{
			To: types.RoundStatusFailed, CompletedAt: &now, ErrorMessage: &msg,
		})
		if err != nil {
			o.logger.Warn("Failed to recover round", zap.String("round_id", r.ID), zap.Error(err))
			continue
		}
		if o.cache != nil {
			o.cache.InvalidateRound(r.ID)
		}
		recovered++
	}

	if recovered > 0 {
		o.logger.Info("Recovered interrupted rounds", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Shutdown stops accepting starts, cancels live jobs and waits for them to
// record a terminal status.
func (o *RoundOrchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	for _, j := range o.jobs {
		j.interrupted.Store(true)
		j.engine.Cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Orchestrator shutdown complete")
		return nil
	case <-ctx.Done():
		o.logger.Warn("Orchestrator shutdown timed out")
		return ctx.Err()
	}
}

// storageErr maps repository sentinels onto the service taxonomy.
func storageErr(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("%s not found", what)
	case errors.Is(err, storage.ErrConflict):
		return apperr.StateConflict("%s is not in a state that allows this", what)
	case errors.Is(err, storage.ErrInvalidInput):
		return apperr.InvalidConfig("invalid %s", what)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
