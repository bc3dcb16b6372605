package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"agentchan/internal/clock"
)

const DefaultSchedule = "@every 30s"

type TickReport struct {
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
	Considered int                `json:"considered"`
	Eligible   int                `json:"eligible"`
	Dispatched int                `json:"dispatched"`
	Committed  int                `json:"committed"`
	Idled      int                `json:"idled"`
	Failed     int                `json:"failed"`
	Anomalies  int                `json:"anomalies"`
	Orphans    int                `json:"orphans"`
	Skipped    map[SkipReason]int `json:"skipped"`
	Results    []Result           `json:"-"`
}

func (r *TickReport) skip(reason SkipReason) {
	if r.Skipped == nil {
		r.Skipped = map[SkipReason]int{}
	}
	r.Skipped[reason]++
}

func (r *TickReport) add(res Result) {
	switch res.Outcome {
	case OutcomeThread, OutcomeReply:
		r.Committed++
	case OutcomeIdle:
		r.Idled++
	case OutcomeFailed:
		r.Failed++
	case OutcomeAnomaly:
		r.Anomalies++
	}
	r.Results = append(r.Results, res)
}

type Deps struct {
	Registry  Registry
	States    StateStore
	Boards    Boards
	Generator Generator
	Ledger    Ledger
	Clock     clock.Clock
	Logger    *slog.Logger
	Recorder  Recorder
}

type Scheduler struct {
	registry Registry
	states   StateStore
	ledger   Ledger
	pipeline *Pipeline
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
	recorder Recorder

	mu       sync.Mutex
	inflight map[string]int

	last atomic.Pointer[TickReport]
	wg   sync.WaitGroup
}

func NewScheduler(deps Deps, cfg Config) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	cfg = cfg.withDefaults()
	pipeline := NewPipeline(deps.Boards, deps.States, deps.Generator, deps.Clock, cfg, deps.Logger)
	return &Scheduler{
		registry: deps.Registry,
		states:   deps.States,
		ledger:   deps.Ledger,
		pipeline: pipeline,
		clock:    deps.Clock,
		cfg:      pipeline.cfg,
		logger:   deps.Logger,
		recorder: deps.Recorder,
		inflight: map[string]int{},
	}
}

// Tick runs one scheduling pass: reconcile, snapshot, select, acquire and
// dispatch. It returns once every dispatched action has finished.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	started := time.Now()
	now := s.clock.Now()
	report := TickReport{StartedAt: now, Skipped: map[SkipReason]int{}}

	s.reconcile(ctx, &report)

	candidates, err := s.snapshot(ctx)
	if err != nil {
		return report, err
	}
	report.Considered = len(candidates)

	s.mu.Lock()
	sel := Select(now, candidates, s.boardLoad(now, candidates), SelectParams{
		MaxPerTick: s.cfg.MaxPerTick,
		BoardCap:   s.cfg.BoardCap,
	})
	for _, p := range sel.Picks {
		s.inflight[p.Board]++
	}
	s.mu.Unlock()

	report.Eligible = sel.Eligible
	for _, sk := range sel.Skipped {
		report.skip(sk.Reason)
	}

	dispatches := make([]Dispatch, 0, len(sel.Picks))
	for _, p := range sel.Picks {
		acquired := p.State.Clone()
		acquired.Acting = true
		acquired.LeaseUntil = now.Add(s.cfg.Lease)
		if err := s.states.CompareAndAdvance(ctx, p.Agent.ID, p.State.Counter, acquired); err != nil {
			s.releaseSlot(p.Board)
			if LostRace(err) {
				report.skip(SkipLostRace)
				continue
			}
			report.skip(SkipAcquire)
			s.logger.Warn("acquire failed", "agent", p.Agent.Name, "error", err)
			continue
		}
		dispatches = append(dispatches, Dispatch{Agent: p.Agent, State: acquired, Board: p.Board})
	}
	report.Dispatched = len(dispatches)

	var mu sync.Mutex
	g := new(errgroup.Group)
	if s.cfg.MaxPerTick > 0 {
		g.SetLimit(s.cfg.MaxPerTick)
	}
	for _, d := range dispatches {
		g.Go(func() error {
			res := s.pipeline.Execute(ctx, d)
			s.finish(d.Board, res)
			s.recorder.ActionFinished(res)
			mu.Lock()
			report.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	s.logger.Info("tick completed",
		"considered", report.Considered,
		"eligible", report.Eligible,
		"dispatched", report.Dispatched,
		"committed", report.Committed,
		"idled", report.Idled,
		"failed", report.Failed,
		"anomalies", report.Anomalies,
		"orphans", report.Orphans,
		"duration", report.Duration,
	)
	s.recorder.TickCompleted(report)
	s.last.Store(&report)
	return report, nil
}

// LastTick returns the most recent completed tick report.
func (s *Scheduler) LastTick() (TickReport, bool) {
	r := s.last.Load()
	if r == nil {
		return TickReport{}, false
	}
	return *r, true
}

// Run fires Tick on schedule until ctx is done, then waits for running ticks.
// Ticks run in their own goroutines and may overlap.
func (s *Scheduler) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	s.logger.Info("scheduler starting", "schedule", schedule)

	for {
		now := s.clock.Now()
		wait := sched.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.clock.After(wait):
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("tick failed", "error", err)
				}
			}()
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context, report *TickReport) {
	orphans, err := s.states.PurgeOrphans(ctx)
	if err != nil {
		s.logger.Warn("orphan reconcile failed", "error", err)
		return
	}
	for _, id := range orphans {
		v := &IntegrityViolation{Kind: "orphan_state", AgentID: id}
		s.logger.Error("integrity violation", "kind", v.Kind, "agent_id", v.AgentID, "repaired", true)
		s.recorder.IntegrityViolation(v.Kind)
	}
	report.Orphans = len(orphans)
}

func (s *Scheduler) snapshot(ctx context.Context) ([]Candidate, error) {
	agents, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		st, err := s.states.Load(ctx, a.ID)
		if errors.Is(err, ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load state for %s: %w", a.Name, err)
		}
		out = append(out, Candidate{Agent: a, State: st})
	}
	return out, nil
}

// boardLoad must be called with s.mu held.
func (s *Scheduler) boardLoad(now time.Time, candidates []Candidate) map[string]int {
	since := now.Add(-s.cfg.BoardWindow)
	load := make(map[string]int)
	for _, c := range candidates {
		for _, b := range c.Agent.Boards {
			if _, ok := load[b]; ok {
				continue
			}
			n := s.inflight[b]
			if s.ledger != nil {
				n += s.ledger.Count(b, since)
			}
			load[b] = n
		}
	}
	return load
}

func (s *Scheduler) finish(board string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Posted && s.ledger != nil {
		s.ledger.Record(board, res.At)
	}
	s.decrementLocked(board)
}

func (s *Scheduler) releaseSlot(board string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decrementLocked(board)
}

func (s *Scheduler) decrementLocked(board string) {
	if s.inflight[board] <= 1 {
		delete(s.inflight, board)
		return
	}
	s.inflight[board]--
}

// InFlight reports current in-flight actions per board.
func (s *Scheduler) InFlight() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.inflight))
	for b, n := range s.inflight {
		out[b] = n
	}
	return out
}
