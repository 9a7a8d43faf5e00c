package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/Galaxerum/dif-bot/internal/allocation"
	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository"
	"github.com/Galaxerum/dif-bot/internal/ws"
)

// ErrPersistence wraps store failures that halt a run.
var ErrPersistence = errors.New("distribution: persistence failure")

const (
	kindSetup    = "setup"
	kindRun      = "distribute"
	kindSimulate = "simulate"
	kindClear    = "clear"
)

// Broadcaster publishes payloads to live subscribers.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Options tunes service defaults.
type Options struct {
	// SimulationTeamCount sizes a simulation when neither a quota nor
	// persisted teams are available.
	SimulationTeamCount int
	// Notifier delivers team rosters to members; nil disables Announce.
	Notifier Notifier
}

// Service orchestrates color setup, distribution runs and simulations.
type Service struct {
	store   repository.DistributionStore
	hub     Broadcaster
	metrics *Metrics
	logger  *slog.Logger
	opts    Options
}

// New constructs a Service. hub and metrics may be nil.
func New(store repository.DistributionStore, hub Broadcaster, metrics *Metrics, logger *slog.Logger, opts Options) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{store: store, hub: hub, metrics: metrics, logger: logger, opts: opts}
}

// RunResult is the outcome of a distribution run or simulation.
type RunResult struct {
	RunID       string                    `json:"run_id"`
	Quota       allocation.ColorQuota     `json:"quota"`
	Assignments []domain.AssignmentRecord `json:"assignments"`
	Report      domain.Report             `json:"report"`
}

// SimulateOptions selects the starting state of a simulation. Quota takes
// precedence over TeamCount; with neither the persisted quota and current
// teams are used.
type SimulateOptions struct {
	MaxTeamSize int
	Quota       *allocation.ColorQuota
	TeamCount   int
}

func (s Service) lock(ctx context.Context) (func(), error) {
	release, err := s.store.LockDistribution(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return release, nil
}

// SetupColors discards every team and participant link, stores quota and
// creates quota[color] empty teams per color.
func (s Service) SetupColors(ctx context.Context, quota allocation.ColorQuota) (teams []domain.Team, err error) {
	started := time.Now()
	defer func() { s.metrics.recordRun(kindSetup, err, time.Since(started)) }()

	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	teams, err = s.store.ResetTeams(ctx, quota.Entries())
	if err != nil {
		return nil, fmt.Errorf("%w: reset teams: %w", ErrPersistence, err)
	}
	s.logger.Info("colors configured", "colors", quota.Len(), "teams", len(teams))
	return teams, nil
}

// Quota returns the persisted color quota.
func (s Service) Quota(ctx context.Context) (allocation.ColorQuota, error) {
	entries, err := s.store.LoadColorQuota(ctx)
	if err != nil {
		return allocation.ColorQuota{}, err
	}
	return allocation.NewColorQuota(entries...)
}

// Distribute places every eligible unassigned participant. On a store
// failure the records produced so far are returned with an error wrapping
// ErrPersistence; committed placements are kept.
func (s Service) Distribute(ctx context.Context, maxTeamSize int) (result RunResult, err error) {
	started := time.Now()
	defer func() { s.metrics.recordRun(kindRun, err, time.Since(started)) }()

	if maxTeamSize <= 0 {
		return RunResult{}, allocation.ErrInvalidTeamSize
	}
	release, err := s.lock(ctx)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	quota, err := s.Quota(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("load quota: %w", err)
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("load snapshot: %w", err)
	}

	pool := allocation.PoolFromSnapshot(maxTeamSize, snap.Teams, snap.TagUnions)
	engine, err := allocation.NewEngine(pool, quota, allocation.CommitFunc(s.commit))
	if err != nil {
		return RunResult{}, err
	}

	result = RunResult{RunID: uuid.NewString(), Quota: quota}
	log := s.logger.With("run_id", result.RunID)
	log.Info("distribution started", "participants", len(snap.Participants), "teams", pool.Len(), "max_team_size", maxTeamSize)

	records, runErr := engine.Run(ctx, snap.Participants, s.observe(result.RunID, log))
	result.Assignments = records
	result.Report = allocation.BuildReport(pool.Teams(), records)
	s.publish(Event{Type: EventCompleted, RunID: result.RunID, Stats: &result.Report.OverallStats})

	if runErr != nil {
		log.Error("distribution halted", "processed", len(records), "error", runErr)
		return result, runErr
	}
	log.Info("distribution finished",
		"placed", len(records)-result.Report.OverallStats.Unplaced,
		"unplaced", result.Report.OverallStats.Unplaced,
		"conflicts", result.Report.OverallStats.TotalConflicts,
	)
	return result, nil
}

func (s Service) commit(ctx context.Context, p domain.Participant, d allocation.Decision) (int64, error) {
	placement := repository.Placement{ParticipantID: p.ID, TeamID: d.TeamID}
	if d.NewTeam {
		placement.NewTeamColor = d.Color
	}
	teamID, err := s.store.CommitPlacement(ctx, placement)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return teamID, nil
}

func (s Service) observe(runID string, log *slog.Logger) allocation.Observer {
	return func(record domain.AssignmentRecord, rule allocation.Rule) {
		if record.Placed() {
			s.metrics.recordPlacement(rule, record.ConflictTags.Len())
			if record.Overflow {
				log.Warn("overflow placement", "participant_id", record.ParticipantID, "team_id", record.TeamID)
			}
		} else {
			log.Warn("participant not placed", "participant_id", record.ParticipantID, "error", record.Error)
		}
		rec := record
		s.publish(Event{Type: EventPlacement, RunID: runID, Rule: rule.String(), Record: &rec})
	}
}

// Simulate runs the policy on an in-memory copy; persisted state is never
// touched.
func (s Service) Simulate(ctx context.Context, opts SimulateOptions) (result RunResult, err error) {
	started := time.Now()
	defer func() { s.metrics.recordRun(kindSimulate, err, time.Since(started)) }()

	if opts.MaxTeamSize <= 0 {
		return RunResult{}, allocation.ErrInvalidTeamSize
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("load snapshot: %w", err)
	}

	var (
		quota allocation.ColorQuota
		pool  *allocation.Pool
	)
	switch {
	case opts.Quota != nil:
		quota = *opts.Quota
		pool = allocation.NewQuotaPool(opts.MaxTeamSize, quota)
	case opts.TeamCount > 0:
		if quota, err = allocation.TeamCountQuota(opts.TeamCount); err != nil {
			return RunResult{}, err
		}
		pool = allocation.NewQuotaPool(opts.MaxTeamSize, quota)
	default:
		if quota, err = s.Quota(ctx); err != nil {
			return RunResult{}, fmt.Errorf("load quota: %w", err)
		}
		if quota.Len() == 0 && len(snap.Teams) == 0 && s.opts.SimulationTeamCount > 0 {
			if quota, err = allocation.TeamCountQuota(s.opts.SimulationTeamCount); err != nil {
				return RunResult{}, err
			}
			pool = allocation.NewQuotaPool(opts.MaxTeamSize, quota)
		} else {
			pool = allocation.PoolFromSnapshot(opts.MaxTeamSize, snap.Teams, snap.TagUnions)
		}
	}

	records, report, err := allocation.Simulate(ctx, pool, quota, snap.Participants)
	if err != nil {
		return RunResult{}, err
	}
	result = RunResult{RunID: uuid.NewString(), Quota: quota, Assignments: records, Report: report}
	s.logger.Info("simulation finished",
		"run_id", result.RunID,
		"participants", len(records),
		"teams", len(report.Teams),
		"conflicts", report.OverallStats.TotalConflicts,
	)
	return result, nil
}

// ClearAllTeams detaches every participant and deletes every team. The
// persisted quota is kept.
func (s Service) ClearAllTeams(ctx context.Context) (err error) {
	started := time.Now()
	defer func() { s.metrics.recordRun(kindClear, err, time.Since(started)) }()

	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.store.ClearParticipantTeamLinks(ctx); err != nil {
		return fmt.Errorf("%w: clear links: %w", ErrPersistence, err)
	}
	if err := s.store.DeleteAllTeams(ctx); err != nil {
		return fmt.Errorf("%w: delete teams: %w", ErrPersistence, err)
	}
	s.logger.Info("teams cleared")
	return nil
}

// Teams lists every team with its members.
func (s Service) Teams(ctx context.Context) ([]domain.TeamRoster, error) {
	return s.store.ListTeamRosters(ctx)
}

func (s Service) publish(event Event) {
	if s.hub == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal distribution event", "error", err)
		return
	}
	s.hub.Broadcast(ws.TopicDistribution, data)
}
