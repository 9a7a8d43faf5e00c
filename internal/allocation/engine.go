// Package allocation places participants into colored teams while keeping
// teammates' tags apart.
//
// Placement follows one fixed priority chain per participant:
//
//  1. the first team (by id) with room whose tag union is disjoint from the participant's tags;
//  2. the team with room sharing the fewest tags (then fewest members, then lowest id);
//  3. a new team of the color with the fewest teams that is still under quota;
//  4. overflow into the least conflicting team of an enabled color, ignoring capacity.
//
// When none of these yields a team the participant is reported with
// ErrNoTeamsAvailable and the run moves on.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Galaxerum/dif-bot/internal/domain"
)

var (
	// ErrNoTeamsAvailable means there is no team to place into and none may be created.
	ErrNoTeamsAvailable = errors.New("no teams available")
	// ErrInvalidTeamSize rejects non-positive team capacities.
	ErrInvalidTeamSize = errors.New("max team size must be positive")
)

// Rule identifies which step of the priority chain produced a decision.
type Rule int

const (
	RuleZeroConflict Rule = iota + 1
	RuleMinConflict
	RuleGrow
	RuleOverflow
)

func (r Rule) String() string {
	switch r {
	case RuleZeroConflict:
		return "zero_conflict"
	case RuleMinConflict:
		return "min_conflict"
	case RuleGrow:
		return "grow"
	case RuleOverflow:
		return "overflow"
	default:
		return "none"
	}
}

// Decision is the team chosen for a participant before it is committed.
// TeamID is zero when NewTeam is set; the committer supplies the id.
type Decision struct {
	TeamID    int64
	Color     string
	NewTeam   bool
	Rule      Rule
	Conflicts domain.TagSet
}

// Overflow reports whether the placement exceeds team capacity.
func (d Decision) Overflow() bool { return d.Rule == RuleOverflow }

// Committer makes a decision durable and returns the team id the
// participant ended up in. A new team must be created and the participant
// assigned atomically.
type Committer interface {
	Commit(ctx context.Context, p domain.Participant, d Decision) (int64, error)
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, p domain.Participant, d Decision) (int64, error)

// Commit implements Committer.
func (f CommitFunc) Commit(ctx context.Context, p domain.Participant, d Decision) (int64, error) {
	return f(ctx, p, d)
}

// Engine runs the placement policy over a pool.
type Engine struct {
	pool   *Pool
	quota  ColorQuota
	commit Committer
}

// NewEngine binds a pool, the color quota and a committer.
func NewEngine(pool *Pool, quota ColorQuota, commit Committer) (*Engine, error) {
	if pool == nil {
		return nil, errors.New("nil team pool")
	}
	if pool.Capacity() <= 0 {
		return nil, ErrInvalidTeamSize
	}
	if commit == nil {
		commit = NewSequence(pool.MaxID())
	}
	return &Engine{pool: pool, quota: quota, commit: commit}, nil
}

// Pool exposes the engine's team arena.
func (e *Engine) Pool() *Pool { return e.pool }

// Decide picks a team for p without mutating anything.
func (e *Engine) Decide(p domain.Participant) (Decision, error) {
	ids := e.pool.IDs()

	for _, id := range ids {
		t, _ := e.pool.Get(id)
		if t.HasRoom() && t.TagUnion.Disjoint(p.Tags) {
			return Decision{TeamID: t.ID, Color: t.Color, Rule: RuleZeroConflict, Conflicts: domain.TagSet{}}, nil
		}
	}

	if best := e.leastConflicting(ids, p.Tags, func(t *Team) bool { return t.HasRoom() }); best != nil {
		return Decision{TeamID: best.ID, Color: best.Color, Rule: RuleMinConflict, Conflicts: p.Tags.Intersect(best.TagUnion)}, nil
	}

	if color, ok := e.growableColor(); ok {
		return Decision{Color: color, NewTeam: true, Rule: RuleGrow, Conflicts: domain.TagSet{}}, nil
	}

	if best := e.leastConflicting(ids, p.Tags, func(t *Team) bool { return e.quota.Enabled(t.Color) }); best != nil {
		return Decision{TeamID: best.ID, Color: best.Color, Rule: RuleOverflow, Conflicts: p.Tags.Intersect(best.TagUnion)}, nil
	}

	return Decision{}, ErrNoTeamsAvailable
}

// leastConflicting returns the eligible team minimising shared tags, then
// member count, then id.
func (e *Engine) leastConflicting(ids []int64, tags domain.TagSet, eligible func(*Team) bool) *Team {
	var (
		best          *Team
		bestConflicts int
	)
	for _, id := range ids {
		t, _ := e.pool.Get(id)
		if !eligible(t) {
			continue
		}
		conflicts := t.TagUnion.IntersectionSize(tags)
		if best == nil ||
			conflicts < bestConflicts ||
			(conflicts == bestConflicts && len(t.Members) < len(best.Members)) {
			best, bestConflicts = t, conflicts
		}
	}
	return best
}

// growableColor returns the under-quota color with the fewest teams,
// first in quota order on ties.
func (e *Engine) growableColor() (string, bool) {
	var (
		chosen string
		fewest = -1
	)
	for _, entry := range e.quota.Entries() {
		count := e.pool.CountColor(entry.Color)
		if count >= entry.Quota {
			continue
		}
		if fewest < 0 || count < fewest {
			chosen, fewest = entry.Color, count
		}
	}
	return chosen, fewest >= 0
}

// Assign decides, commits and applies one placement. The pool is only
// mutated after the committer succeeds.
func (e *Engine) Assign(ctx context.Context, p domain.Participant) (domain.AssignmentRecord, error) {
	record, _, err := e.assign(ctx, p)
	return record, err
}

func (e *Engine) assign(ctx context.Context, p domain.Participant) (domain.AssignmentRecord, Rule, error) {
	record := domain.AssignmentRecord{
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		Tags:          p.Tags,
		ConflictTags:  domain.TagSet{},
	}
	decision, err := e.Decide(p)
	if err != nil {
		record.Error = err.Error()
		return record, 0, err
	}
	teamID, err := e.commit.Commit(ctx, p, decision)
	if err != nil {
		record.Error = err.Error()
		return record, decision.Rule, fmt.Errorf("commit participant %d: %w", p.ID, err)
	}
	if decision.NewTeam {
		e.pool.Create(teamID, decision.Color)
	}
	e.pool.Place(teamID, p.ID, p.Tags, decision.Overflow())

	record.TeamID = teamID
	record.Color = decision.Color
	record.ConflictTags = decision.Conflicts
	record.Overflow = decision.Overflow()
	record.NewTeam = decision.NewTeam
	return record, decision.Rule, nil
}

// Observer is notified after every participant, placed or not.
type Observer func(record domain.AssignmentRecord, rule Rule)

// Run places participants one at a time in ascending id order. Participants
// without an available team are recorded and skipped. A commit failure
// stops the run after recording the failed participant; cancellation stops
// before the next participant.
func (e *Engine) Run(ctx context.Context, participants []domain.Participant, observe Observer) ([]domain.AssignmentRecord, error) {
	ordered := append([]domain.Participant(nil), participants...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	records := make([]domain.AssignmentRecord, 0, len(ordered))
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		if p.Tags == nil {
			p.Tags = domain.TagSet{}
		}
		record, rule, err := e.assign(ctx, p)
		records = append(records, record)
		if observe != nil {
			observe(record, rule)
		}
		if err != nil && !errors.Is(err, ErrNoTeamsAvailable) {
			return records, err
		}
	}
	return records, nil
}

// Sequence is an in-memory committer that numbers new teams after start.
type Sequence struct {
	next int64
}

// NewSequence returns a committer whose first new team id is start+1.
func NewSequence(start int64) *Sequence {
	return &Sequence{next: start}
}

// Commit implements Committer.
func (s *Sequence) Commit(_ context.Context, _ domain.Participant, d Decision) (int64, error) {
	if !d.NewTeam {
		return d.TeamID, nil
	}
	s.next++
	return s.next, nil
}
