package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Galaxerum/dif-bot/internal/allocation"
	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository"
	"github.com/Galaxerum/dif-bot/internal/repository/memory"
	"github.com/Galaxerum/dif-bot/internal/ws"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type seed struct {
	id   int64
	name string
	tags string
}

func newStore(t *testing.T, seeds ...seed) *memory.Store {
	t.Helper()
	store := memory.New(discardLogger())
	for _, s := range seeds {
		store.SeedParticipant(domain.Participant{ID: s.id, DisplayName: s.name, Profile: "profile", Eligible: true}, s.tags)
	}
	return store
}

func mustQuota(t *testing.T, entries ...allocation.ColorEntry) allocation.ColorQuota {
	t.Helper()
	q, err := allocation.NewColorQuota(entries...)
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	return q
}

// failingStore fails the nth placement commit.
type failingStore struct {
	*memory.Store
	failAt int
	calls  int
}

func (f *failingStore) CommitPlacement(ctx context.Context, p repository.Placement) (int64, error) {
	f.calls++
	if f.calls == f.failAt {
		return 0, errors.New("connection reset by peer")
	}
	return f.Store.CommitPlacement(ctx, p)
}

type captureHub struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureHub) Broadcast(topic string, payload []byte) {
	if topic != ws.TopicDistribution {
		return
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func TestDistributePersistsPlacements(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `["a"]`}, seed{2, "bob", `["b"]`}, seed{3, "cid", `["a"]`})
	svc := New(store, nil, nil, discardLogger(), Options{})

	if _, err := svc.SetupColors(ctx, mustQuota(t, allocation.ColorEntry{Color: "red", Quota: 1})); err != nil {
		t.Fatalf("setup colors: %v", err)
	}
	result, err := svc.Distribute(ctx, 2)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.RunID == "" {
		t.Fatalf("expected run id")
	}
	if len(result.Assignments) != 3 {
		t.Fatalf("expected 3 records, got %d", len(result.Assignments))
	}
	last := result.Assignments[2]
	if !last.Overflow || last.TeamID != 1 || !last.ConflictTags.Has("a") || last.ConflictTags.Len() != 1 {
		t.Fatalf("expected overflow into team 1 with conflict {a}, got %+v", last)
	}
	if got := result.Report.OverallStats.TotalConflicts; got != 1 {
		t.Fatalf("expected 1 conflict, got %d", got)
	}

	rosters, err := svc.Teams(ctx)
	if err != nil {
		t.Fatalf("teams: %v", err)
	}
	want := []domain.TeamRoster{{ID: 1, Color: "red", Members: []domain.TeamMember{{ID: 1, DisplayName: "ann"}, {ID: 2, DisplayName: "bob"}, {ID: 3, DisplayName: "cid"}}}}
	if diff := cmp.Diff(want, rosters); diff != "" {
		t.Fatalf("rosters mismatch (-want +got):\n%s", diff)
	}

	again, err := svc.Distribute(ctx, 2)
	if err != nil {
		t.Fatalf("second distribute: %v", err)
	}
	if len(again.Assignments) != 0 {
		t.Fatalf("expected nothing left to place, got %d", len(again.Assignments))
	}
}

func TestSetupColorsTwiceKeepsTeamCountAndClearsLinks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `["a"]`}, seed{2, "bob", `["a"]`})
	svc := New(store, nil, nil, discardLogger(), Options{})
	quota := mustQuota(t, allocation.ColorEntry{Color: "red", Quota: 2}, allocation.ColorEntry{Color: "blue", Quota: 1})

	if _, err := svc.SetupColors(ctx, quota); err != nil {
		t.Fatalf("first setup: %v", err)
	}
	if _, err := svc.Distribute(ctx, 3); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	teams, err := svc.SetupColors(ctx, quota)
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	if len(teams) != 3 {
		t.Fatalf("expected 3 teams after repeated setup, got %d", len(teams))
	}
	listed, err := store.ListTeams(ctx)
	if err != nil {
		t.Fatalf("list teams: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 stored teams, got %d", len(listed))
	}
	for _, team := range listed {
		if team.MemberCount != 0 {
			t.Fatalf("team %d kept %d members after reset", team.ID, team.MemberCount)
		}
		if team.ID <= 3 {
			t.Fatalf("team id %d reused across setups", team.ID)
		}
	}
	pending, err := store.ListEligibleUnassignedParticipants(ctx)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected both participants unassigned, got %d", len(pending))
	}
}

func TestDistributeHaltsOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	mem := newStore(t, seed{1, "ann", `["a"]`}, seed{2, "bob", `["b"]`}, seed{3, "cid", `["c"]`})
	store := &failingStore{Store: mem, failAt: 2}
	svc := New(store, nil, nil, discardLogger(), Options{})

	if _, err := svc.SetupColors(ctx, mustQuota(t, allocation.ColorEntry{Color: "red", Quota: 2})); err != nil {
		t.Fatalf("setup colors: %v", err)
	}
	result, err := svc.Distribute(ctx, 1)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(result.Assignments) != 2 {
		t.Fatalf("expected records up to the failure, got %d", len(result.Assignments))
	}
	if result.Assignments[0].TeamID != 1 || result.Assignments[1].Error == "" {
		t.Fatalf("unexpected records: %+v", result.Assignments)
	}

	pending, err := mem.ListEligibleUnassignedParticipants(ctx)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != 2 || pending[1].ID != 3 {
		t.Fatalf("expected participants 2 and 3 still pending, got %+v", pending)
	}
}

func TestDistributeWithoutTeamsReportsEveryParticipant(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `[]`}, seed{2, "bob", `["x"]`})
	svc := New(store, nil, nil, discardLogger(), Options{})

	result, err := svc.Distribute(ctx, 4)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	for _, r := range result.Assignments {
		if r.Placed() || r.Error != allocation.ErrNoTeamsAvailable.Error() {
			t.Fatalf("expected no-teams record, got %+v", r)
		}
	}
	if result.Report.OverallStats.Unplaced != 2 {
		t.Fatalf("expected 2 unplaced, got %d", result.Report.OverallStats.Unplaced)
	}
	teams, _ := store.ListTeams(ctx)
	if len(teams) != 0 {
		t.Fatalf("expected no teams created, got %d", len(teams))
	}
}

func TestDistributeRejectsInvalidSize(t *testing.T) {
	svc := New(newStore(t), nil, nil, discardLogger(), Options{})
	if _, err := svc.Distribute(context.Background(), 0); !errors.Is(err, allocation.ErrInvalidTeamSize) {
		t.Fatalf("expected invalid size error, got %v", err)
	}
	if _, err := svc.Simulate(context.Background(), SimulateOptions{}); !errors.Is(err, allocation.ErrInvalidTeamSize) {
		t.Fatalf("expected invalid size error, got %v", err)
	}
}

func TestSimulateLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `["a"]`}, seed{2, "bob", `["a"]`}, seed{3, "cid", `["b"]`})
	svc := New(store, nil, nil, discardLogger(), Options{})
	if _, err := svc.SetupColors(ctx, mustQuota(t, allocation.ColorEntry{Color: "red", Quota: 1})); err != nil {
		t.Fatalf("setup colors: %v", err)
	}

	teamsBefore, _ := store.ListTeams(ctx)
	pendingBefore, _ := store.ListEligibleUnassignedParticipants(ctx)

	quota := mustQuota(t, allocation.ColorEntry{Color: "green", Quota: 2})
	for _, opts := range []SimulateOptions{
		{MaxTeamSize: 1},
		{MaxTeamSize: 2, TeamCount: 3},
		{MaxTeamSize: 2, Quota: &quota},
	} {
		if _, err := svc.Simulate(ctx, opts); err != nil {
			t.Fatalf("simulate %+v: %v", opts, err)
		}
	}

	teamsAfter, _ := store.ListTeams(ctx)
	pendingAfter, _ := store.ListEligibleUnassignedParticipants(ctx)
	if diff := cmp.Diff(teamsBefore, teamsAfter); diff != "" {
		t.Fatalf("teams changed by simulation (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(pendingBefore, pendingAfter); diff != "" {
		t.Fatalf("participants changed by simulation (-before +after):\n%s", diff)
	}
}

func TestSimulateWithTeamCount(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `["a"]`}, seed{2, "bob", `["a"]`}, seed{3, "cid", `["a"]`})
	svc := New(store, nil, nil, discardLogger(), Options{})

	result, err := svc.Simulate(ctx, SimulateOptions{MaxTeamSize: 1, TeamCount: 2})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if got := result.Quota.Colors(); len(got) != 1 || got[0] != allocation.DefaultColor {
		t.Fatalf("expected default color quota, got %v", got)
	}
	if len(result.Report.Teams) != 2 {
		t.Fatalf("expected 2 simulated teams, got %d", len(result.Report.Teams))
	}
	if !result.Assignments[2].Overflow {
		t.Fatalf("expected third participant to overflow, got %+v", result.Assignments[2])
	}
	if result.Report.OverallStats.MostConflictTag != "a" {
		t.Fatalf("expected most conflicting tag a, got %q", result.Report.OverallStats.MostConflictTag)
	}
}

func TestSimulateFallsBackToConfiguredTeamCount(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `[]`})
	svc := New(store, nil, nil, discardLogger(), Options{SimulationTeamCount: 5})

	result, err := svc.Simulate(ctx, SimulateOptions{MaxTeamSize: 3})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(result.Report.Teams) != 5 {
		t.Fatalf("expected 5 simulated teams, got %d", len(result.Report.Teams))
	}
}

func TestClearAllTeamsKeepsQuota(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `["a"]`})
	svc := New(store, nil, nil, discardLogger(), Options{})
	quota := mustQuota(t, allocation.ColorEntry{Color: "red", Quota: 1}, allocation.ColorEntry{Color: "blue", Quota: 0})

	if _, err := svc.SetupColors(ctx, quota); err != nil {
		t.Fatalf("setup colors: %v", err)
	}
	if _, err := svc.Distribute(ctx, 2); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := svc.ClearAllTeams(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rosters, _ := svc.Teams(ctx)
	if len(rosters) != 0 {
		t.Fatalf("expected no teams, got %d", len(rosters))
	}
	stored, err := svc.Quota(ctx)
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if diff := cmp.Diff(quota.Entries(), stored.Entries()); diff != "" {
		t.Fatalf("quota mismatch (-want +got):\n%s", diff)
	}

	// grows a fresh red team with a new id
	result, err := svc.Distribute(ctx, 2)
	if err != nil {
		t.Fatalf("distribute after clear: %v", err)
	}
	if len(result.Assignments) != 1 || !result.Assignments[0].NewTeam || result.Assignments[0].TeamID != 2 {
		t.Fatalf("expected placement into new team 2, got %+v", result.Assignments)
	}
}

func TestDistributeStreamsEventsAndMetrics(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, seed{1, "ann", `["a"]`}, seed{2, "bob", `["b"]`}, seed{3, "cid", `["a"]`})
	hub := &captureHub{}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := New(store, hub, metrics, discardLogger(), Options{})

	if _, err := svc.SetupColors(ctx, mustQuota(t, allocation.ColorEntry{Color: "red", Quota: 1})); err != nil {
		t.Fatalf("setup colors: %v", err)
	}
	result, err := svc.Distribute(ctx, 2)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	hub.mu.Lock()
	events := append([]Event(nil), hub.events...)
	hub.mu.Unlock()
	if len(events) != 4 {
		t.Fatalf("expected 3 placements and a completion, got %d events", len(events))
	}
	for i, ev := range events[:3] {
		if ev.Type != EventPlacement || ev.RunID != result.RunID || ev.Record == nil || ev.Record.ParticipantID != int64(i+1) {
			t.Fatalf("unexpected event %d: %+v", i, ev)
		}
	}
	if events[2].Rule != allocation.RuleOverflow.String() {
		t.Fatalf("expected overflow rule, got %q", events[2].Rule)
	}
	if events[3].Type != EventCompleted || events[3].Stats == nil || events[3].Stats.TotalConflicts != 1 {
		t.Fatalf("unexpected completion event: %+v", events[3])
	}

	if got := testutil.ToFloat64(metrics.placements.WithLabelValues("zero_conflict")); got != 2 {
		t.Fatalf("expected 2 zero-conflict placements, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.placements.WithLabelValues("overflow")); got != 1 {
		t.Fatalf("expected 1 overflow placement, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.conflictTags); got != 1 {
		t.Fatalf("expected 1 conflict tag, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(kindRun, "ok")); got != 1 {
		t.Fatalf("expected 1 successful run, got %v", got)
	}
}
