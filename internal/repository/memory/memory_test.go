package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository"
)

func newStore() *Store {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMalformedTagsDecodeAsEmptySet(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s.SeedParticipant(domain.Participant{ID: 7, DisplayName: "broken", Eligible: true}, `{"not":"a list"`)
	s.SeedParticipant(domain.Participant{ID: 3, DisplayName: "fine", Eligible: true}, `["go","sql"]`)

	got, err := s.ListEligibleUnassignedParticipants(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.ElementsMatch(t, []string{"go", "sql"}, got[0].Tags.Sorted())
	assert.Equal(t, int64(7), got[1].ID)
	assert.NotNil(t, got[1].Tags)
	assert.Equal(t, 0, got[1].Tags.Len())
}

func TestCommitPlacementCreatesTeamAndLinks(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s.SeedParticipant(domain.Participant{ID: 1, Eligible: true}, `["a"]`)
	s.SeedParticipant(domain.Participant{ID: 2, Eligible: true}, `["b"]`)

	teamID, err := s.CommitPlacement(ctx, repository.Placement{ParticipantID: 1, NewTeamColor: "red"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), teamID)

	_, err = s.CommitPlacement(ctx, repository.Placement{ParticipantID: 1, TeamID: teamID})
	assert.ErrorIs(t, err, repository.ErrAlreadyAssigned)

	_, err = s.CommitPlacement(ctx, repository.Placement{ParticipantID: 2, TeamID: 99})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Teams, 1)
	assert.Equal(t, []int64{1}, snap.Teams[0].MemberIDs)
	assert.True(t, snap.TagUnions[teamID].Has("a"))
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, int64(2), snap.Participants[0].ID)
}

func TestResetTeamsNeverReusesIDs(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s.SeedParticipant(domain.Participant{ID: 1, Eligible: true}, `[]`)

	first, err := s.ResetTeams(ctx, []domain.ColorEntry{{Color: "red", Quota: 2}, {Color: "blue", Quota: 1}})
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, []string{"red", "red", "blue"}, []string{first[0].Color, first[1].Color, first[2].Color})
	require.NoError(t, s.AssignParticipantToTeam(ctx, 1, first[0].ID))

	second, err := s.ResetTeams(ctx, []domain.ColorEntry{{Color: "green", Quota: 1}})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(4), second[0].ID)

	p, err := s.GetParticipant(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.Assigned())

	quota, err := s.LoadColorQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ColorEntry{{Color: "green", Quota: 1}}, quota)

	_, err = s.ResetTeams(ctx, []domain.ColorEntry{{Color: "x", Quota: 1}, {Color: "x", Quota: 2}})
	assert.ErrorIs(t, err, repository.ErrInvalidArgument)
}

func TestSetEligibilityRequiresProfile(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s.SeedParticipant(domain.Participant{ID: 1, Profile: "backend dev"}, `[]`)
	s.SeedParticipant(domain.Participant{ID: 2}, `[]`)

	changed, err := s.SetEligibility(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	count, err := s.CountEligibleParticipants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	changed, err = s.SetEligibility(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)
}

func TestDeleteAllTeamsDetachesMembers(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s.SeedParticipant(domain.Participant{ID: 1, Eligible: true, DisplayName: "ann"}, `[]`)
	id, err := s.CreateTeam(ctx, "red")
	require.NoError(t, err)
	require.NoError(t, s.AssignParticipantToTeam(ctx, 1, id))

	rosters, err := s.ListTeamRosters(ctx)
	require.NoError(t, err)
	require.Len(t, rosters, 1)
	assert.Equal(t, []domain.TeamMember{{ID: 1, DisplayName: "ann"}}, rosters[0].Members)

	require.NoError(t, s.DeleteAllTeams(ctx))
	teams, err := s.ListTeams(ctx)
	require.NoError(t, err)
	assert.Empty(t, teams)

	next, err := s.CreateTeam(ctx, "red")
	require.NoError(t, err)
	assert.Equal(t, id+1, next)
}

func TestLockDistributionHonoursContext(t *testing.T) {
	s := newStore()
	release, err := s.LockDistribution(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.LockDistribution(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	release()
	release()
	again, err := s.LockDistribution(context.Background())
	require.NoError(t, err)
	again()
}
