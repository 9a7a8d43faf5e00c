package repository

import (
	"context"

	"github.com/Galaxerum/dif-bot/internal/domain"
)

// ParticipantRepository persists participants and their derived tags.
type ParticipantRepository interface {
	UpsertParticipant(ctx context.Context, participant *domain.Participant) error
	GetParticipant(ctx context.Context, id int64) (*domain.Participant, error)
	SaveParticipantTags(ctx context.Context, participantID int64, tags domain.TagSet) error
	ListEligibleUnassignedParticipants(ctx context.Context) ([]domain.Participant, error)
	CountEligibleParticipants(ctx context.Context) (int, error)
	SetEligibility(ctx context.Context, eligible bool) (int64, error)
}

// TeamRepository manages teams and participant-team links.
type TeamRepository interface {
	ListTeams(ctx context.Context) ([]domain.TeamSummary, error)
	TeamTagUnion(ctx context.Context, teamID int64) (domain.TagSet, error)
	CreateTeam(ctx context.Context, color string) (int64, error)
	AssignParticipantToTeam(ctx context.Context, participantID, teamID int64) error
	DeleteAllTeams(ctx context.Context) error
	ClearParticipantTeamLinks(ctx context.Context) error
	ListTeamRosters(ctx context.Context) ([]domain.TeamRoster, error)
}

// QuotaRepository persists the ordered color quota.
type QuotaRepository interface {
	LoadColorQuota(ctx context.Context) ([]domain.ColorEntry, error)
}

// AdminRepository tracks which users may run administrative operations.
type AdminRepository interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	AddAdmin(ctx context.Context, userID int64) error
}

// Placement is one participant's team decision ready to be persisted.
// A non-empty NewTeamColor asks for a new team of that color; TeamID is
// then ignored.
type Placement struct {
	ParticipantID int64
	TeamID        int64
	NewTeamColor  string
}

// DistributionStore is the transactional surface a distribution run needs.
type DistributionStore interface {
	TeamRepository
	QuotaRepository
	// Snapshot reads participants, teams and tag unions in one consistent view.
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	// CommitPlacement creates the team if requested and links the
	// participant in a single transaction, returning the team id.
	CommitPlacement(ctx context.Context, placement Placement) (int64, error)
	// ResetTeams deletes all teams, clears every link, stores the quota and
	// creates quota[color] teams per color, atomically.
	ResetTeams(ctx context.Context, quota []domain.ColorEntry) ([]domain.Team, error)
	// LockDistribution serialises mutating runs. The returned func releases it.
	LockDistribution(ctx context.Context) (func(), error)
}
