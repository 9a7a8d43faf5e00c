package participant

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository"
)

var (
	// ErrInvalidParticipant rejects participants without a usable id.
	ErrInvalidParticipant = errors.New("participant id must be positive")
	// ErrNotAssigned means the participant has no team yet.
	ErrNotAssigned = errors.New("participant is not in a team")
)

// Service manages participant records outside of distribution runs.
type Service struct {
	repo   repository.ParticipantRepository
	teams  repository.TeamRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(repo repository.ParticipantRepository, teams repository.TeamRepository, logger *slog.Logger) Service {
	return Service{repo: repo, teams: teams, logger: logger}
}

// Upsert registers or refreshes a participant. A participant without a
// profile is never eligible.
func (s Service) Upsert(ctx context.Context, p *domain.Participant) error {
	if p == nil || p.ID <= 0 {
		return ErrInvalidParticipant
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Profile = strings.TrimSpace(p.Profile)
	if p.Profile == "" {
		p.Eligible = false
	}
	if p.Tags == nil {
		p.Tags = domain.TagSet{}
	}
	if err := s.repo.UpsertParticipant(ctx, p); err != nil {
		return err
	}
	s.logger.Info("participant saved", "participant_id", p.ID, "eligible", p.Eligible, "tags", p.Tags.Len())
	return nil
}

// Get returns a participant by id.
func (s Service) Get(ctx context.Context, id int64) (*domain.Participant, error) {
	return s.repo.GetParticipant(ctx, id)
}

// SaveTags stores the derived tags of a participant. Tags are kept verbatim;
// empty strings are dropped.
func (s Service) SaveTags(ctx context.Context, id int64, tags []string) (domain.TagSet, error) {
	if id <= 0 {
		return nil, ErrInvalidParticipant
	}
	set := domain.NewTagSet(tags...)
	if err := s.repo.SaveParticipantTags(ctx, id, set); err != nil {
		return nil, err
	}
	s.logger.Info("participant tags saved", "participant_id", id, "tags", set.Len())
	return set, nil
}

// SetEligibility activates or deactivates every participant and returns how
// many changed.
func (s Service) SetEligibility(ctx context.Context, eligible bool) (int64, error) {
	changed, err := s.repo.SetEligibility(ctx, eligible)
	if err != nil {
		return 0, err
	}
	s.logger.Info("eligibility updated", "eligible", eligible, "changed", changed)
	return changed, nil
}

// CountEligible returns the number of eligible participants.
func (s Service) CountEligible(ctx context.Context) (int, error) {
	return s.repo.CountEligibleParticipants(ctx)
}

// TeamOf returns the team the participant belongs to, with its members.
func (s Service) TeamOf(ctx context.Context, id int64) (*domain.TeamRoster, error) {
	p, err := s.repo.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Assigned() {
		return nil, ErrNotAssigned
	}
	rosters, err := s.teams.ListTeamRosters(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rosters {
		if rosters[i].ID == *p.TeamID {
			return &rosters[i], nil
		}
	}
	return nil, repository.ErrNotFound
}
