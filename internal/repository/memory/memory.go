// Package memory is an in-process store with the same semantics as the
// PostgreSQL repository. Tags are kept in their encoded form so reads go
// through the same decoding path.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository"
)

type participantRow struct {
	id          int64
	displayName string
	profile     string
	tags        string
	eligible    bool
	teamID      int64
	seq         int64
	updatedAt   time.Time
}

type teamRow struct {
	id        int64
	color     string
	createdAt time.Time
}

// Store keeps all state in maps guarded by a mutex.
type Store struct {
	mu           sync.RWMutex
	runLock      chan struct{}
	log          *slog.Logger
	now          func() time.Time
	participants map[int64]*participantRow
	teams        map[int64]*teamRow
	quota        []domain.ColorEntry
	admins       map[int64]time.Time
	lastTeamID   int64
	lastSeq      int64
}

// New returns an empty store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:          log,
		runLock:      make(chan struct{}, 1),
		now:          time.Now,
		participants: make(map[int64]*participantRow),
		teams:        make(map[int64]*teamRow),
		admins:       make(map[int64]time.Time),
	}
}

var (
	_ repository.ParticipantRepository = (*Store)(nil)
	_ repository.TeamRepository        = (*Store)(nil)
	_ repository.QuotaRepository       = (*Store)(nil)
	_ repository.AdminRepository       = (*Store)(nil)
	_ repository.DistributionStore     = (*Store)(nil)
)

// SeedParticipant stores a participant with a raw tag payload as read from
// an import. The payload is decoded lazily like a database row.
func (s *Store) SeedParticipant(p domain.Participant, rawTags string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := &participantRow{
		id:          p.ID,
		displayName: p.DisplayName,
		profile:     p.Profile,
		tags:        rawTags,
		eligible:    p.Eligible,
		updatedAt:   s.now(),
	}
	if p.TeamID != nil {
		if _, ok := s.teams[*p.TeamID]; ok {
			s.lastSeq++
			row.teamID, row.seq = *p.TeamID, s.lastSeq
		}
	}
	s.participants[p.ID] = row
}

func (s *Store) decode(row *participantRow) domain.Participant {
	tags, err := domain.ParseTags(row.tags)
	if err != nil {
		s.log.Warn("malformed participant tags", "participant_id", row.id, "error", err)
	}
	p := domain.Participant{
		ID:          row.id,
		DisplayName: row.displayName,
		Profile:     row.profile,
		Tags:        tags,
		Eligible:    row.eligible,
		UpdatedAt:   row.updatedAt,
	}
	if row.teamID != 0 {
		id := row.teamID
		p.TeamID = &id
	}
	return p
}

// UpsertParticipant inserts or refreshes a participant record.
func (s *Store) UpsertParticipant(_ context.Context, participant *domain.Participant) error {
	if participant == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.participants[participant.ID]
	if !ok {
		row = &participantRow{id: participant.ID}
		s.participants[participant.ID] = row
	}
	row.displayName = participant.DisplayName
	row.profile = participant.Profile
	row.tags = participant.Tags.Encode()
	row.eligible = participant.Eligible
	row.updatedAt = s.now()

	participant.UpdatedAt = row.updatedAt
	participant.TeamID = nil
	if row.teamID != 0 {
		id := row.teamID
		participant.TeamID = &id
	}
	return nil
}

// GetParticipant fetches a participant by id.
func (s *Store) GetParticipant(_ context.Context, id int64) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.participants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p := s.decode(row)
	return &p, nil
}

// SaveParticipantTags replaces a participant's tags.
func (s *Store) SaveParticipantTags(_ context.Context, participantID int64, tags domain.TagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.participants[participantID]
	if !ok {
		return repository.ErrNotFound
	}
	row.tags = tags.Encode()
	row.updatedAt = s.now()
	return nil
}

// ListEligibleUnassignedParticipants returns participants awaiting a team, by id.
func (s *Store) ListEligibleUnassignedParticipants(_ context.Context) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unassignedLocked(), nil
}

func (s *Store) unassignedLocked() []domain.Participant {
	out := make([]domain.Participant, 0)
	for _, row := range s.participants {
		if row.eligible && row.teamID == 0 {
			out = append(out, s.decode(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountEligibleParticipants counts participants allowed into distribution.
func (s *Store) CountEligibleParticipants(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, row := range s.participants {
		if row.eligible {
			count++
		}
	}
	return count, nil
}

// SetEligibility flips eligibility in bulk. Activation only touches
// participants that have filled in a profile.
func (s *Store) SetEligibility(_ context.Context, eligible bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, row := range s.participants {
		if row.eligible == eligible {
			continue
		}
		if eligible && row.profile == "" {
			continue
		}
		row.eligible = eligible
		row.updatedAt = s.now()
		changed++
	}
	return changed, nil
}

func (s *Store) teamIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.teams))
	for id := range s.teams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// membersLocked returns member rows per team in assignment order.
func (s *Store) membersLocked() map[int64][]*participantRow {
	members := make(map[int64][]*participantRow)
	for _, row := range s.participants {
		if row.teamID != 0 {
			members[row.teamID] = append(members[row.teamID], row)
		}
	}
	for _, rows := range members {
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].seq != rows[j].seq {
				return rows[i].seq < rows[j].seq
			}
			return rows[i].id < rows[j].id
		})
	}
	return members
}

// ListTeams returns teams by id with their member counts.
func (s *Store) ListTeams(_ context.Context) ([]domain.TeamSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.membersLocked()
	out := make([]domain.TeamSummary, 0, len(s.teams))
	for _, id := range s.teamIDsLocked() {
		out = append(out, domain.TeamSummary{ID: id, Color: s.teams[id].color, MemberCount: len(members[id])})
	}
	return out, nil
}

// ListTeamRosters returns every team with member names.
func (s *Store) ListTeamRosters(_ context.Context) ([]domain.TeamRoster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.membersLocked()
	out := make([]domain.TeamRoster, 0, len(s.teams))
	for _, id := range s.teamIDsLocked() {
		roster := domain.TeamRoster{ID: id, Color: s.teams[id].color, Members: make([]domain.TeamMember, 0, len(members[id]))}
		for _, row := range members[id] {
			roster.Members = append(roster.Members, domain.TeamMember{ID: row.id, DisplayName: row.displayName})
		}
		out = append(out, roster)
	}
	return out, nil
}

// TeamTagUnion unions the tags of a team's members.
func (s *Store) TeamTagUnion(_ context.Context, teamID int64) (domain.TagSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	union := domain.TagSet{}
	for _, row := range s.participants {
		if row.teamID == teamID {
			union.AddAll(s.decode(row).Tags)
		}
	}
	return union, nil
}

func (s *Store) createTeamLocked(color string) *teamRow {
	s.lastTeamID++
	t := &teamRow{id: s.lastTeamID, color: color, createdAt: s.now()}
	s.teams[t.id] = t
	return t
}

// CreateTeam inserts a team and returns its id. Ids are never reused.
func (s *Store) CreateTeam(_ context.Context, color string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTeamLocked(color).id, nil
}

// AssignParticipantToTeam links a participant to a team.
func (s *Store) AssignParticipantToTeam(_ context.Context, participantID, teamID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignLocked(participantID, teamID)
}

func (s *Store) assignLocked(participantID, teamID int64) error {
	row, ok := s.participants[participantID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.teams[teamID]; !ok {
		return repository.ErrNotFound
	}
	if row.teamID != 0 {
		return repository.ErrAlreadyAssigned
	}
	s.lastSeq++
	row.teamID = teamID
	row.seq = s.lastSeq
	row.updatedAt = s.now()
	return nil
}

// DeleteAllTeams removes every team and detaches its members.
func (s *Store) DeleteAllTeams(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLinksLocked()
	s.teams = make(map[int64]*teamRow)
	return nil
}

// ClearParticipantTeamLinks detaches every participant from its team.
func (s *Store) ClearParticipantTeamLinks(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLinksLocked()
	return nil
}

func (s *Store) clearLinksLocked() {
	for _, row := range s.participants {
		if row.teamID != 0 {
			row.teamID, row.seq = 0, 0
			row.updatedAt = s.now()
		}
	}
}

// LoadColorQuota returns the stored quota in its original order.
func (s *Store) LoadColorQuota(_ context.Context) ([]domain.ColorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ColorEntry{}, s.quota...), nil
}

// IsAdmin reports whether the user holds admin rights.
func (s *Store) IsAdmin(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.admins[userID]
	return ok, nil
}

// AddAdmin registers an admin; repeated calls are no-ops.
func (s *Store) AddAdmin(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[userID]; !ok {
		s.admins[userID] = s.now()
	}
	return nil
}

// Snapshot reads the run inputs under one read lock.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.membersLocked()
	teams := make([]domain.TeamSummary, 0, len(s.teams))
	unions := make(map[int64]domain.TagSet, len(s.teams))
	for _, id := range s.teamIDsLocked() {
		summary := domain.TeamSummary{ID: id, Color: s.teams[id].color, MemberCount: len(members[id])}
		union := domain.TagSet{}
		for _, row := range members[id] {
			summary.MemberIDs = append(summary.MemberIDs, row.id)
			union.AddAll(s.decode(row).Tags)
		}
		teams = append(teams, summary)
		unions[id] = union
	}
	return domain.Snapshot{Participants: s.unassignedLocked(), Teams: teams, TagUnions: unions}, nil
}

// CommitPlacement creates the requested team and links the participant
// atomically: nothing changes when the link fails.
func (s *Store) CommitPlacement(ctx context.Context, placement repository.Placement) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.participants[placement.ParticipantID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if row.teamID != 0 {
		return 0, repository.ErrAlreadyAssigned
	}
	teamID := placement.TeamID
	if placement.NewTeamColor != "" {
		teamID = s.createTeamLocked(placement.NewTeamColor).id
	}
	if err := s.assignLocked(placement.ParticipantID, teamID); err != nil {
		return 0, err
	}
	return teamID, nil
}

// ResetTeams replaces all teams with a fresh set built from quota and
// stores the quota.
func (s *Store) ResetTeams(_ context.Context, quota []domain.ColorEntry) ([]domain.Team, error) {
	seen := make(map[string]struct{}, len(quota))
	for _, entry := range quota {
		if _, dup := seen[entry.Color]; dup || entry.Quota < 0 {
			return nil, repository.ErrInvalidArgument
		}
		seen[entry.Color] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLinksLocked()
	s.teams = make(map[int64]*teamRow)
	s.quota = append([]domain.ColorEntry{}, quota...)

	teams := make([]domain.Team, 0)
	for _, entry := range quota {
		for i := 0; i < entry.Quota; i++ {
			t := s.createTeamLocked(entry.Color)
			teams = append(teams, domain.Team{ID: t.id, Color: t.color, CreatedAt: t.createdAt})
		}
	}
	return teams, nil
}

// LockDistribution serialises mutating runs within the process.
func (s *Store) LockDistribution(ctx context.Context) (func(), error) {
	select {
	case s.runLock <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.runLock }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
