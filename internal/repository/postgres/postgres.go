package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository"
)

// distributionLockKey is the session advisory lock held by mutating runs.
const distributionLockKey int64 = 0x646966626f74

const participantColumns = `id, display_name, profile, tags, eligible, team_id, updated_at`

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{pool: pool, log: log}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ParticipantRepository = (*Repository)(nil)
	_ repository.TeamRepository        = (*Repository)(nil)
	_ repository.QuotaRepository       = (*Repository)(nil)
	_ repository.AdminRepository       = (*Repository)(nil)
	_ repository.DistributionStore     = (*Repository)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

// tags decodes a stored tag payload. Malformed payloads are logged and
// treated as an empty set so one bad row cannot block a run.
func (r *Repository) tags(participantID int64, raw string) domain.TagSet {
	set, err := domain.ParseTags(raw)
	if err != nil {
		r.log.Warn("malformed participant tags", "participant_id", participantID, "error", err)
	}
	return set
}

func (r *Repository) scanParticipant(row rowScanner) (domain.Participant, error) {
	var (
		p   domain.Participant
		raw string
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Profile, &raw, &p.Eligible, &p.TeamID, &p.UpdatedAt); err != nil {
		return domain.Participant{}, err
	}
	p.Tags = r.tags(p.ID, raw)
	return p, nil
}

// UpsertParticipant inserts or refreshes a participant record.
func (r *Repository) UpsertParticipant(ctx context.Context, participant *domain.Participant) error {
	if participant == nil {
		return fmt.Errorf("participant required")
	}
	const query = `INSERT INTO participants (id, display_name, profile, tags, eligible, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			profile = EXCLUDED.profile,
			tags = EXCLUDED.tags,
			eligible = EXCLUDED.eligible,
			updated_at = NOW()
		RETURNING team_id, updated_at`
	tags := participant.Tags.Encode()
	return r.pool.QueryRow(ctx, query,
		participant.ID,
		participant.DisplayName,
		participant.Profile,
		tags,
		participant.Eligible,
	).Scan(&participant.TeamID, &participant.UpdatedAt)
}

// GetParticipant fetches a participant by id.
func (r *Repository) GetParticipant(ctx context.Context, id int64) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`
	p, err := r.scanParticipant(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// SaveParticipantTags replaces a participant's tags.
func (r *Repository) SaveParticipantTags(ctx context.Context, participantID int64, tags domain.TagSet) error {
	const query = `UPDATE participants SET tags = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, participantID, tags.Encode())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListEligibleUnassignedParticipants returns participants awaiting a team, by id.
func (r *Repository) ListEligibleUnassignedParticipants(ctx context.Context) ([]domain.Participant, error) {
	return r.listUnassigned(ctx, r.pool)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) listUnassigned(ctx context.Context, q querier) ([]domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants
		WHERE eligible AND team_id IS NULL
		ORDER BY id ASC`
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]domain.Participant, 0)
	for rows.Next() {
		p, err := r.scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// CountEligibleParticipants counts participants allowed into distribution.
func (r *Repository) CountEligibleParticipants(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(1) FROM participants WHERE eligible`
	var count int
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetEligibility flips eligibility in bulk. Activation only touches
// participants that have filled in a profile.
func (r *Repository) SetEligibility(ctx context.Context, eligible bool) (int64, error) {
	query := `UPDATE participants SET eligible = FALSE, updated_at = NOW() WHERE eligible`
	if eligible {
		query = `UPDATE participants SET eligible = TRUE, updated_at = NOW() WHERE NOT eligible AND profile <> ''`
	}
	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListTeams returns teams by id with their member counts.
func (r *Repository) ListTeams(ctx context.Context) ([]domain.TeamSummary, error) {
	const query = `SELECT t.id, t.color, COUNT(p.id)
		FROM teams t
		LEFT JOIN participants p ON p.team_id = t.id
		GROUP BY t.id, t.color
		ORDER BY t.id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := make([]domain.TeamSummary, 0)
	for rows.Next() {
		var t domain.TeamSummary
		if err := rows.Scan(&t.ID, &t.Color, &t.MemberCount); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// ListTeamRosters returns every team with member names, members in
// assignment order.
func (r *Repository) ListTeamRosters(ctx context.Context) ([]domain.TeamRoster, error) {
	const query = `SELECT t.id, t.color, p.id, p.display_name
		FROM teams t
		LEFT JOIN participants p ON p.team_id = t.id
		ORDER BY t.id ASC, p.assignment_seq ASC NULLS LAST, p.id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rosters := make([]domain.TeamRoster, 0)
	for rows.Next() {
		var (
			teamID   int64
			color    string
			memberID *int64
			name     *string
		)
		if err := rows.Scan(&teamID, &color, &memberID, &name); err != nil {
			return nil, err
		}
		if len(rosters) == 0 || rosters[len(rosters)-1].ID != teamID {
			rosters = append(rosters, domain.TeamRoster{ID: teamID, Color: color, Members: []domain.TeamMember{}})
		}
		if memberID != nil {
			member := domain.TeamMember{ID: *memberID}
			if name != nil {
				member.DisplayName = *name
			}
			last := &rosters[len(rosters)-1]
			last.Members = append(last.Members, member)
		}
	}
	return rosters, rows.Err()
}

// TeamTagUnion unions the tags of a team's members.
func (r *Repository) TeamTagUnion(ctx context.Context, teamID int64) (domain.TagSet, error) {
	const query = `SELECT id, tags FROM participants WHERE team_id = $1`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	union := domain.TagSet{}
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		union.AddAll(r.tags(id, raw))
	}
	return union, rows.Err()
}

// CreateTeam inserts a team and returns its id.
func (r *Repository) CreateTeam(ctx context.Context, color string) (int64, error) {
	const query = `INSERT INTO teams (color) VALUES ($1) RETURNING id`
	var id int64
	if err := r.pool.QueryRow(ctx, query, color).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// AssignParticipantToTeam links a participant to a team.
func (r *Repository) AssignParticipantToTeam(ctx context.Context, participantID, teamID int64) error {
	return r.assign(ctx, r.pool, participantID, teamID)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) assign(ctx context.Context, db execer, participantID, teamID int64) error {
	const query = `UPDATE participants
		SET team_id = $2, assignment_seq = nextval('participant_assignment_seq'), updated_at = NOW()
		WHERE id = $1 AND team_id IS NULL`
	tag, err := db.Exec(ctx, query, participantID, teamID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM participants WHERE id = $1)`, participantID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrAlreadyAssigned
}

// DeleteAllTeams removes every team. Member links are cleared by the
// foreign key.
func (r *Repository) DeleteAllTeams(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM teams`)
	return err
}

// ClearParticipantTeamLinks detaches every participant from its team.
func (r *Repository) ClearParticipantTeamLinks(ctx context.Context) error {
	const query = `UPDATE participants SET team_id = NULL, assignment_seq = NULL, updated_at = NOW() WHERE team_id IS NOT NULL`
	_, err := r.pool.Exec(ctx, query)
	return err
}

// LoadColorQuota returns the stored quota in its original order.
func (r *Repository) LoadColorQuota(ctx context.Context) ([]domain.ColorEntry, error) {
	const query = `SELECT color, quota FROM color_quotas ORDER BY position ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.ColorEntry, 0)
	for rows.Next() {
		var e domain.ColorEntry
		if err := rows.Scan(&e.Color, &e.Quota); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IsAdmin reports whether the user holds admin rights.
func (r *Repository) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM admins WHERE user_id = $1)`, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// AddAdmin registers an admin; repeated calls are no-ops.
func (r *Repository) AddAdmin(ctx context.Context, userID int64) error {
	const query = `INSERT INTO admins (user_id, created_at) VALUES ($1, NOW()) ON CONFLICT (user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, userID)
	return err
}

// Snapshot reads the run inputs inside one repeatable-read transaction.
func (r *Repository) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback(ctx)

	participants, err := r.listUnassigned(ctx, tx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list participants: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id, color FROM teams ORDER BY id ASC`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list teams: %w", err)
	}
	teams := make([]domain.TeamSummary, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var t domain.TeamSummary
		if err := rows.Scan(&t.ID, &t.Color); err != nil {
			rows.Close()
			return domain.Snapshot{}, err
		}
		index[t.ID] = len(teams)
		teams = append(teams, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	const membersQuery = `SELECT id, team_id, tags FROM participants
		WHERE team_id IS NOT NULL
		ORDER BY team_id ASC, assignment_seq ASC NULLS LAST, id ASC`
	rows, err = tx.Query(ctx, membersQuery)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	unions := make(map[int64]domain.TagSet, len(teams))
	for rows.Next() {
		var (
			id, teamID int64
			raw        string
		)
		if err := rows.Scan(&id, &teamID, &raw); err != nil {
			return domain.Snapshot{}, err
		}
		i, ok := index[teamID]
		if !ok {
			continue
		}
		teams[i].MemberIDs = append(teams[i].MemberIDs, id)
		teams[i].MemberCount++
		if unions[teamID] == nil {
			unions[teamID] = domain.TagSet{}
		}
		unions[teamID].AddAll(r.tags(id, raw))
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	return domain.Snapshot{Participants: participants, Teams: teams, TagUnions: unions}, nil
}

// CommitPlacement creates the requested team and links the participant in
// one transaction.
func (r *Repository) CommitPlacement(ctx context.Context, placement repository.Placement) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	teamID := placement.TeamID
	if placement.NewTeamColor != "" {
		if err := tx.QueryRow(ctx, `INSERT INTO teams (color) VALUES ($1) RETURNING id`, placement.NewTeamColor).Scan(&teamID); err != nil {
			return 0, fmt.Errorf("create team: %w", err)
		}
	}
	if err := r.assign(ctx, tx, placement.ParticipantID, teamID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return teamID, nil
}

// ResetTeams replaces all teams with a fresh set built from quota and
// stores the quota, atomically.
func (r *Repository) ResetTeams(ctx context.Context, quota []domain.ColorEntry) ([]domain.Team, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE participants SET team_id = NULL, assignment_seq = NULL WHERE team_id IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("clear team links: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM teams`); err != nil {
		return nil, fmt.Errorf("delete teams: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM color_quotas`); err != nil {
		return nil, fmt.Errorf("delete quota: %w", err)
	}

	batch := &pgx.Batch{}
	for i, entry := range quota {
		batch.Queue(`INSERT INTO color_quotas (color, quota, position) VALUES ($1, $2, $3)`, entry.Color, entry.Quota, i)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for range quota {
			if _, err := br.Exec(); err != nil {
				br.Close()
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23514") {
					return nil, repository.ErrInvalidArgument
				}
				return nil, err
			}
		}
		if err := br.Close(); err != nil {
			return nil, err
		}
	}

	teams := make([]domain.Team, 0)
	for _, entry := range quota {
		for i := 0; i < entry.Quota; i++ {
			t := domain.Team{Color: entry.Color}
			if err := tx.QueryRow(ctx, `INSERT INTO teams (color) VALUES ($1) RETURNING id, created_at`, entry.Color).Scan(&t.ID, &t.CreatedAt); err != nil {
				return nil, fmt.Errorf("create team: %w", err)
			}
			teams = append(teams, t)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return teams, nil
}

// LockDistribution takes a session advisory lock on a dedicated
// connection. The lock is held until the returned func is called.
func (r *Repository) LockDistribution(ctx context.Context) (func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, distributionLockKey); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire distribution lock: %w", err)
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, distributionLockKey); err != nil {
			r.log.Warn("release distribution lock", "error", err)
			// closing the session drops any advisory locks it holds
			_ = conn.Hijack().Close(unlockCtx)
			return
		}
		conn.Release()
	}, nil
}
