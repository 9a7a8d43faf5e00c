package allocation

import (
	"sort"

	"github.com/Galaxerum/dif-bot/internal/domain"
)

// Team is the in-memory state of a team during a run.
type Team struct {
	ID         int64
	Color      string
	Capacity   int
	Members    []int64
	TagUnion   domain.TagSet
	Overflowed bool
}

// HasRoom reports whether another member fits under capacity.
func (t *Team) HasRoom() bool {
	return len(t.Members) < t.Capacity
}

func (t *Team) clone() *Team {
	cp := *t
	cp.Members = append([]int64(nil), t.Members...)
	cp.TagUnion = t.TagUnion.Clone()
	return &cp
}

// Pool is an arena of teams keyed by id. Iteration is always by ascending id.
type Pool struct {
	capacity int
	teams    map[int64]*Team
	ids      []int64
	perColor map[string]int
}

// NewPool returns an empty pool whose teams all hold capacity members.
func NewPool(capacity int) *Pool {
	return &Pool{
		capacity: capacity,
		teams:    make(map[int64]*Team),
		perColor: make(map[string]int),
	}
}

// PoolFromSnapshot seeds a pool with persisted teams and their tag unions.
func PoolFromSnapshot(capacity int, teams []domain.TeamSummary, unions map[int64]domain.TagSet) *Pool {
	p := NewPool(capacity)
	for _, summary := range teams {
		t := p.Create(summary.ID, summary.Color)
		t.Members = append(t.Members, summary.MemberIDs...)
		if union, ok := unions[summary.ID]; ok {
			t.TagUnion.AddAll(union)
		}
	}
	return p
}

// NewQuotaPool creates quota[color] empty teams per color, numbered from 1
// in quota order. It is the in-memory counterpart of a color setup.
func NewQuotaPool(capacity int, quota ColorQuota) *Pool {
	p := NewPool(capacity)
	var id int64
	for _, entry := range quota.Entries() {
		for i := 0; i < entry.Quota; i++ {
			id++
			p.Create(id, entry.Color)
		}
	}
	return p
}

// Capacity returns the per-team member limit.
func (p *Pool) Capacity() int { return p.capacity }

// Len returns the number of teams.
func (p *Pool) Len() int { return len(p.ids) }

// Create adds an empty team. Creating an id twice returns the existing team.
func (p *Pool) Create(id int64, color string) *Team {
	if t, ok := p.teams[id]; ok {
		return t
	}
	t := &Team{
		ID:       id,
		Color:    color,
		Capacity: p.capacity,
		TagUnion: domain.TagSet{},
	}
	p.teams[id] = t
	p.perColor[color]++
	i := sort.Search(len(p.ids), func(i int) bool { return p.ids[i] >= id })
	p.ids = append(p.ids, 0)
	copy(p.ids[i+1:], p.ids[i:])
	p.ids[i] = id
	return t
}

// Get returns the team with id.
func (p *Pool) Get(id int64) (*Team, bool) {
	t, ok := p.teams[id]
	return t, ok
}

// IDs returns a stable copy of team ids in ascending order.
func (p *Pool) IDs() []int64 {
	return append([]int64(nil), p.ids...)
}

// CountColor returns how many teams of color exist.
func (p *Pool) CountColor(color string) int {
	return p.perColor[color]
}

// MaxID returns the highest team id, zero for an empty pool.
func (p *Pool) MaxID() int64 {
	if len(p.ids) == 0 {
		return 0
	}
	return p.ids[len(p.ids)-1]
}

// Place appends a participant to a team and unions its tags.
func (p *Pool) Place(teamID, participantID int64, tags domain.TagSet, overflow bool) bool {
	t, ok := p.teams[teamID]
	if !ok {
		return false
	}
	t.Members = append(t.Members, participantID)
	t.TagUnion.AddAll(tags)
	if overflow {
		t.Overflowed = true
	}
	return true
}

// Teams returns copies of all teams in ascending id order.
func (p *Pool) Teams() []Team {
	out := make([]Team, 0, len(p.ids))
	for _, id := range p.ids {
		out = append(out, *p.teams[id].clone())
	}
	return out
}

// Clone returns an isolated deep copy.
func (p *Pool) Clone() *Pool {
	cp := NewPool(p.capacity)
	cp.ids = append([]int64(nil), p.ids...)
	for id, t := range p.teams {
		cp.teams[id] = t.clone()
	}
	for color, n := range p.perColor {
		cp.perColor[color] = n
	}
	return cp
}
