package allocation

import (
	"context"
	"sort"

	"github.com/Galaxerum/dif-bot/internal/domain"
)

const topConflicts = 3

// tagCounter counts tags and remembers first-seen order for tie-breaks.
type tagCounter struct {
	counts map[string]int
	order  []string
}

func newTagCounter() *tagCounter {
	return &tagCounter{counts: make(map[string]int)}
}

func (c *tagCounter) add(tag string) {
	if _, seen := c.counts[tag]; !seen {
		c.order = append(c.order, tag)
	}
	c.counts[tag]++
}

func (c *tagCounter) top(n int) []domain.TagCount {
	out := make([]domain.TagCount, 0, len(c.order))
	for _, tag := range c.order {
		out = append(out, domain.TagCount{Tag: tag, Count: c.counts[tag]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// BuildReport summarises conflicts for the given teams using the conflict
// sets recorded at placement time. Teams are reported in the order given;
// members are the records placed into each team, in placement order.
func BuildReport(teams []Team, records []domain.AssignmentRecord) domain.Report {
	byTeam := make(map[int64][]domain.AssignmentRecord, len(teams))
	unplaced := 0
	for _, r := range records {
		if !r.Placed() {
			unplaced++
			continue
		}
		byTeam[r.TeamID] = append(byTeam[r.TeamID], r)
	}

	global := newTagCounter()
	report := domain.Report{Teams: make([]domain.TeamReport, 0, len(teams))}
	total := 0
	for _, t := range teams {
		tr := domain.TeamReport{
			ID:                t.ID,
			Color:             t.Color,
			MembersCount:      len(t.Members),
			Overflow:          t.Overflowed,
			Members:           make([]domain.MemberReport, 0, len(byTeam[t.ID])),
			ConflictTagCounts: make(map[string]int),
		}
		for _, r := range byTeam[t.ID] {
			conflicts := r.ConflictTags
			if conflicts == nil {
				conflicts = domain.TagSet{}
			}
			tr.Members = append(tr.Members, domain.MemberReport{
				ID:           r.ParticipantID,
				Name:         r.DisplayName,
				Tags:         r.Tags,
				ConflictTags: conflicts,
				Overflow:     r.Overflow,
			})
			if r.Overflow {
				tr.Overflow = true
			}
			for _, tag := range conflicts.Sorted() {
				tr.ConflictTagCounts[tag]++
				global.add(tag)
			}
			tr.ConflictCount += conflicts.Len()
		}
		total += tr.ConflictCount
		report.Teams = append(report.Teams, tr)
	}

	report.OverallStats = domain.OverallStats{
		TotalConflicts: total,
		Top3Conflicts:  global.top(topConflicts),
		Unplaced:       unplaced,
	}
	if len(report.OverallStats.Top3Conflicts) > 0 {
		report.OverallStats.MostConflictTag = report.OverallStats.Top3Conflicts[0].Tag
	}
	return report
}

// Simulate runs the full policy against an isolated copy of pool and
// returns the records and report. The given pool is never mutated.
func Simulate(ctx context.Context, pool *Pool, quota ColorQuota, participants []domain.Participant) ([]domain.AssignmentRecord, domain.Report, error) {
	work := pool.Clone()
	engine, err := NewEngine(work, quota, NewSequence(work.MaxID()))
	if err != nil {
		return nil, domain.Report{}, err
	}
	records, err := engine.Run(ctx, participants, nil)
	if err != nil {
		return records, domain.Report{}, err
	}
	return records, BuildReport(work.Teams(), records), nil
}
