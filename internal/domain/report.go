package domain

// Report is the conflict summary of a distribution or simulation run.
type Report struct {
	Teams        []TeamReport `json:"teams"`
	OverallStats OverallStats `json:"overallStats"`
}

// TeamReport summarises one team.
type TeamReport struct {
	ID                int64          `json:"id"`
	Color             string         `json:"color"`
	MembersCount      int            `json:"membersCount"`
	ConflictCount     int            `json:"conflictCount"`
	Overflow          bool           `json:"overflow"`
	Members           []MemberReport `json:"members"`
	ConflictTagCounts map[string]int `json:"conflictTagCounts"`
}

// MemberReport is a member placed during the run with its declared conflicts.
type MemberReport struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Tags         TagSet `json:"tags"`
	ConflictTags TagSet `json:"conflictTags"`
	Overflow     bool   `json:"overflow"`
}

// TagCount pairs a tag with its frequency.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// OverallStats aggregates conflicts across all teams.
type OverallStats struct {
	TotalConflicts  int        `json:"totalConflicts"`
	Top3Conflicts   []TagCount `json:"top3Conflicts"`
	MostConflictTag string     `json:"mostConflictTag"`
	Unplaced        int        `json:"unplaced"`
}
