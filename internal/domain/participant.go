package domain

import "time"

// Participant is a registered user that may be placed into a team.
type Participant struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"name"`
	Profile     string    `json:"profile"`
	Tags        TagSet    `json:"tags"`
	Eligible    bool      `json:"eligible"`
	TeamID      *int64    `json:"teamId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Assigned reports whether the participant already belongs to a team.
func (p Participant) Assigned() bool {
	return p.TeamID != nil
}
