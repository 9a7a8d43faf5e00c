package domain

// AssignmentRecord describes the outcome of placing one participant.
type AssignmentRecord struct {
	ParticipantID int64  `json:"participantId"`
	DisplayName   string `json:"name"`
	Tags          TagSet `json:"tags"`
	TeamID        int64  `json:"teamId,omitempty"`
	Color         string `json:"color,omitempty"`
	ConflictTags  TagSet `json:"conflictTags"`
	Overflow      bool   `json:"overflow"`
	NewTeam       bool   `json:"newTeam,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Placed reports whether the record ended in a team.
func (r AssignmentRecord) Placed() bool {
	return r.Error == "" && r.TeamID != 0
}
