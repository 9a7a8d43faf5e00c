package distribution

import "github.com/Galaxerum/dif-bot/internal/domain"

// Event types streamed to live subscribers.
const (
	EventPlacement = "placement"
	EventCompleted = "completed"
)

// Event is one message on the distribution stream.
type Event struct {
	Type   string                   `json:"type"`
	RunID  string                   `json:"run_id"`
	Rule   string                   `json:"rule,omitempty"`
	Record *domain.AssignmentRecord `json:"record,omitempty"`
	Stats  *domain.OverallStats     `json:"stats,omitempty"`
}
