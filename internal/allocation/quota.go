package allocation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Galaxerum/dif-bot/internal/domain"
)

// DefaultColor names the single color used when a simulation is sized by team count.
const DefaultColor = "default"

// ErrInvalidQuota reports an unusable quota definition.
var ErrInvalidQuota = errors.New("invalid color quota")

// ColorEntry is one color with its team quota.
type ColorEntry = domain.ColorEntry

// ColorQuota is an ordered color -> team quota mapping. Order is the
// tie-break order used when growing teams.
type ColorQuota struct {
	entries []ColorEntry
	index   map[string]int
}

// NewColorQuota validates entries and keeps their order.
func NewColorQuota(entries ...ColorEntry) (ColorQuota, error) {
	q := ColorQuota{
		entries: make([]ColorEntry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Color) == "" {
			return ColorQuota{}, fmt.Errorf("%w: color name is required", ErrInvalidQuota)
		}
		if e.Quota < 0 {
			return ColorQuota{}, fmt.Errorf("%w: quota for %q is negative", ErrInvalidQuota, e.Color)
		}
		if _, dup := q.index[e.Color]; dup {
			return ColorQuota{}, fmt.Errorf("%w: duplicate color %q", ErrInvalidQuota, e.Color)
		}
		q.index[e.Color] = len(q.entries)
		q.entries = append(q.entries, e)
	}
	return q, nil
}

// TeamCountQuota returns a single-color quota of n teams.
func TeamCountQuota(n int) (ColorQuota, error) {
	return NewColorQuota(ColorEntry{Color: DefaultColor, Quota: n})
}

// Entries returns the colors in order.
func (q ColorQuota) Entries() []ColorEntry {
	return append([]ColorEntry(nil), q.entries...)
}

// Colors returns color names in order.
func (q ColorQuota) Colors() []string {
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Color
	}
	return out
}

// Len returns the number of colors.
func (q ColorQuota) Len() int { return len(q.entries) }

// Quota returns the quota for color, zero when the color is unknown.
func (q ColorQuota) Quota(color string) int {
	if i, ok := q.index[color]; ok {
		return q.entries[i].Quota
	}
	return 0
}

// Enabled reports whether color may hold teams at all.
func (q ColorQuota) Enabled(color string) bool {
	return q.Quota(color) > 0
}

// TotalTeams sums all quotas.
func (q ColorQuota) TotalTeams() int {
	total := 0
	for _, e := range q.entries {
		total += e.Quota
	}
	return total
}

// MarshalJSON encodes the quota as an ordered list of entries.
func (q ColorQuota) MarshalJSON() ([]byte, error) {
	if q.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(q.entries)
}

// UnmarshalJSON accepts either a list of {color, quota} entries or an
// object; object key order is preserved.
func (q *ColorQuota) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*q = ColorQuota{}
		return nil
	}
	var entries []ColorEntry
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuota, err)
		}
	case '{':
		parsed, err := decodeOrderedObject(trimmed)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuota, err)
		}
		entries = parsed
	default:
		return fmt.Errorf("%w: expected list or object", ErrInvalidQuota)
	}
	parsed, err := NewColorQuota(entries...)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func decodeOrderedObject(data []byte) ([]ColorEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var entries []ColorEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		color, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", tok)
		}
		var quota int
		if err := dec.Decode(&quota); err != nil {
			return nil, fmt.Errorf("quota for %q: %w", color, err)
		}
		entries = append(entries, ColorEntry{Color: color, Quota: quota})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return entries, nil
}

// UnmarshalYAML accepts a mapping (order preserved) or a sequence of entries.
func (q *ColorQuota) UnmarshalYAML(node *yaml.Node) error {
	var entries []ColorEntry
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			var quota int
			if err := node.Content[i+1].Decode(&quota); err != nil {
				return fmt.Errorf("%w: quota for %q: %v", ErrInvalidQuota, node.Content[i].Value, err)
			}
			entries = append(entries, ColorEntry{Color: node.Content[i].Value, Quota: quota})
		}
	case yaml.SequenceNode:
		if err := node.Decode(&entries); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuota, err)
		}
	default:
		return fmt.Errorf("%w: expected mapping or sequence", ErrInvalidQuota)
	}
	parsed, err := NewColorQuota(entries...)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// quotaFile is the on-disk shape: either a top-level "colors" key or the
// mapping itself.
type quotaFile struct {
	Colors ColorQuota `yaml:"colors"`
}

// LoadQuotaFile reads a YAML quota definition.
func LoadQuotaFile(path string) (ColorQuota, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ColorQuota{}, fmt.Errorf("read quota file: %w", err)
	}
	return ParseQuotaYAML(data)
}

// ParseQuotaYAML decodes a YAML quota definition.
func ParseQuotaYAML(data []byte) (ColorQuota, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return ColorQuota{}, fmt.Errorf("%w: %v", ErrInvalidQuota, err)
	}
	if len(root.Content) == 0 {
		return ColorQuota{}, nil
	}
	doc := root.Content[0]
	if doc.Kind == yaml.MappingNode && len(doc.Content) >= 2 && doc.Content[0].Value == "colors" && doc.Content[1].Kind != yaml.ScalarNode {
		var file quotaFile
		if err := doc.Decode(&file); err != nil {
			return ColorQuota{}, err
		}
		return file.Colors, nil
	}
	var q ColorQuota
	if err := doc.Decode(&q); err != nil {
		return ColorQuota{}, err
	}
	return q, nil
}
