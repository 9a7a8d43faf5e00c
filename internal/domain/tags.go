package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedTags indicates a stored tag payload could not be decoded.
var ErrMalformedTags = errors.New("malformed tag payload")

// TagSet is a set of opaque, case-sensitive tags.
type TagSet map[string]struct{}

// NewTagSet builds a set from the provided tags. Empty strings are ignored.
func NewTagSet(tags ...string) TagSet {
	set := make(TagSet, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	return set
}

// ParseTags decodes a stored JSON array of tags. A blank payload is an empty set.
func ParseTags(raw string) (TagSet, error) {
	if strings.TrimSpace(raw) == "" {
		return TagSet{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return TagSet{}, fmt.Errorf("%w: %v", ErrMalformedTags, err)
	}
	return NewTagSet(tags...), nil
}

// Len returns the number of tags.
func (s TagSet) Len() int { return len(s) }

// Has reports whether tag is in the set.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Sorted returns the tags in ascending byte order.
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Intersect returns the tags present in both sets.
func (s TagSet) Intersect(other TagSet) TagSet {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(TagSet)
	for tag := range small {
		if large.Has(tag) {
			out[tag] = struct{}{}
		}
	}
	return out
}

// IntersectionSize counts shared tags without allocating.
func (s TagSet) IntersectionSize(other TagSet) int {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	n := 0
	for tag := range small {
		if large.Has(tag) {
			n++
		}
	}
	return n
}

// Disjoint reports whether the sets share no tag.
func (s TagSet) Disjoint(other TagSet) bool {
	return s.IntersectionSize(other) == 0
}

// AddAll unions other into s.
func (s TagSet) AddAll(other TagSet) {
	for tag := range other {
		s[tag] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	out.AddAll(s)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of tags.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}

// Encode returns the storage form of the set.
func (s TagSet) Encode() string {
	data, _ := json.Marshal(s.Sorted())
	return string(data)
}
