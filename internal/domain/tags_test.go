package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseTags(t *testing.T) {
	set, err := ParseTags(`["Python", "python", "Backend", "Python"]`)
	if err != nil {
		t.Fatalf("ParseTags returned error: %v", err)
	}
	if set.Len() != 3 || !set.Has("Python") || !set.Has("python") {
		t.Fatalf("unexpected set: %v", set.Sorted())
	}

	empty, err := ParseTags("   ")
	if err != nil || empty.Len() != 0 {
		t.Fatalf("expected empty set for blank payload, got %v, %v", empty, err)
	}

	broken, err := ParseTags(`{"tags": "oops"`)
	if !errors.Is(err, ErrMalformedTags) {
		t.Fatalf("expected ErrMalformedTags, got %v", err)
	}
	if broken == nil || broken.Len() != 0 {
		t.Fatalf("expected usable empty set on error, got %v", broken)
	}
}

func TestTagSetOperations(t *testing.T) {
	a := NewTagSet("go", "sql", "")
	b := NewTagSet("sql", "ml")

	if a.Len() != 2 {
		t.Fatalf("empty tags should be ignored, got %v", a.Sorted())
	}
	if got := a.Intersect(b).Sorted(); len(got) != 1 || got[0] != "sql" {
		t.Fatalf("unexpected intersection: %v", got)
	}
	if a.IntersectionSize(b) != 1 || a.Disjoint(b) {
		t.Fatalf("expected one shared tag")
	}
	clone := a.Clone()
	clone.AddAll(b)
	if a.Has("ml") || !clone.Has("ml") {
		t.Fatalf("clone must be independent")
	}
}

func TestTagSetJSONIsSorted(t *testing.T) {
	data, err := json.Marshal(NewTagSet("b", "a", "c"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["a","b","c"]` {
		t.Fatalf("unexpected encoding: %s", data)
	}
	if enc := TagSet(nil).Encode(); enc != "[]" {
		t.Fatalf("unexpected encoding of nil set: %s", enc)
	}

	var decoded TagSet
	if err := json.Unmarshal([]byte(`["x","y"]`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Has("x") || decoded.Len() != 2 {
		t.Fatalf("unexpected decoded set: %v", decoded.Sorted())
	}
}
