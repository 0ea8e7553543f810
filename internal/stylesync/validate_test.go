package stylesync

import (
	"errors"
	"testing"
	"time"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	gate, err := NewGate()
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return gate
}

func TestGateAcceptsWellFormedEntities(t *testing.T) {
	gate := newGate(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	snaps := []Snapshot{}
	for _, entity := range []struct {
		id   string
		kind Kind
		val  any
	}{
		{"proj_a_1000", KindProject, Project{ID: "proj_a_1000", OwnerID: "user-1", Title: "Runway"}},
		{StateID("proj_a_1000"), KindProjectState, ProjectState{ProjectID: "proj_a_1000", History: []HistoryItem{}}},
		{"ward_b_2000", KindWardrobeItem, WardrobeItem{ID: "ward_b_2000", URL: "https://cdn/x.jpg", Category: "tops"}},
		{"upreq_c_3000", KindArtifactRequest, ArtifactRequest{ID: "upreq_c_3000", UserID: "user-1", Status: RequestQueued}},
	} {
		snap, err := NewSnapshot(entity.id, entity.kind, entity.val, 1, now)
		if err != nil {
			t.Fatalf("NewSnapshot(%s): %v", entity.kind, err)
		}
		snaps = append(snaps, snap)
	}
	for _, snap := range snaps {
		if err := gate.Validate(snap); err != nil {
			t.Errorf("Validate(%s): %v", snap.Kind, err)
		}
	}
}

func TestGateRejectsMalformedEntities(t *testing.T) {
	gate := newGate(t)

	if err := gate.Validate(Snapshot{Kind: KindProject}); !errors.Is(err, ErrMalformedEntity) {
		t.Fatalf("missing id: got %v, want ErrMalformedEntity", err)
	}
	if err := gate.Validate(Snapshot{ID: "x", Kind: Kind("mystery")}); !errors.Is(err, ErrMalformedEntity) {
		t.Fatalf("unknown kind: got %v, want ErrMalformedEntity", err)
	}
	// Project without an owner fails the schema.
	snap := Snapshot{ID: "proj_a_1000", Kind: KindProject, Doc: map[string]any{"id": "proj_a_1000", "title": "no owner"}}
	if err := gate.Validate(snap); !errors.Is(err, ErrMalformedEntity) {
		t.Fatalf("schema violation: got %v, want ErrMalformedEntity", err)
	}
	// Artifact request with an unknown status fails the enum.
	snap = Snapshot{ID: "upreq_a_1000", Kind: KindArtifactRequest, Doc: map[string]any{"id": "upreq_a_1000", "status": "sideways"}}
	if err := gate.Validate(snap); !errors.Is(err, ErrMalformedEntity) {
		t.Fatalf("enum violation: got %v, want ErrMalformedEntity", err)
	}
}

func TestGateRejectsInlineBinary(t *testing.T) {
	gate := newGate(t)
	state := ProjectState{
		ProjectID: "proj_a_1000",
		History: []HistoryItem{
			{ID: "gen_a_1000", Type: ItemBaseGeneration, BaseModelID: "gen_a_1000",
				ImageURL: "data:image/jpeg;base64,/9j/4AAQ"},
		},
	}
	snap, err := NewSnapshot(StateID(state.ProjectID), KindProjectState, state, 1, time.Now())
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	err = gate.Validate(snap)
	if !errors.Is(err, ErrValidationRejected) {
		t.Fatalf("inline binary: got %v, want ErrValidationRejected", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a *ValidationError, got %T", err)
	}
	if verr.Field != "history[0].imageUrl" {
		t.Fatalf("offending field: got %q", verr.Field)
	}
}

func TestIsInlineBinary(t *testing.T) {
	cases := map[string]bool{
		"data:image/png;base64,iVBOR": true,
		"https://cdn/a.jpg":           false,
		"data:text/plain,hello":       false,
		"":                            false,
	}
	for input, want := range cases {
		if got := IsInlineBinary(input); got != want {
			t.Errorf("IsInlineBinary(%q) = %v, want %v", input, got, want)
		}
	}
}
