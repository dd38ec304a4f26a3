package collab

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode_TranslatesAllClasses(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrAccessDenied, "ACCESS_DENIED"},
		{ErrVersionConflict, "VERSION_CONFLICT"},
		{ErrMissingFields, "MISSING_FIELDS"},
		{ErrInternal, "INTERNAL_ERROR"},
		{Errf(ErrMissingFields, "notebookId required"), "MISSING_FIELDS"},
		{Errf(ErrAccessDenied, "user %d blocked", 9), "ACCESS_DENIED"},
		{&ConflictError{Current: 7}, "VERSION_CONFLICT"},
		{fmt.Errorf("wrapped: %w", ErrVersionConflict), "VERSION_CONFLICT"},
		{errors.New("who knows"), "INTERNAL_ERROR"},
	}
	for i, c := range cases {
		if got := Code(c.err); got != c.want {
			t.Fatalf("case %d: Code(%v) = %q, want %q", i, c.err, got, c.want)
		}
	}
}

func TestErrf_KeepsMessageAndClass(t *testing.T) {
	err := Errf(ErrMissingFields, "field %s required", "notebookId")
	if got := err.Error(); got != "field notebookId required" {
		t.Fatalf("Error() = %q, want %q", got, "field notebookId required")
	}
	if !errors.Is(err, ErrMissingFields) {
		t.Fatalf("errors.Is(err, ErrMissingFields) = false")
	}
}

func TestConflictError_CarriesCurrentVersion(t *testing.T) {
	var err error = &ConflictError{Current: 12}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("errors.As failed")
	}
	if conflict.Current != 12 {
		t.Fatalf("Current = %d, want 12", conflict.Current)
	}
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("errors.Is(err, ErrVersionConflict) = false")
	}
}
