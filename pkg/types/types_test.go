package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStateFromUpstream(t *testing.T) {
	tests := []struct {
		in    int
		want  State
		value float64
	}{
		{1, StateActive, 1},
		{0, StateFrozen, 0},
		{2, StateUnknown, -1},
		{-7, StateUnknown, -1},
	}
	for _, tt := range tests {
		got := StateFromUpstream(tt.in)
		if got != tt.want {
			t.Errorf("StateFromUpstream(%d): got %v, want %v", tt.in, got, tt.want)
		}
		if got.Value() != tt.value {
			t.Errorf("StateFromUpstream(%d).Value(): got %v, want %v", tt.in, got.Value(), tt.value)
		}
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		ErrorKindTimeout:             true,
		ErrorKindNetworkUnreachable:  true,
		ErrorKindUpstreamServerError: true,
		ErrorKindRateLimited:         true,
		ErrorKindAuthFailure:         false,
		ErrorKindNotFound:            false,
		ErrorKindMalformedVolumeID:   false,
		ErrorKindMalformedResponse:   false,
		ErrorKindUpstreamClientError: false,
		ErrorKindCircuitOpen:         false,
	}
	for k, want := range retryable {
		if got := k.Retryable(); got != want {
			t.Errorf("%s.Retryable(): got %v, want %v", k, got, want)
		}
	}
}

type kindErr struct{ k ErrorKind }

func (e kindErr) Error() string        { return string(e.k) }
func (e kindErr) ErrorKind() ErrorKind { return e.k }

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", kindErr{ErrorKindNotFound})
	if got := KindOf(wrapped); got != ErrorKindNotFound {
		t.Errorf("wrapped kind: got %q", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != ErrorKindTimeout {
		t.Errorf("deadline: got %q", got)
	}
	if got := KindOf(errors.New("boom")); got != ErrorKindUnknown {
		t.Errorf("plain error: got %q", got)
	}
	if got := KindOf(nil); got != ErrorKindNone {
		t.Errorf("nil: got %q", got)
	}
}

func TestSnapshotCounters(t *testing.T) {
	s := &Snapshot{Outcomes: []VolumeOutcome{
		{Status: StatusOK, Records: make([]DirectoryQuota, 3)},
		{Status: StatusFailed, ErrorKind: ErrorKindTimeout},
		{Status: StatusOK, Records: make([]DirectoryQuota, 2)},
	}}
	if s.Successful() != 2 || s.Failed() != 1 {
		t.Errorf("ok/failed: got %d/%d, want 2/1", s.Successful(), s.Failed())
	}
	if !s.AnyOK() || !s.Usable() {
		t.Error("expected AnyOK and Usable")
	}
	if s.RecordCount() != 5 {
		t.Errorf("RecordCount: got %d, want 5", s.RecordCount())
	}

	allFailed := &Snapshot{Outcomes: []VolumeOutcome{{Status: StatusFailed}}}
	if allFailed.AnyOK() || allFailed.Usable() {
		t.Error("all failed: expected not AnyOK and not Usable")
	}
	allFailed.Outcomes[0].Stale = &StaleData{Records: make([]DirectoryQuota, 1)}
	if allFailed.AnyOK() || !allFailed.Usable() {
		t.Error("stale data: expected Usable but not AnyOK")
	}
}

func TestVolumeRef_Validate(t *testing.T) {
	const good = "0b2f7c1e-5d9a-4c3e-8f21-7a6b5c4d3e2f"
	tests := []struct {
		name    string
		ref     VolumeRef
		wantErr bool
	}{
		{"valid", VolumeRef{VolumeID: good, Zone: "cn-sh-01a"}, false},
		{"zone concatenated", VolumeRef{VolumeID: good + "&zone=cn-sh-01a", Zone: "cn-sh-01a"}, true},
		{"equals", VolumeRef{VolumeID: "0b2f7c1e=5d9a-4c3e-8f21-7a6b5c4d3e2f", Zone: "z"}, true},
		{"question mark", VolumeRef{VolumeID: good + "?", Zone: "z"}, true},
		{"slash", VolumeRef{VolumeID: "0b2f7c1e/5d9a-4c3e-8f21-7a6b5c4d3e2f", Zone: "z"}, true},
		{"whitespace", VolumeRef{VolumeID: " " + good, Zone: "z"}, true},
		{"newline", VolumeRef{VolumeID: good[:35] + "\n", Zone: "z"}, true},
		{"not uuid", VolumeRef{VolumeID: "zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz", Zone: "z"}, true},
		{"braced uuid", VolumeRef{VolumeID: "{" + good + "}", Zone: "z"}, true},
		{"empty", VolumeRef{Zone: "z"}, true},
		{"missing zone", VolumeRef{VolumeID: good}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%q): err=%v, wantErr=%v", tt.ref.VolumeID, err, tt.wantErr)
			}
		})
	}

	err := VolumeRef{VolumeID: good + "&zone=x", Zone: "x"}.Validate()
	if !errors.Is(err, ErrMalformedVolumeID) {
		t.Errorf("expected ErrMalformedVolumeID, got %v", err)
	}
}
