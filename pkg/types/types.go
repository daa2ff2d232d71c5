package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VolumeRef identifies one upstream collection target.
type VolumeRef struct {
	VolumeID string `yaml:"volume_id" json:"volume_id"`
	Zone     string `yaml:"zone" json:"zone"`
}

func (v VolumeRef) String() string { return v.VolumeID + "/" + v.Zone }

// ErrMalformedVolumeID is returned by Validate for volume ids that cannot be
// placed in a request path.
var ErrMalformedVolumeID = errors.New("malformed volume id")

// urlControl lists characters that would change the meaning of a URL if they
// leaked into the path segment carrying the volume id.
const urlControl = "&=?#/%;+\\"

// Validate checks that the volume id is a canonical UUID with nothing a URL
// would interpret, and that a zone is set. It performs no I/O.
func (v VolumeRef) Validate() error {
	id := v.VolumeID
	if id == "" {
		return fmt.Errorf("%w: empty", ErrMalformedVolumeID)
	}
	if i := strings.IndexFunc(id, func(r rune) bool {
		return r <= ' ' || r == 0x7f || strings.ContainsRune(urlControl, r)
	}); i >= 0 {
		return fmt.Errorf("%w: %q contains %q at offset %d", ErrMalformedVolumeID, id, id[i], i)
	}
	if len(id) != 36 {
		return fmt.Errorf("%w: %q is not a 36 character uuid", ErrMalformedVolumeID, id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedVolumeID, id, err)
	}
	if strings.TrimSpace(v.Zone) == "" {
		return fmt.Errorf("volume %s: zone is required", id)
	}
	return nil
}

// State is the lifecycle state of a directory quota.
type State int

const (
	StateUnknown State = iota
	StateActive
	StateFrozen
)

// StateFromUpstream maps the upstream integer state (1 active, 0 frozen).
func StateFromUpstream(v int) State {
	switch v {
	case 1:
		return StateActive
	case 0:
		return StateFrozen
	default:
		return StateUnknown
	}
}

// Value is the gauge value exported for s: 1 active, 0 frozen, -1 unknown.
func (s State) Value() float64 {
	switch s {
	case StateActive:
		return 1
	case StateFrozen:
		return 0
	default:
		return -1
	}
}

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// DirectoryQuota is one upstream-reported row for a path within a volume.
// Quota fields use 0 to mean unlimited.
type DirectoryQuota struct {
	VolumeID           string
	Zone               string
	DirPath            string
	FileQuantityUsed   uint64
	FileQuantityQuota  uint64
	CapacityUsedBytes  uint64
	CapacityQuotaBytes uint64
	State              State
}

// Status is the result of collecting one volume.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "failed"
}

// StaleData carries the last successful records for a volume whose current
// collection failed.
type StaleData struct {
	Records     []DirectoryQuota
	CollectedAt time.Time
}

// VolumeOutcome is the result of one collection attempt for one volume.
// Records is empty unless Status is StatusOK.
type VolumeOutcome struct {
	Volume    VolumeRef
	Status    Status
	Records   []DirectoryQuota
	ErrorKind ErrorKind
	Latency   time.Duration
	Attempts  int
	Stale     *StaleData
}

// OK reports whether the volume was collected successfully.
func (o *VolumeOutcome) OK() bool { return o.Status == StatusOK }

// Snapshot is the immutable result of one collection round.
type Snapshot struct {
	ID          string
	Outcomes    []VolumeOutcome
	CollectedAt time.Time
	Duration    time.Duration
}

// Successful returns the number of Ok outcomes.
func (s *Snapshot) Successful() int {
	n := 0
	for i := range s.Outcomes {
		if s.Outcomes[i].OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of Failed outcomes.
func (s *Snapshot) Failed() int { return len(s.Outcomes) - s.Successful() }

// AnyOK reports whether at least one volume was collected successfully.
func (s *Snapshot) AnyOK() bool {
	for i := range s.Outcomes {
		if s.Outcomes[i].OK() {
			return true
		}
	}
	return false
}

// Usable reports whether the snapshot has anything worth exposing: an Ok
// outcome or stale data for a failed one.
func (s *Snapshot) Usable() bool {
	for i := range s.Outcomes {
		if s.Outcomes[i].OK() || s.Outcomes[i].Stale != nil {
			return true
		}
	}
	return false
}

// RecordCount returns the number of directory records across Ok outcomes.
func (s *Snapshot) RecordCount() int {
	n := 0
	for i := range s.Outcomes {
		n += len(s.Outcomes[i].Records)
	}
	return n
}
