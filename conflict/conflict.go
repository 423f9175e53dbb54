// Package conflict decides which copy of a synced record is authoritative.
//
// Records are ordered by the revision assigned by their single local writer.
// Wall-clock timestamps are informational unless a policy says otherwise.
package conflict

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is the minimal shape of any synced entity.
type Record struct {
	ClientRevision int64
	UpdatedAt      time.Time
	Payload        []byte
}

// IsConflict reports whether the remote copy supersedes the local one.
// Equal revisions keep the local copy.
func IsConflict(local, remote Record) bool {
	return remote.ClientRevision > local.ClientRevision
}

// NextRevision returns the revision for the next local write of a record.
// An unset current revision counts as 0, so the first revision is 1.
func NextRevision(current int64) int64 {
	if current < 0 {
		current = 0
	}
	return current + 1
}

// Policy selects how equal revisions are treated.
type Policy int

const (
	// PolicyRevision orders purely by revision; ties keep local.
	PolicyRevision Policy = iota
	// PolicyLastWriterWins breaks ties between differing payloads by UpdatedAt.
	PolicyLastWriterWins
	// PolicyDetect reports ties between differing payloads as Diverged.
	PolicyDetect
)

func (p Policy) String() string {
	switch p {
	case PolicyRevision:
		return "revision"
	case PolicyLastWriterWins:
		return "lww"
	case PolicyDetect:
		return "detect"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses the names returned by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "revision":
		return PolicyRevision, nil
	case "lww":
		return PolicyLastWriterWins, nil
	case "detect":
		return PolicyDetect, nil
	}
	return 0, fmt.Errorf("unknown conflict policy %q", s)
}

// Outcome is the result of resolving a local and a remote copy.
type Outcome int

const (
	KeepLocal Outcome = iota
	TakeRemote
	Diverged
)

func (o Outcome) String() string {
	switch o {
	case KeepLocal:
		return "keep-local"
	case TakeRemote:
		return "take-remote"
	case Diverged:
		return "diverged"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Detector resolves local/remote pairs according to its Policy.
// The zero value uses PolicyRevision.
type Detector struct {
	Policy Policy
}

func (d Detector) Resolve(local, remote Record) Outcome {
	switch {
	case IsConflict(local, remote):
		return TakeRemote
	case remote.ClientRevision < local.ClientRevision:
		return KeepLocal
	}

	// equal revisions
	if d.Policy == PolicyRevision || samePayload(local.Payload, remote.Payload) {
		return KeepLocal
	}
	if d.Policy == PolicyDetect {
		return Diverged
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return TakeRemote
	}
	return KeepLocal
}

// Fingerprint returns a fast non-cryptographic hash of a payload.
func Fingerprint(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

func samePayload(a, b []byte) bool {
	if Fingerprint(a) != Fingerprint(b) {
		return false
	}
	return bytes.Equal(a, b)
}
