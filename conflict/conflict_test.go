package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsConflict(t *testing.T) {
	require.True(t, IsConflict(Record{ClientRevision: 5}, Record{ClientRevision: 6}))
	require.False(t, IsConflict(Record{ClientRevision: 5}, Record{ClientRevision: 5}))
	require.False(t, IsConflict(Record{ClientRevision: 5}, Record{ClientRevision: 4}))
}

func TestIsConflictIgnoresTimestamps(t *testing.T) {
	now := time.Now()
	local := Record{ClientRevision: 3, UpdatedAt: now}
	remote := Record{ClientRevision: 2, UpdatedAt: now.Add(time.Hour)}
	require.False(t, IsConflict(local, remote))
}

func TestNextRevision(t *testing.T) {
	require.Equal(t, int64(1), NextRevision(0))
	var unset int64
	require.Equal(t, int64(1), NextRevision(unset))
	require.Equal(t, int64(1), NextRevision(-3))
	for _, n := range []int64{1, 2, 41, 1 << 40} {
		require.Equal(t, n+1, NextRevision(n))
	}
}

func TestResolve(t *testing.T) {
	earlier := time.Unix(1000, 0)
	later := time.Unix(2000, 0)
	testCases := []struct {
		name   string
		policy Policy
		local  Record
		remote Record
		want   Outcome
	}{
		{"remote newer", PolicyRevision, Record{ClientRevision: 1}, Record{ClientRevision: 2}, TakeRemote},
		{"local newer", PolicyRevision, Record{ClientRevision: 3}, Record{ClientRevision: 2}, KeepLocal},
		{"tie keeps local", PolicyRevision,
			Record{ClientRevision: 2, Payload: []byte("a"), UpdatedAt: earlier},
			Record{ClientRevision: 2, Payload: []byte("b"), UpdatedAt: later}, KeepLocal},
		{"lww tie later remote", PolicyLastWriterWins,
			Record{ClientRevision: 2, Payload: []byte("a"), UpdatedAt: earlier},
			Record{ClientRevision: 2, Payload: []byte("b"), UpdatedAt: later}, TakeRemote},
		{"lww tie later local", PolicyLastWriterWins,
			Record{ClientRevision: 2, Payload: []byte("a"), UpdatedAt: later},
			Record{ClientRevision: 2, Payload: []byte("b"), UpdatedAt: earlier}, KeepLocal},
		{"lww same payload", PolicyLastWriterWins,
			Record{ClientRevision: 2, Payload: []byte("a"), UpdatedAt: earlier},
			Record{ClientRevision: 2, Payload: []byte("a"), UpdatedAt: later}, KeepLocal},
		{"detect divergence", PolicyDetect,
			Record{ClientRevision: 4, Payload: []byte("a")},
			Record{ClientRevision: 4, Payload: []byte("b")}, Diverged},
		{"detect identical", PolicyDetect,
			Record{ClientRevision: 4, Payload: []byte("a")},
			Record{ClientRevision: 4, Payload: []byte("a")}, KeepLocal},
		{"detect remote newer", PolicyDetect, Record{ClientRevision: 4}, Record{ClientRevision: 5}, TakeRemote},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Detector{Policy: tc.policy}.Resolve(tc.local, tc.remote)
			require.Equal(t, tc.want, got, "got %v, want %v", got, tc.want)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyRevision, PolicyLastWriterWins, PolicyDetect} {
		parsed, err := ParsePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, parsed)
	}
	_, err := ParsePolicy("vector-clock")
	require.Error(t, err)
}
