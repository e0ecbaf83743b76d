package statemachine

import (
	"encoding/binary"
	"strconv"

	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

var clockKey = keys.EncodeInternal("__clock")
var leaderTermKey = keys.EncodeInternal("__leader-term")

func loadClock(area *staging.Area) uint64 {
	raw := area.Get(clockKey)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func storeClock(area *staging.Area, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return area.Put(clockKey, buf[:])
}

// cmdClockGet: CLOCK_GET [candidate]. The dynamic clock is monotone
// non-decreasing (spec invariant 3.8(v)): with a candidate argument it
// advances the stored clock to max(stored, candidate) and returns the
// result; without one it just returns the stored value.
func (sm *StateMachine) cmdClockGet(area *staging.Area, req Request) (reply.Reply, error) {
	current := loadClock(area)
	if len(req.Args) == 0 {
		return reply.Integer(int64(current)), nil
	}
	candidate, err := strconv.ParseUint(req.argStr(0), 10, 64)
	if err != nil {
		return reply.Err("INVALID-ARGUMENT", "clock candidate must be a non-negative integer"), nil
	}
	next := current
	if candidate > next {
		next = candidate
	}
	if next != current {
		if err := storeClock(area, next); err != nil {
			return reply.Reply{}, err
		}
	}
	return reply.Integer(int64(next)), nil
}

// cmdJournalLeadershipMarker records the journal entry a newly elected
// leader commits purely to advance the commit index past the election
// (spec §4.J): it persists the new term for observability and hard
// synchronizes the dynamic clock to the leader's wall clock (spec §9
// hardSynchronizeDynamicClock), bumping __clock to max(stored, static)
// so it is never stale across an election (invariant §3.8(v)).
func (sm *StateMachine) cmdJournalLeadershipMarker(area *staging.Area, req Request) (reply.Reply, error) {
	term, err := strconv.ParseUint(req.argStr(0), 10, 64)
	if err != nil {
		return reply.Err("INVALID-ARGUMENT", "leadership marker requires a term"), nil
	}
	staticClock, err := strconv.ParseUint(req.argStr(1), 10, 64)
	if err != nil {
		return reply.Err("INVALID-ARGUMENT", "leadership marker requires a clock value"), nil
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], term)
	if err := area.Put(leaderTermKey, buf[:]); err != nil {
		return reply.Reply{}, err
	}

	if current := loadClock(area); staticClock > current {
		if err := storeClock(area, staticClock); err != nil {
			return reply.Reply{}, err
		}
	}
	return reply.OK(), nil
}
