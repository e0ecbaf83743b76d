package statemachine

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

// leaseRecord is the physical value stored at EncodeLease(key). The
// dynamic clock is an explicit input from the dispatcher (spec §6.5:
// "lease commands get a bound dynamic-clock value appended before
// journaling"), never read from the host clock here.
type leaseRecord struct {
	Holder      string `json:"holder"`
	LastRenewal uint64 `json:"last_renewal"`
	Deadline    uint64 `json:"deadline"`
}

func loadLease(area *staging.Area, userKey string) (leaseRecord, bool, error) {
	raw := area.Get(keys.EncodeLease(userKey))
	if raw == nil {
		return leaseRecord{}, false, nil
	}
	var rec leaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return leaseRecord{}, false, err
	}
	return rec, true, nil
}

func storeLease(area *staging.Area, userKey string, rec leaseRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := area.Put(keys.EncodeLease(userKey), raw); err != nil {
		return err
	}
	return storeDescriptor(area, userKey, descriptor.Descriptor{Type: keys.TypeLease, Size: 1, Start: rec.Deadline})
}

// cmdLeaseAcquire: LEASE_ACQUIRE key holder duration now.
func (sm *StateMachine) cmdLeaseAcquire(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, holder := req.argStr(0), req.argStr(1)
	duration, err := strconv.ParseUint(req.argStr(2), 10, 64)
	if err != nil {
		return reply.Err("INVALID-ARGUMENT", "duration must be a non-negative integer"), nil
	}
	now, err := strconv.ParseUint(req.argStr(3), 10, 64)
	if err != nil {
		return reply.Err("INVALID-ARGUMENT", "lease commands require a bound clock value"), nil
	}

	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeLease {
		return reply.WrongType(), nil
	}

	rec, hasLease, err := loadLease(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}

	if hasLease {
		if rec.Holder == holder {
			if err := area.Delete(keys.EncodeExpiration(rec.Deadline, userKey)); err != nil {
				return reply.Reply{}, err
			}
			rec.LastRenewal = now
			rec.Deadline = now + duration
			if err := storeLease(area, userKey, rec); err != nil {
				return reply.Reply{}, err
			}
			if err := area.Put(keys.EncodeExpiration(rec.Deadline, userKey), []byte{}); err != nil {
				return reply.Reply{}, err
			}
			return reply.Simple("RENEWED"), nil
		}
		if now < rec.Deadline {
			remaining := rec.Deadline - now
			return reply.Err("ERR", fmt.Sprintf("lease held by '%s', time remaining %d ms", rec.Holder, remaining)), nil
		}
		// expired: fall through to acquisition, clearing the stale index entry.
		if err := area.Delete(keys.EncodeExpiration(rec.Deadline, userKey)); err != nil {
			return reply.Reply{}, err
		}
	}

	newRec := leaseRecord{Holder: holder, LastRenewal: now, Deadline: now + duration}
	if err := storeLease(area, userKey, newRec); err != nil {
		return reply.Reply{}, err
	}
	if err := area.Put(keys.EncodeExpiration(newRec.Deadline, userKey), []byte{}); err != nil {
		return reply.Reply{}, err
	}
	return reply.Simple("ACQUIRED"), nil
}

// cmdLeaseGet: LEASE_GET key [now]. Without now, returns the stored
// record unconditionally; with now, returns null once past deadline.
func (sm *StateMachine) cmdLeaseGet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	rec, exists, err := loadLease(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.NullBulk(), nil
	}
	if len(req.Args) > 1 {
		if now, perr := strconv.ParseUint(req.argStr(1), 10, 64); perr == nil && now >= rec.Deadline {
			return reply.NullBulk(), nil
		}
	}
	return reply.Array(
		reply.BulkString(rec.Holder),
		reply.Integer(int64(rec.LastRenewal)),
		reply.Integer(int64(rec.Deadline)),
	), nil
}

// cmdLeaseRelease: LEASE_RELEASE key holder.
func (sm *StateMachine) cmdLeaseRelease(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, holder := req.argStr(0), req.argStr(1)
	rec, exists, err := loadLease(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists || rec.Holder != holder {
		return reply.Integer(0), nil
	}
	if err := area.Delete(keys.EncodeLease(userKey)); err != nil {
		return reply.Reply{}, err
	}
	if err := area.Delete(keys.EncodeExpiration(rec.Deadline, userKey)); err != nil {
		return reply.Reply{}, err
	}
	if err := deleteDescriptor(area, userKey); err != nil {
		return reply.Reply{}, err
	}
	return reply.Integer(1), nil
}
