// Package statemachine implements the deterministic command-application
// layer (spec §4.D): for every (LogIndex, request) pair the resulting
// reply and store state are uniquely determined. All mutating commands
// flow through writeOperation, which locks the descriptor with
// get_for_update, rejects on type mismatch (while still committing the
// batch so the LogIndex advances), applies field operations, and
// rewrites or deletes the descriptor.
package statemachine

import (
	"fmt"

	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/events"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
	"github.com/quarkdb/quarkdb/internal/storage"
)

// Publisher receives committed versioned-hash revisions for pub/sub
// fan-out (spec §4.D versioned-hash; §1 pub/sub is an external
// collaborator, this is only the hand-off point).
type Publisher interface {
	Publish(rev *events.Revision)
}

// Request is one parsed command: its name (already upper-cased by the
// dispatcher's command table per spec §9) and its raw argument bytes.
// Sub is only populated for TX_READONLY/TX_READWRITE, holding the
// transaction's constituent commands in submission order.
type Request struct {
	Name string
	Args [][]byte
	Sub  []Request
}

func (r Request) arg(i int) []byte {
	if i < 0 || i >= len(r.Args) {
		return nil
	}
	return r.Args[i]
}

func (r Request) argStr(i int) string { return string(r.arg(i)) }

// StateMachine applies committed entries to the storage engine.
//
// pendingRevision is set by a versioned-hash command handler during
// dispatch and published once the surrounding commit succeeds. This
// relies on the single-apply-thread invariant (spec §5): only one Apply
// call is ever in flight at a time.
type StateMachine struct {
	engine    *storage.Engine
	publisher Publisher

	pendingRevision *events.Revision
}

// New builds a state machine over engine. publisher may be nil, in which
// case versioned-hash revisions are simply not broadcast (useful in
// tests).
func New(engine *storage.Engine, publisher Publisher) *StateMachine {
	return &StateMachine{engine: engine, publisher: publisher}
}

// Apply applies request at LogIndex index, returning the deterministic
// reply. index == 0 marks a non-journal write (bulkload, internal
// bookkeeping) and does not advance __last-applied.
func (sm *StateMachine) Apply(index uint64, req Request) (reply.Reply, error) {
	area, err := staging.OpenReadWrite(sm.engine)
	if err != nil {
		return reply.Reply{}, err
	}

	sm.pendingRevision = nil
	r, handlerErr := sm.dispatch(area, req)
	if handlerErr != nil {
		area.Close()
		sm.pendingRevision = nil
		return reply.Reply{}, handlerErr
	}

	// Per spec §7: "An ERR response commits the write batch for write
	// commands, so LogIndex still advances" — we always commit on the
	// write path, error reply or not.
	if err := area.Commit(index); err != nil {
		sm.pendingRevision = nil
		return reply.Reply{}, err
	}

	if sm.pendingRevision != nil && sm.publisher != nil {
		sm.publisher.Publish(sm.pendingRevision)
	}
	sm.pendingRevision = nil
	return r, nil
}

// LastApplied returns the last committed LogIndex, read from a fresh
// read-only snapshot. Used by the write tracker (internal/raft/apply) to
// find where to resume applying committed journal entries after restart.
func (sm *StateMachine) LastApplied() (uint64, error) {
	area, err := staging.OpenReadOnly(sm.engine)
	if err != nil {
		return 0, err
	}
	defer area.Close()
	return area.LastApplied(), nil
}

// ApplyReadOnly executes a read command against a fresh snapshot,
// bypassing the journal entirely (spec §4.M: reads not behind a pending
// write are served from a snapshot directly).
func (sm *StateMachine) ApplyReadOnly(req Request) (reply.Reply, error) {
	area, err := staging.OpenReadOnly(sm.engine)
	if err != nil {
		return reply.Reply{}, err
	}
	defer area.Close()
	return sm.dispatch(area, req)
}

func (sm *StateMachine) dispatch(area *staging.Area, req Request) (reply.Reply, error) {
	switch req.Name {
	// string family
	case "GET":
		return sm.cmdGet(area, req)
	case "SET":
		return sm.cmdSet(area, req)
	case "DEL":
		return sm.cmdDel(area, req)
	case "EXISTS":
		return sm.cmdExists(area, req)
	case "KEYS":
		return sm.cmdKeys(area, req)
	case "SCAN":
		return sm.cmdScan(area, req)
	case "FLUSHALL":
		return sm.cmdFlushAll(area, req)

	// hash family
	case "HSET":
		return sm.cmdHSet(area, req, false)
	case "HSETNX":
		return sm.cmdHSetNX(area, req)
	case "HMSET":
		return sm.cmdHSet(area, req, true)
	case "HGET":
		return sm.cmdHGet(area, req)
	case "HDEL":
		return sm.cmdHDel(area, req)
	case "HEXISTS":
		return sm.cmdHExists(area, req)
	case "HKEYS":
		return sm.cmdHKeys(area, req)
	case "HVALS":
		return sm.cmdHVals(area, req)
	case "HGETALL":
		return sm.cmdHGetAll(area, req)
	case "HLEN":
		return sm.cmdHLen(area, req)
	case "HSCAN":
		return sm.cmdHScan(area, req)
	case "HINCRBY":
		return sm.cmdHIncrBy(area, req)
	case "HINCRBYFLOAT":
		return sm.cmdHIncrByFloat(area, req)
	case "HCLONE":
		return sm.cmdHClone(area, req)

	// set family
	case "SADD":
		return sm.cmdSAdd(area, req)
	case "SREM":
		return sm.cmdSRem(area, req)
	case "SMOVE":
		return sm.cmdSMove(area, req)
	case "SISMEMBER":
		return sm.cmdSIsMember(area, req)
	case "SMEMBERS":
		return sm.cmdSMembers(area, req)
	case "SCARD":
		return sm.cmdSCard(area, req)
	case "SSCAN":
		return sm.cmdSScan(area, req)

	// deque family
	case "LPUSH":
		return sm.cmdPush(area, req, true)
	case "RPUSH":
		return sm.cmdPush(area, req, false)
	case "LPOP":
		return sm.cmdPop(area, req, true)
	case "RPOP":
		return sm.cmdPop(area, req, false)
	case "LLEN":
		return sm.cmdLLen(area, req)

	// locality-hash family
	case "LHSET":
		return sm.cmdLHSet(area, req)
	case "LHGET":
		return sm.cmdLHGet(area, req)
	case "LHDEL":
		return sm.cmdLHDel(area, req)
	case "LHSCAN":
		return sm.cmdLHScan(area, req)

	// versioned-hash family
	case "VHSET":
		return sm.cmdVHSet(area, req)
	case "VHDEL":
		return sm.cmdVHDel(area, req)
	case "VHGETALL":
		return sm.cmdVHGetAll(area, req)
	case "VHLEN":
		return sm.cmdVHLen(area, req)
	case "VHGET":
		return sm.cmdVHGet(area, req)

	// lease family (internal-only, already timestamped by the dispatcher)
	case "LEASE_ACQUIRE":
		return sm.cmdLeaseAcquire(area, req)
	case "LEASE_GET":
		return sm.cmdLeaseGet(area, req)
	case "LEASE_RELEASE":
		return sm.cmdLeaseRelease(area, req)

	// config family
	case "CONFIG_GET":
		return sm.cmdConfigGet(area, req)
	case "CONFIG_SET":
		return sm.cmdConfigSet(area, req)
	case "CONFIG_GETALL":
		return sm.cmdConfigGetAll(area, req)

	// misc / internal-only
	case "JOURNAL_LEADERSHIP_MARKER":
		return sm.cmdJournalLeadershipMarker(area, req)
	case "CLOCK_GET":
		return sm.cmdClockGet(area, req)

	// transaction family
	case "TX_READONLY":
		return sm.cmdTx(area, req, true)
	case "TX_READWRITE":
		return sm.cmdTx(area, req, false)

	default:
		return reply.Err("ERR", fmt.Sprintf("unknown command '%s'", req.Name)), nil
	}
}

// loadDescriptor performs get_for_update on a user key's descriptor.
func loadDescriptor(area *staging.Area, userKey string) (d descriptor.Descriptor, exists bool, err error) {
	raw := area.Get(keys.EncodeDescriptor(userKey))
	if raw == nil {
		return descriptor.Descriptor{}, false, nil
	}
	d, err = descriptor.Decode(raw)
	return d, true, err
}

func storeDescriptor(area *staging.Area, userKey string, d descriptor.Descriptor) error {
	raw, err := descriptor.Encode(d)
	if err != nil {
		return err
	}
	return area.Put(keys.EncodeDescriptor(userKey), raw)
}

func deleteDescriptor(area *staging.Area, userKey string) error {
	return area.Delete(keys.EncodeDescriptor(userKey))
}

// writeOperation is the single helper every composite-type write command
// routes through (spec §4.D): lock the descriptor, reject on type
// mismatch without touching fields, let fn mutate fields and report the
// resulting size, then rewrite or delete the descriptor.
//
// fn receives the current descriptor (zero value if the key doesn't
// exist yet) and must return: the reply to the client, the new logical
// size (descriptor deleted if <= 0), and any new Start/End index values
// to persist.
func (sm *StateMachine) writeOperation(
	area *staging.Area,
	userKey string,
	wantType keys.Type,
	newDescriptor func() descriptor.Descriptor,
	fn func(d descriptor.Descriptor, exists bool) (r reply.Reply, newSize int64, newStart, newEnd uint64, err error),
) (reply.Reply, error) {
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != wantType {
		// Still commits (caller commits the batch regardless), LogIndex
		// advances, but no field mutation happens.
		return reply.WrongType(), nil
	}
	if !exists {
		d = newDescriptor()
	}

	r, newSize, newStart, newEnd, err := fn(d, exists)
	if err != nil {
		return reply.Reply{}, err
	}

	if newSize <= 0 {
		if exists {
			if err := deleteDescriptor(area, userKey); err != nil {
				return reply.Reply{}, err
			}
		}
		return r, nil
	}

	d.Type = wantType
	d.Size = newSize
	d.Start = newStart
	d.End = newEnd
	if err := storeDescriptor(area, userKey, d); err != nil {
		return reply.Reply{}, err
	}
	return r, nil
}
