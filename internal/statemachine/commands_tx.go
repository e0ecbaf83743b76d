package statemachine

import (
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

// writeCommands are rejected inside a TX_READONLY transaction.
var writeCommands = map[string]bool{
	"SET": true, "DEL": true, "FLUSHALL": true,
	"HSET": true, "HSETNX": true, "HMSET": true, "HDEL": true,
	"HINCRBY": true, "HINCRBYFLOAT": true, "HCLONE": true,
	"SADD": true, "SREM": true, "SMOVE": true,
	"LPUSH": true, "RPUSH": true, "LPOP": true, "RPOP": true,
	"LHSET": true, "LHDEL": true,
	"VHSET": true, "VHDEL": true,
	"LEASE_ACQUIRE": true, "LEASE_RELEASE": true,
	"CONFIG_SET":                 true,
	"JOURNAL_LEADERSHIP_MARKER":  true,
	"TX_READWRITE":               true,
}

// cmdTx executes req.Sub's commands in order against the same staging
// area, collecting one reply per sub-command (spec §4.D transaction
// family). TX_READONLY rejects any write command without executing it;
// the offending sub-command's reply is an error and no later
// sub-commands run, but the surrounding Apply still commits per spec §7.
func (sm *StateMachine) cmdTx(area *staging.Area, req Request, readOnly bool) (reply.Reply, error) {
	items := make([]reply.Reply, 0, len(req.Sub))
	for _, sub := range req.Sub {
		if readOnly && writeCommands[sub.Name] {
			items = append(items, reply.Err("ERR", "write command '"+sub.Name+"' in read-only transaction"))
			break
		}
		r, err := sm.dispatch(area, sub)
		if err != nil {
			return reply.Reply{}, err
		}
		items = append(items, r)
	}
	return reply.Array(items...), nil
}
