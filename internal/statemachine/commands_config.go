package statemachine

import (
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

// Config entries live under the reserved '~' prefix (spec §3.9), outside
// the descriptor key space entirely, so KEYS/SCAN/FLUSHALL never see
// them.

func (sm *StateMachine) cmdConfigGet(area *staging.Area, req Request) (reply.Reply, error) {
	name := req.argStr(0)
	v := area.Get(keys.EncodeConfig(name))
	if v == nil {
		return reply.NullBulk(), nil
	}
	return reply.Bulk(append([]byte(nil), v...)), nil
}

func (sm *StateMachine) cmdConfigSet(area *staging.Area, req Request) (reply.Reply, error) {
	name, value := req.argStr(0), req.arg(1)
	if err := area.Put(keys.EncodeConfig(name), append([]byte(nil), value...)); err != nil {
		return reply.Reply{}, err
	}
	return reply.OK(), nil
}

func (sm *StateMachine) cmdConfigGetAll(area *staging.Area, req Request) (reply.Reply, error) {
	prefix := []byte{keys.PrefixConfig}
	it := area.Iterator(prefix)
	var items []reply.Reply
	for it.Valid() {
		dec, err := keys.Decode(it.Key())
		if err == nil && dec.Kind == keys.KindConfig {
			items = append(items, reply.BulkString(dec.UserKey), reply.Bulk(append([]byte(nil), it.Value()...)))
		}
		it.Next()
	}
	return reply.Array(items...), nil
}
