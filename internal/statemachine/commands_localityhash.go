package statemachine

import (
	"encoding/json"
	"fmt"

	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

// Locality hashes are identical to hashes except an auxiliary index
// keyed by (locality-hint, field) is maintained alongside the primary
// field, so scanning by hint streams fields in hint order (spec §4.D).
//
// Both the primary and auxiliary entries live under the same TypeLocalityHash
// prefix, distinguished by a one-byte sub-kind tag prepended to the field:
// 0x01 marks a primary entry (field -> {hint, value}); 0x02 marks an
// auxiliary index entry (hint || 0x00 || field -> value).
const (
	lhPrimary byte = 0x01
	lhAux     byte = 0x02
)

type lhRecord struct {
	Hint  string `json:"h"`
	Value []byte `json:"v"`
}

func lhPrimaryField(field []byte) []byte {
	return append([]byte{lhPrimary}, field...)
}

func lhAuxField(hint string, field []byte) []byte {
	buf := make([]byte, 0, len(hint)+len(field)+2)
	buf = append(buf, lhAux)
	buf = append(buf, hint...)
	buf = append(buf, 0)
	buf = append(buf, field...)
	return buf
}

func (sm *StateMachine) cmdLHSet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, hint, field, value := req.argStr(0), req.argStr(1), req.arg(2), req.arg(3)

	return sm.writeOperation(area, userKey, keys.TypeLocalityHash, emptyComposite(keys.TypeLocalityHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			primaryKey := keys.EncodeField(keys.TypeLocalityHash, userKey, lhPrimaryField(field))
			size := d.Size
			var added int64
			if old := area.Get(primaryKey); old != nil {
				var oldRec lhRecord
				if err := json.Unmarshal(old, &oldRec); err == nil && oldRec.Hint != hint {
					if err := area.Delete(keys.EncodeField(keys.TypeLocalityHash, userKey, lhAuxField(oldRec.Hint, field))); err != nil {
						return reply.Reply{}, 0, 0, 0, err
					}
				}
			} else {
				added = 1
				size++
			}

			rec, err := json.Marshal(lhRecord{Hint: hint, Value: value})
			if err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			if err := area.Put(primaryKey, rec); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			auxKey := keys.EncodeField(keys.TypeLocalityHash, userKey, lhAuxField(hint, field))
			if err := area.Put(auxKey, append([]byte(nil), value...)); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			return reply.Integer(added), size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdLHGet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field := req.argStr(0), req.arg(1)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.NullBulk(), nil
	}
	if d.Type != keys.TypeLocalityHash {
		return reply.WrongType(), nil
	}
	raw := area.Get(keys.EncodeField(keys.TypeLocalityHash, userKey, lhPrimaryField(field)))
	if raw == nil {
		return reply.NullBulk(), nil
	}
	var rec lhRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return reply.Reply{}, fmt.Errorf("statemachine: corrupt locality-hash record: %w", err)
	}
	return reply.Bulk(rec.Value), nil
}

func (sm *StateMachine) cmdLHDel(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field := req.argStr(0), req.arg(1)

	return sm.writeOperation(area, userKey, keys.TypeLocalityHash, emptyComposite(keys.TypeLocalityHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			primaryKey := keys.EncodeField(keys.TypeLocalityHash, userKey, lhPrimaryField(field))
			raw := area.Get(primaryKey)
			if raw == nil {
				return reply.Integer(0), d.Size, d.Start, d.End, nil
			}
			var rec lhRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			if err := area.Delete(primaryKey); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			if err := area.Delete(keys.EncodeField(keys.TypeLocalityHash, userKey, lhAuxField(rec.Hint, field))); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			return reply.Integer(1), d.Size - 1, 0, 0, nil
		},
	)
}

// cmdLHScan scans fields under a locality hint in hint order. Per the
// source behavior carried forward unchanged (spec §9 open question): it
// accepts COUNT but rejects MATCH.
func (sm *StateMachine) cmdLHScan(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, hint := req.argStr(0), req.argStr(1)
	rest := req.Args[2:]
	for i := 0; i < len(rest); i++ {
		if string(rest[i]) == "MATCH" || string(rest[i]) == "match" {
			return reply.Err("ERR", "LHSCAN does not support MATCH"), nil
		}
	}
	_, count := parseScanOpts(rest)

	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeLocalityHash {
		return reply.WrongType(), nil
	}
	if !exists {
		return reply.Array(), nil
	}

	auxPrefix := keys.EncodeField(keys.TypeLocalityHash, userKey, append([]byte{lhAux}, append([]byte(hint), 0)...))
	it := area.Iterator(auxPrefix)
	var items []reply.Reply
	var seen int
	for it.Valid() && seen < count {
		dec, err := keys.Decode(it.Key())
		if err == nil {
			// dec.Field = 0x02 || hint || 0x00 || field
			fieldStart := 1 + len(hint) + 1
			if fieldStart <= len(dec.Field) {
				field := dec.Field[fieldStart:]
				items = append(items, reply.Bulk(field), reply.Bulk(append([]byte(nil), it.Value()...)))
			}
		}
		seen++
		it.Next()
	}
	return reply.Array(items...), nil
}
