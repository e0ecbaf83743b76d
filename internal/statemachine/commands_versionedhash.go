package statemachine

import (
	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/events"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

func (sm *StateMachine) cmdVHSet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	pairs := req.Args[1:]
	if len(pairs)%2 != 0 {
		return reply.Err("ERR", "wrong number of arguments for VHSET"), nil
	}

	var changes []events.FieldChange
	r, err := sm.writeOperation(area, userKey, keys.TypeVersionedHash, emptyComposite(keys.TypeVersionedHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			size := d.Size
			var added int64
			for i := 0; i < len(pairs); i += 2 {
				field, value := pairs[i], pairs[i+1]
				fk := keys.EncodeField(keys.TypeVersionedHash, userKey, field)
				if area.Get(fk) == nil {
					added++
					size++
				}
				if err := area.Put(fk, append([]byte(nil), value...)); err != nil {
					return reply.Reply{}, 0, 0, 0, err
				}
				changes = append(changes, events.FieldChange{Field: string(field), Value: append([]byte(nil), value...)})
			}
			version := d.Version() + 1
			return reply.Integer(added), size, version, 0, nil
		},
	)
	if err != nil {
		return reply.Reply{}, err
	}
	if len(changes) > 0 {
		d, _, derr := loadDescriptor(area, userKey)
		if derr == nil {
			sm.pendingRevision = &events.Revision{Key: userKey, Version: d.Version(), Changes: changes}
		}
	}
	return r, nil
}

func (sm *StateMachine) cmdVHDel(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	fields := req.Args[1:]

	var changes []events.FieldChange
	r, err := sm.writeOperation(area, userKey, keys.TypeVersionedHash, emptyComposite(keys.TypeVersionedHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			size := d.Size
			var removed int64
			for _, f := range fields {
				fk := keys.EncodeField(keys.TypeVersionedHash, userKey, f)
				if area.Get(fk) == nil {
					continue
				}
				if err := area.Delete(fk); err != nil {
					return reply.Reply{}, 0, 0, 0, err
				}
				removed++
				size--
				changes = append(changes, events.FieldChange{Field: string(f), Tombstone: true})
			}
			version := d.Version()
			if removed > 0 {
				version++
			}
			return reply.Integer(removed), size, version, 0, nil
		},
	)
	if err != nil {
		return reply.Reply{}, err
	}
	if len(changes) > 0 {
		d, exists, derr := loadDescriptor(area, userKey)
		version := uint64(0)
		if derr == nil && exists {
			version = d.Version()
		}
		sm.pendingRevision = &events.Revision{Key: userKey, Version: version, Changes: changes}
	}
	return r, nil
}

func (sm *StateMachine) cmdVHGetAll(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeVersionedHash {
		return reply.WrongType(), nil
	}
	if !exists {
		return reply.Array(), nil
	}
	prefix := keys.EncodePrefix(keys.TypeVersionedHash, userKey)
	it := area.Iterator(prefix)
	var items []reply.Reply
	for it.Valid() {
		dec, err := keys.Decode(it.Key())
		if err == nil {
			items = append(items, reply.Bulk(dec.Field), reply.Bulk(append([]byte(nil), it.Value()...)))
		}
		it.Next()
	}
	return reply.Array(items...), nil
}

func (sm *StateMachine) cmdVHLen(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if d.Type != keys.TypeVersionedHash {
		return reply.WrongType(), nil
	}
	return reply.Integer(d.Size), nil
}

func (sm *StateMachine) cmdVHGet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field := req.argStr(0), req.arg(1)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.NullBulk(), nil
	}
	if d.Type != keys.TypeVersionedHash {
		return reply.WrongType(), nil
	}
	v := area.Get(keys.EncodeField(keys.TypeVersionedHash, userKey, field))
	if v == nil {
		return reply.NullBulk(), nil
	}
	return reply.Bulk(append([]byte(nil), v...)), nil
}
