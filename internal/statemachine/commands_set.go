package statemachine

import (
	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

var setMemberMarker = []byte{1}

func (sm *StateMachine) cmdSAdd(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	members := req.Args[1:]

	return sm.writeOperation(area, userKey, keys.TypeSet, emptyComposite(keys.TypeSet),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			var added int64
			size := d.Size
			for _, m := range members {
				mk := keys.EncodeField(keys.TypeSet, userKey, m)
				if area.Get(mk) != nil {
					continue
				}
				if err := area.Put(mk, setMemberMarker); err != nil {
					return reply.Reply{}, 0, 0, 0, err
				}
				added++
				size++
			}
			return reply.Integer(added), size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdSRem(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	members := req.Args[1:]

	return sm.writeOperation(area, userKey, keys.TypeSet, emptyComposite(keys.TypeSet),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			var removed int64
			size := d.Size
			for _, m := range members {
				mk := keys.EncodeField(keys.TypeSet, userKey, m)
				if area.Get(mk) == nil {
					continue
				}
				if err := area.Delete(mk); err != nil {
					return reply.Reply{}, 0, 0, 0, err
				}
				removed++
				size--
			}
			return reply.Integer(removed), size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdSMove(area *staging.Area, req Request) (reply.Reply, error) {
	srcKey, dstKey, member := req.argStr(0), req.argStr(1), req.arg(2)

	srcD, exists, err := loadDescriptor(area, srcKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if srcD.Type != keys.TypeSet {
		return reply.WrongType(), nil
	}
	srcMK := keys.EncodeField(keys.TypeSet, srcKey, member)
	if area.Get(srcMK) == nil {
		return reply.Integer(0), nil
	}

	dstD, dstExists, err := loadDescriptor(area, dstKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if dstExists && dstD.Type != keys.TypeSet {
		return reply.WrongType(), nil
	}

	if err := area.Delete(srcMK); err != nil {
		return reply.Reply{}, err
	}
	srcD.Size--
	if srcD.Size <= 0 {
		if err := deleteDescriptor(area, srcKey); err != nil {
			return reply.Reply{}, err
		}
	} else if err := storeDescriptor(area, srcKey, srcD); err != nil {
		return reply.Reply{}, err
	}

	dstMK := keys.EncodeField(keys.TypeSet, dstKey, member)
	if area.Get(dstMK) == nil {
		if err := area.Put(dstMK, setMemberMarker); err != nil {
			return reply.Reply{}, err
		}
		if !dstExists {
			dstD = descriptor.Descriptor{Type: keys.TypeSet}
		}
		dstD.Size++
		if err := storeDescriptor(area, dstKey, dstD); err != nil {
			return reply.Reply{}, err
		}
	}
	return reply.Integer(1), nil
}

func (sm *StateMachine) cmdSIsMember(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, member := req.argStr(0), req.arg(1)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if d.Type != keys.TypeSet {
		return reply.WrongType(), nil
	}
	if area.Get(keys.EncodeField(keys.TypeSet, userKey, member)) != nil {
		return reply.Integer(1), nil
	}
	return reply.Integer(0), nil
}

func (sm *StateMachine) cmdSMembers(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeSet {
		return reply.WrongType(), nil
	}
	if !exists {
		return reply.Array(), nil
	}
	prefix := keys.EncodePrefix(keys.TypeSet, userKey)
	it := area.Iterator(prefix)
	var items []reply.Reply
	for it.Valid() {
		dec, err := keys.Decode(it.Key())
		if err == nil {
			items = append(items, reply.Bulk(dec.Field))
		}
		it.Next()
	}
	return reply.Array(items...), nil
}

func (sm *StateMachine) cmdSCard(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if d.Type != keys.TypeSet {
		return reply.WrongType(), nil
	}
	return reply.Integer(d.Size), nil
}

func (sm *StateMachine) cmdSScan(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	cursor := req.argStr(1)
	pattern, count := parseScanOpts(req.Args[2:])

	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeSet {
		return reply.WrongType(), nil
	}
	if !exists {
		return reply.Array(reply.BulkString("0"), reply.Array()), nil
	}

	prefix := keys.EncodePrefix(keys.TypeSet, userKey)
	resume := prefix
	if rk := cursorResumeKey(cursor); rk != "" {
		resume = keys.EncodeField(keys.TypeSet, userKey, []byte(rk))
	}
	it := area.IteratorFrom(prefix, resume)

	var items []reply.Reply
	var seen int
	for it.Valid() {
		dec, err := keys.Decode(it.Key())
		if err != nil {
			it.Next()
			continue
		}
		if pattern == "" || globMatch(pattern, string(dec.Field)) {
			items = append(items, reply.Bulk(dec.Field))
		}
		seen++
		if seen >= count {
			it.Next()
			if it.Valid() {
				nd, err := keys.Decode(it.Key())
				if err == nil {
					return reply.Array(reply.BulkString("next:"+string(nd.Field)), reply.Array(items...)), nil
				}
			}
			return reply.Array(reply.BulkString("0"), reply.Array(items...)), nil
		}
		it.Next()
	}
	return reply.Array(reply.BulkString("0"), reply.Array(items...)), nil
}
