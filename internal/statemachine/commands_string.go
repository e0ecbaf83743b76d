package statemachine

import (
	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

func (sm *StateMachine) cmdGet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.NullBulk(), nil
	}
	if d.Type != keys.TypeString {
		return reply.WrongType(), nil
	}
	v := area.Get(keys.EncodeString(userKey))
	if v == nil {
		return reply.NullBulk(), nil
	}
	return reply.Bulk(append([]byte(nil), v...)), nil
}

func (sm *StateMachine) cmdSet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	value := req.arg(1)

	return sm.writeOperation(area, userKey, keys.TypeString,
		func() descriptor.Descriptor { return descriptor.Descriptor{Type: keys.TypeString} },
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			if err := area.Put(keys.EncodeString(userKey), append([]byte(nil), value...)); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			size := int64(len(value))
			if size == 0 {
				size = 1 // empty string is still a present key; size tracks bytes, never auto-deletes on "" per spec 3.8(i)
			}
			return reply.OK(), size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdDel(area *staging.Area, req Request) (reply.Reply, error) {
	var removed int64
	for _, a := range req.Args {
		userKey := string(a)
		d, exists, err := loadDescriptor(area, userKey)
		if err != nil {
			return reply.Reply{}, err
		}
		if !exists {
			continue
		}
		if err := deleteUnderlyingFields(area, d, userKey); err != nil {
			return reply.Reply{}, err
		}
		if err := deleteDescriptor(area, userKey); err != nil {
			return reply.Reply{}, err
		}
		removed++
	}
	return reply.Integer(removed), nil
}

// deleteUnderlyingFields removes the physical storage backing a key of
// any type, ahead of deleting its descriptor.
func deleteUnderlyingFields(area *staging.Area, d descriptor.Descriptor, userKey string) error {
	switch d.Type {
	case keys.TypeString:
		return area.Delete(keys.EncodeString(userKey))
	case keys.TypeLease:
		return area.Delete(keys.EncodeLease(userKey))
	case keys.TypeHash, keys.TypeSet, keys.TypeDeque, keys.TypeLocalityHash, keys.TypeVersionedHash:
		prefix := keys.EncodePrefix(d.Type, userKey)
		it := area.Iterator(prefix)
		var toDelete [][]byte
		for it.Valid() {
			toDelete = append(toDelete, append([]byte(nil), it.Key()...))
			it.Next()
		}
		for _, k := range toDelete {
			if err := area.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (sm *StateMachine) cmdExists(area *staging.Area, req Request) (reply.Reply, error) {
	var count int64
	for _, a := range req.Args {
		_, exists, err := loadDescriptor(area, string(a))
		if err != nil {
			return reply.Reply{}, err
		}
		if exists {
			count++
		}
	}
	return reply.Integer(count), nil
}

func (sm *StateMachine) cmdKeys(area *staging.Area, req Request) (reply.Reply, error) {
	pattern := req.argStr(0)
	if pattern == "" {
		pattern = "*"
	}
	var items []reply.Reply
	it := area.Iterator([]byte{keys.PrefixDescriptor})
	for it.Valid() {
		d, err := keys.Decode(it.Key())
		if err == nil && d.Kind == keys.KindDescriptor && globMatch(pattern, d.UserKey) {
			items = append(items, reply.BulkString(d.UserKey))
		}
		it.Next()
	}
	return reply.Array(items...), nil
}

func (sm *StateMachine) cmdScan(area *staging.Area, req Request) (reply.Reply, error) {
	cursor := req.argStr(0)
	pattern, count := parseScanOpts(req.Args[1:])

	start := keys.EncodeDescriptor(cursorResumeKey(cursor))
	it := area.IteratorFrom([]byte{keys.PrefixDescriptor}, start)

	var items []reply.Reply
	var seen int
	for it.Valid() {
		d, err := keys.Decode(it.Key())
		if err == nil && d.Kind == keys.KindDescriptor {
			if pattern == "" || globMatch(pattern, d.UserKey) {
				items = append(items, reply.BulkString(d.UserKey))
			}
			seen++
			if seen >= count {
				it.Next()
				if it.Valid() {
					nd, err := keys.Decode(it.Key())
					if err == nil {
						return reply.Array(reply.BulkString("next:"+nd.UserKey), reply.Array(items...)), nil
					}
				}
				return reply.Array(reply.BulkString("0"), reply.Array(items...)), nil
			}
		}
		it.Next()
	}
	return reply.Array(reply.BulkString("0"), reply.Array(items...)), nil
}

func (sm *StateMachine) cmdFlushAll(area *staging.Area, req Request) (reply.Reply, error) {
	prefixes := [][]byte{
		{keys.PrefixDescriptor},
		{byte(keys.TypeString)},
		{byte(keys.TypeHash)},
		{byte(keys.TypeSet)},
		{byte(keys.TypeDeque)},
		{byte(keys.TypeLocalityHash)},
		{byte(keys.TypeLease)},
		{byte(keys.TypeVersionedHash)},
		{keys.PrefixExpiration},
	}
	for _, p := range prefixes {
		it := area.Iterator(p)
		var toDelete [][]byte
		for it.Valid() {
			toDelete = append(toDelete, append([]byte(nil), it.Key()...))
			it.Next()
		}
		for _, k := range toDelete {
			if err := area.Delete(k); err != nil {
				return reply.Reply{}, err
			}
		}
	}
	return reply.OK(), nil
}
