package statemachine

import (
	"fmt"
	"math"
	"strconv"

	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

func emptyComposite(t keys.Type) func() descriptor.Descriptor {
	return func() descriptor.Descriptor { return descriptor.Descriptor{Type: t} }
}

func (sm *StateMachine) cmdHSet(area *staging.Area, req Request, mset bool) (reply.Reply, error) {
	userKey := req.argStr(0)
	pairs := req.Args[1:]
	if len(pairs)%2 != 0 {
		return reply.Err("ERR", "wrong number of arguments for HSET"), nil
	}

	return sm.writeOperation(area, userKey, keys.TypeHash, emptyComposite(keys.TypeHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			var added int64
			size := d.Size
			for i := 0; i < len(pairs); i += 2 {
				field, value := pairs[i], pairs[i+1]
				fk := keys.EncodeField(keys.TypeHash, userKey, field)
				if area.Get(fk) == nil {
					added++
					size++
				}
				if err := area.Put(fk, append([]byte(nil), value...)); err != nil {
					return reply.Reply{}, 0, 0, 0, err
				}
			}
			r := reply.Integer(added)
			if mset {
				r = reply.OK()
			}
			return r, size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdHSetNX(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field, value := req.argStr(0), req.arg(1), req.arg(2)

	return sm.writeOperation(area, userKey, keys.TypeHash, emptyComposite(keys.TypeHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			fk := keys.EncodeField(keys.TypeHash, userKey, field)
			if area.Get(fk) != nil {
				return reply.Integer(0), d.Size, d.Start, d.End, nil
			}
			if err := area.Put(fk, append([]byte(nil), value...)); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			return reply.Integer(1), d.Size + 1, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdHGet(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field := req.argStr(0), req.arg(1)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.NullBulk(), nil
	}
	if d.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}
	v := area.Get(keys.EncodeField(keys.TypeHash, userKey, field))
	if v == nil {
		return reply.NullBulk(), nil
	}
	return reply.Bulk(append([]byte(nil), v...)), nil
}

func (sm *StateMachine) cmdHDel(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	fields := req.Args[1:]

	return sm.writeOperation(area, userKey, keys.TypeHash, emptyComposite(keys.TypeHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			var removed int64
			size := d.Size
			for _, f := range fields {
				fk := keys.EncodeField(keys.TypeHash, userKey, f)
				if area.Get(fk) == nil {
					continue
				}
				if err := area.Delete(fk); err != nil {
					return reply.Reply{}, 0, 0, 0, err
				}
				removed++
				size--
			}
			return reply.Integer(removed), size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdHExists(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field := req.argStr(0), req.arg(1)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if d.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}
	if area.Get(keys.EncodeField(keys.TypeHash, userKey, field)) != nil {
		return reply.Integer(1), nil
	}
	return reply.Integer(0), nil
}

func (sm *StateMachine) hashEachField(area *staging.Area, userKey string) ([][]byte, [][]byte, error) {
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return nil, nil, err
	}
	if !exists || d.Type != keys.TypeHash {
		return nil, nil, nil
	}
	prefix := keys.EncodePrefix(keys.TypeHash, userKey)
	it := area.Iterator(prefix)
	var fields, values [][]byte
	for it.Valid() {
		dec, err := keys.Decode(it.Key())
		if err == nil {
			fields = append(fields, dec.Field)
			values = append(values, append([]byte(nil), it.Value()...))
		}
		it.Next()
	}
	return fields, values, nil
}

func (sm *StateMachine) cmdHKeys(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}
	fields, _, err := sm.hashEachField(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	items := make([]reply.Reply, len(fields))
	for i, f := range fields {
		items[i] = reply.Bulk(f)
	}
	return reply.Array(items...), nil
}

func (sm *StateMachine) cmdHVals(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}
	_, values, err := sm.hashEachField(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	items := make([]reply.Reply, len(values))
	for i, v := range values {
		items[i] = reply.Bulk(v)
	}
	return reply.Array(items...), nil
}

func (sm *StateMachine) cmdHGetAll(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}
	fields, values, err := sm.hashEachField(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	items := make([]reply.Reply, 0, len(fields)*2)
	for i := range fields {
		items = append(items, reply.Bulk(fields[i]), reply.Bulk(values[i]))
	}
	return reply.Array(items...), nil
}

func (sm *StateMachine) cmdHLen(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if d.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}
	return reply.Integer(d.Size), nil
}

func (sm *StateMachine) cmdHScan(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	cursor := req.argStr(1)
	pattern, count := parseScanOpts(req.Args[2:])

	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if exists && d.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}
	if !exists {
		return reply.Array(reply.BulkString("0"), reply.Array()), nil
	}

	prefix := keys.EncodePrefix(keys.TypeHash, userKey)
	resume := prefix
	if rk := cursorResumeKey(cursor); rk != "" {
		resume = keys.EncodeField(keys.TypeHash, userKey, []byte(rk))
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
			items = append(items, reply.Bulk(dec.Field), reply.Bulk(append([]byte(nil), it.Value()...)))
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

func (sm *StateMachine) cmdHIncrBy(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field := req.argStr(0), req.arg(1)
	delta, err := strconv.ParseInt(req.argStr(2), 10, 64)
	if err != nil {
		return reply.Err("ERR", "value is not an integer or out of range"), nil
	}

	return sm.writeOperation(area, userKey, keys.TypeHash, emptyComposite(keys.TypeHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			fk := keys.EncodeField(keys.TypeHash, userKey, field)
			cur := area.Get(fk)
			size := d.Size
			var curVal int64
			if cur != nil {
				curVal, err = strconv.ParseInt(string(cur), 10, 64)
				if err != nil {
					return reply.Err("ERR", "hash value is not an integer"), size, d.Start, d.End, nil
				}
			} else {
				size++
			}
			if (delta > 0 && curVal > math.MaxInt64-delta) || (delta < 0 && curVal < math.MinInt64-delta) {
				return reply.Err("ERR", "value is not an integer or out of range"), d.Size, d.Start, d.End, nil
			}
			newVal := curVal + delta
			if err := area.Put(fk, []byte(strconv.FormatInt(newVal, 10))); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			return reply.Integer(newVal), size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdHIncrByFloat(area *staging.Area, req Request) (reply.Reply, error) {
	userKey, field := req.argStr(0), req.arg(1)
	delta, err := strconv.ParseFloat(req.argStr(2), 64)
	if err != nil {
		return reply.Err("ERR", "value is not a valid float"), nil
	}

	return sm.writeOperation(area, userKey, keys.TypeHash, emptyComposite(keys.TypeHash),
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			fk := keys.EncodeField(keys.TypeHash, userKey, field)
			cur := area.Get(fk)
			size := d.Size
			var curVal float64
			if cur != nil {
				curVal, err = strconv.ParseFloat(string(cur), 64)
				if err != nil {
					return reply.Err("ERR", "hash value is not a float"), size, d.Start, d.End, nil
				}
			} else {
				size++
			}
			newVal := curVal + delta
			s := strconv.FormatFloat(newVal, 'f', -1, 64)
			if err := area.Put(fk, []byte(s)); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			return reply.BulkString(s), size, 0, 0, nil
		},
	)
}

func (sm *StateMachine) cmdHClone(area *staging.Area, req Request) (reply.Reply, error) {
	srcKey, dstKey := req.argStr(0), req.argStr(1)

	srcD, exists, err := loadDescriptor(area, srcKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if srcD.Type != keys.TypeHash {
		return reply.WrongType(), nil
	}

	if _, dstExists, err := loadDescriptor(area, dstKey); err != nil {
		return reply.Reply{}, err
	} else if dstExists {
		return reply.Err("ERR", fmt.Sprintf("destination key '%s' already exists", dstKey)), nil
	}

	prefix := keys.EncodePrefix(keys.TypeHash, srcKey)
	it := area.Iterator(prefix)
	var count int64
	for it.Valid() {
		dec, err := keys.Decode(it.Key())
		if err == nil {
			dk := keys.EncodeField(keys.TypeHash, dstKey, dec.Field)
			if err := area.Put(dk, append([]byte(nil), it.Value()...)); err != nil {
				return reply.Reply{}, err
			}
			count++
		}
		it.Next()
	}
	if count > 0 {
		if err := storeDescriptor(area, dstKey, descriptor.Descriptor{Type: keys.TypeHash, Size: count}); err != nil {
			return reply.Reply{}, err
		}
	}
	return reply.Integer(count), nil
}
