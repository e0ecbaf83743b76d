package statemachine

import (
	"math"

	"github.com/quarkdb/quarkdb/internal/descriptor"
	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/staging"
)

// cmdPush implements LPUSH (front=true) / RPUSH (front=false). Occupied
// elements always live at indices [Start, End); pushing front decrements
// Start and stores there, pushing back stores at End and increments it.
func (sm *StateMachine) cmdPush(area *staging.Area, req Request, front bool) (reply.Reply, error) {
	userKey := req.argStr(0)
	values := req.Args[1:]

	return sm.writeOperation(area, userKey, keys.TypeDeque, func() descriptor.Descriptor { return descriptor.NewDeque() },
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			start, end := d.Start, d.End
			if !exists {
				start, end = descriptor.DequeSeed, descriptor.DequeSeed
			}
			for _, v := range values {
				if front {
					if start == 0 {
						return reply.Err("ERR", "deque index underflow"), d.Size, start, end, nil
					}
					start--
					if err := area.Put(keys.EncodeDequeField(userKey, start), append([]byte(nil), v...)); err != nil {
						return reply.Reply{}, 0, 0, 0, err
					}
				} else {
					if end == math.MaxUint64 {
						return reply.Err("ERR", "deque index overflow"), d.Size, start, end, nil
					}
					if err := area.Put(keys.EncodeDequeField(userKey, end), append([]byte(nil), v...)); err != nil {
						return reply.Reply{}, 0, 0, 0, err
					}
					end++
				}
			}
			size := int64(end - start)
			return reply.Integer(size), size, start, end, nil
		},
	)
}

// cmdPop implements LPOP (front=true) / RPOP (front=false).
func (sm *StateMachine) cmdPop(area *staging.Area, req Request, front bool) (reply.Reply, error) {
	userKey := req.argStr(0)

	var popped reply.Reply
	r, err := sm.writeOperation(area, userKey, keys.TypeDeque, func() descriptor.Descriptor { return descriptor.NewDeque() },
		func(d descriptor.Descriptor, exists bool) (reply.Reply, int64, uint64, uint64, error) {
			if !exists || d.Start == d.End {
				popped = reply.NullBulk()
				return popped, 0, 0, 0, nil
			}
			start, end := d.Start, d.End
			var idx uint64
			if front {
				idx = start
				start++
			} else {
				end--
				idx = end
			}
			fk := keys.EncodeDequeField(userKey, idx)
			v := area.Get(fk)
			if err := area.Delete(fk); err != nil {
				return reply.Reply{}, 0, 0, 0, err
			}
			popped = reply.Bulk(append([]byte(nil), v...))
			return popped, int64(end - start), start, end, nil
		},
	)
	if err != nil {
		return reply.Reply{}, err
	}
	return r, nil
}

func (sm *StateMachine) cmdLLen(area *staging.Area, req Request) (reply.Reply, error) {
	userKey := req.argStr(0)
	d, exists, err := loadDescriptor(area, userKey)
	if err != nil {
		return reply.Reply{}, err
	}
	if !exists {
		return reply.Integer(0), nil
	}
	if d.Type != keys.TypeDeque {
		return reply.WrongType(), nil
	}
	return reply.Integer(d.Size), nil
}
