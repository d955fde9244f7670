/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ring implements the Packet Ring: a fixed-capacity FIFO history of
// recently decoded PTP messages, with an index by Clock Identity so the UI
// can cheaply ask "what has this host sent lately".
package ring

import (
	"github.com/facebookincubator/ptptrace/decode"
	ptp "github.com/facebookincubator/ptptrace/protocol"
)

// Ring is a slice-backed circular buffer. Not safe for concurrent use; the
// pipeline goroutine is its only writer.
type Ring struct {
	buf      []*decode.Record
	capacity int
	start    int // index of the oldest element
	size     int
	byHost   map[ptp.ClockIdentity][]int // indices into buf, in arrival order
}

// New builds a Ring with the given fixed capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		buf:      make([]*decode.Record, capacity),
		capacity: capacity,
		byHost:   map[ptp.ClockIdentity][]int{},
	}
}

// Push appends a record, evicting the oldest one if the ring is full.
func (r *Ring) Push(rec *decode.Record) {
	idx := (r.start + r.size) % r.capacity
	if r.size == r.capacity {
		// about to overwrite the oldest slot; drop it from its host's index.
		evicted := r.buf[r.start]
		r.dropFromIndex(evicted, r.start)
		r.start = (r.start + 1) % r.capacity
	} else {
		r.size++
	}
	r.buf[idx] = rec

	id := ptp.SourcePortIdentity(rec.Packet).ClockIdentity
	r.byHost[id] = append(r.byHost[id], idx)
}

func (r *Ring) dropFromIndex(rec *decode.Record, idx int) {
	if rec == nil {
		return
	}
	id := ptp.SourcePortIdentity(rec.Packet).ClockIdentity
	list := r.byHost[id]
	for i, v := range list {
		if v == idx {
			r.byHost[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byHost[id]) == 0 {
		delete(r.byHost, id)
	}
}

// RemoveHost purges every record currently retained for one Clock Identity,
// leaving its slots as holes rather than compacting the buffer (compaction
// would renumber every other host's indices).
func (r *Ring) RemoveHost(id ptp.ClockIdentity) {
	for _, idx := range r.byHost[id] {
		r.buf[idx] = nil
	}
	delete(r.byHost, id)
}

// Len returns the number of slots in use, including any holes RemoveHost
// has left that have not yet aged out of the ring.
func (r *Ring) Len() int { return r.size }

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return r.capacity }

// Tail returns the n most recent records, oldest first, as a freshly
// allocated slice cheap to hand to a Snapshot (bounded by ring capacity,
// never by total traffic volume).
func (r *Ring) Tail(n int) []*decode.Record {
	if n > r.size {
		n = r.size
	}
	out := make([]*decode.Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.size - n + i) % r.capacity
		if r.buf[idx] != nil {
			out = append(out, r.buf[idx])
		}
	}
	return out
}

// ForHost returns, oldest first, the records currently retained for one
// Clock Identity.
func (r *Ring) ForHost(id ptp.ClockIdentity) []*decode.Record {
	indices := r.byHost[id]
	out := make([]*decode.Record, 0, len(indices))
	for _, idx := range indices {
		if r.buf[idx] != nil {
			out = append(out, r.buf[idx])
		}
	}
	return out
}
