// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package chanworld is a goroutine-backed reference implementation of
// world.World, for testing the partitioner and for `cram run-sim`, which
// exercises a whole launch locally without a real HPC allocation. It
// follows the same channel, mutex and WaitGroup idioms pbzip2's parallel
// decompressor (parallel.go) uses for its worker pool and ordered
// reassembly heap.
package chanworld

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/llnl/cram/world"
)

// ErrAborted is returned by every call that is blocked, or that cannot
// complete at once, when Abort is invoked anywhere in the allocation. A
// call that can complete immediately (e.g. a Send into a mailbox with
// free space) may still succeed after an Abort.
var ErrAborted = errors.New("chanworld: allocation aborted")

// New creates size independent World handles, one per simulated rank,
// all members of the same global world.
func New(size int) []world.World {
	h := newHub(size)
	out := make([]world.World, size)
	for r := 0; r < size; r++ {
		out[r] = &comm{hub: h, rank: r, size: size}
	}
	return out
}

type hub struct {
	size int

	abortOnce sync.Once
	abortCh   chan struct{}
	abortErr  error

	bcastGate *gate
	barrier   *gate
	splitGate *splitGate

	mailboxMu sync.Mutex
	mailboxes map[int]map[int]chan []byte
}

func newHub(size int) *hub {
	return &hub{
		size:      size,
		abortCh:   make(chan struct{}),
		bcastGate: newGate(size),
		barrier:   newGate(size),
		splitGate: newSplitGate(size),
		mailboxes: make(map[int]map[int]chan []byte),
	}
}

func (h *hub) mailbox(dest, tag int) chan []byte {
	h.mailboxMu.Lock()
	defer h.mailboxMu.Unlock()
	m, ok := h.mailboxes[dest]
	if !ok {
		m = make(map[int]chan []byte)
		h.mailboxes[dest] = m
	}
	ch, ok := m[tag]
	if !ok {
		ch = make(chan []byte, 4)
		m[tag] = ch
	}
	return ch
}

func (h *hub) abort(reason string) {
	h.abortOnce.Do(func() {
		h.abortErr = errors.New("chanworld: aborted: " + reason)
		close(h.abortCh)
	})
}

// gate is a reusable, generation-counted rendezvous used to implement
// Bcast and Barrier: every member blocks until `size` members have
// arrived for the current generation, then all are released together.
type gate struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       int
	count      int
	generation int
	data       []byte
}

func newGate(size int) *gate {
	g := &gate{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// arrive blocks the caller until every member of the gate has arrived
// for the current generation. If isSource is true, data is published as
// the generation's payload before the caller's arrival is counted.
func (g *gate) arrive(isSource bool, data []byte) []byte {
	g.mu.Lock()
	if isSource {
		g.data = data
	}
	my := g.generation
	g.count++
	if g.count == g.size {
		g.count = 0
		g.generation++
		g.cond.Broadcast()
	} else {
		for g.generation == my {
			g.cond.Wait()
		}
	}
	out := g.data
	g.mu.Unlock()
	return out
}

type splitReq struct {
	rank  int
	color int32
	key   int
}

// splitGate gathers every member's (color, key) for one Split call, then
// computes and publishes the resulting per-rank Worlds.
type splitGate struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       int
	count      int
	generation int
	reqs       []splitReq
	results    []world.World
	parent     *hub
}

func newSplitGate(size int) *splitGate {
	g := &splitGate{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (sg *splitGate) split(parent *hub, rank int, color int32, key int) world.World {
	sg.mu.Lock()
	if sg.reqs == nil {
		sg.reqs = make([]splitReq, sg.size)
		sg.parent = parent
	}
	sg.reqs[rank] = splitReq{rank: rank, color: color, key: key}
	my := sg.generation
	sg.count++
	if sg.count == sg.size {
		sg.results = computeSplit(parent, sg.reqs)
		sg.reqs = nil
		sg.count = 0
		sg.generation++
		sg.cond.Broadcast()
	} else {
		for sg.generation == my {
			sg.cond.Wait()
		}
	}
	res := sg.results[rank]
	sg.mu.Unlock()
	return res
}

// computeSplit groups reqs by color (a negative color excludes the
// caller), orders each group by (key, original rank), and builds a
// fresh hub per group sharing the parent's abort channel so an Abort
// anywhere still tears down every derived world.
func computeSplit(parent *hub, reqs []splitReq) []world.World {
	groups := make(map[int32][]splitReq)
	for _, r := range reqs {
		if r.color < 0 {
			continue
		}
		groups[r.color] = append(groups[r.color], r)
	}
	results := make([]world.World, len(reqs))
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if group[i].key != group[j].key {
				return group[i].key < group[j].key
			}
			return group[i].rank < group[j].rank
		})
		h := &hub{
			size:      len(group),
			abortCh:   parent.abortCh,
			abortErr:  parent.abortErr,
			bcastGate: newGate(len(group)),
			barrier:   newGate(len(group)),
			splitGate: newSplitGate(len(group)),
			mailboxes: make(map[int]map[int]chan []byte),
		}
		for newRank, r := range group {
			results[r.rank] = &comm{hub: h, rank: newRank, size: len(group)}
		}
	}
	return results
}

// comm is world.World's chanworld implementation.
type comm struct {
	hub  *hub
	rank int
	size int
}

func (c *comm) Rank() int { return c.rank }
func (c *comm) Size() int { return c.size }

func (c *comm) Bcast(ctx context.Context, root int, buf []byte) error {
	type result struct {
		data []byte
	}
	done := make(chan result, 1)
	go func() {
		data := c.hub.bcastGate.arrive(c.rank == root, append([]byte(nil), buf...))
		done <- result{data: data}
	}()
	select {
	case r := <-done:
		copy(buf, r.data)
		return nil
	case <-c.hub.abortCh:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *comm) Barrier(ctx context.Context) error {
	done := make(chan struct{}, 1)
	go func() {
		c.hub.barrier.arrive(false, nil)
		done <- struct{}{}
	}()
	select {
	case <-done:
		return nil
	case <-c.hub.abortCh:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *comm) Split(ctx context.Context, color int32, key int) (world.World, error) {
	done := make(chan world.World, 1)
	go func() {
		done <- c.hub.splitGate.split(c.hub, c.rank, color, key)
	}()
	select {
	case w := <-done:
		return w, nil
	case <-c.hub.abortCh:
		return nil, ErrAborted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *comm) Send(ctx context.Context, dest, tag int, buf []byte) error {
	ch := c.hub.mailbox(dest, tag)
	cp := append([]byte(nil), buf...)
	select {
	case ch <- cp:
		return nil
	case <-c.hub.abortCh:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *comm) Recv(ctx context.Context, src, tag int, buf []byte) (int, error) {
	_ = src // single possible sender per (dest, tag) in cram's protocol
	ch := c.hub.mailbox(c.rank, tag)
	select {
	case data := <-ch:
		return copy(buf, data), nil
	case <-c.hub.abortCh:
		return 0, ErrAborted
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *comm) Abort(code int, reason string) error {
	c.hub.abort(reason)
	return nil
}
