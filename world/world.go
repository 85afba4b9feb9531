// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package world defines the communicator abstraction cram's partitioner
// and runtime shim are written against: a "global world" spanning every
// process in the allocation, and a "local world" produced by splitting
// it by job id. Production deployments plug in a World backed by
// whatever SPMD runtime launched the allocation; chanworld (a sibling
// package) provides a goroutine-backed reference implementation used by
// cram's own tests and by `cram run-sim`.
package world

import "context"

// World is the collective communicator interface every partitioner and
// shim operation is written against.
type World interface {
	// Rank returns this process's rank within the communicator.
	Rank() int
	// Size returns the communicator's size.
	Size() int
	// Bcast is collective: every member must call it the same number of
	// times, in the same order relative to other collective calls. The
	// root's buf is the source; every other member's buf is overwritten
	// with the root's content. All members must pass a buffer of the
	// same length.
	Bcast(ctx context.Context, root int, buf []byte) error
	// Send is a point-to-point send to dest, tagged so that unrelated
	// messages (e.g. a job id versus its record bytes) cannot be
	// confused by the receiver.
	Send(ctx context.Context, dest, tag int, buf []byte) error
	// Recv is a point-to-point receive from src, matching on tag. It
	// returns the number of bytes written into buf.
	Recv(ctx context.Context, src, tag int, buf []byte) (int, error)
	// Barrier is collective: every member blocks until every other
	// member has also called Barrier.
	Barrier(ctx context.Context) error
	// Split is collective: every member calls it with its own color and
	// key. Members sharing a color are grouped into a new World, ranked
	// by key (ties broken by original rank). A negative color excludes
	// the caller, which gets back a nil World, mirroring MPI_UNDEFINED.
	Split(ctx context.Context, color int32, key int) (World, error)
	// Abort tears down the entire allocation, not just this
	// communicator. Every blocked collective or point-to-point call,
	// anywhere in the allocation, returns an error.
	Abort(code int, reason string) error
}
