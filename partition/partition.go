// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package partition implements cram's launch-time partitioner: the
// collective protocol that reads a container file on a single root,
// distributes every job record to exactly the ranks that must run it,
// assigns each rank a job id, and splits the global communicator into
// one local communicator per job.
package partition

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/grailbio/base/log"

	"github.com/llnl/cram/codec"
	"github.com/llnl/cram/container"
	"github.com/llnl/cram/world"
)

const (
	tagJobID  = 1
	tagRecord = 2

	// DefaultSendWindow bounds how many destination ranks root has
	// outstanding sends to at once, each peer holding two requests (job
	// id, then record bytes): ~2*512 outstanding requests at a time on
	// very large allocations.
	DefaultSendWindow = 512
)

// Options configures a Partition call. The zero value is valid and
// applies every default.
type Options struct {
	// SendWindow bounds concurrent in-flight sends to distinct ranks.
	// Zero means DefaultSendWindow.
	SendWindow int
	// ContainerBufferSize is the read buffer size root uses to open the
	// container. Zero means container.DefaultBufferSize.
	ContainerBufferSize int
}

func (o Options) withDefaults() Options {
	if o.SendWindow <= 0 {
		o.SendWindow = DefaultSendWindow
	}
	if o.ContainerBufferSize <= 0 {
		o.ContainerBufferSize = container.DefaultBufferSize
	}
	return o
}

// Result is what every rank in the allocation gets back from Partition.
type Result struct {
	// JobID is the assigned job id, or -1 for an inactive rank.
	JobID int32
	// Job is this rank's resolved job descriptor, or nil if inactive.
	Job *codec.Job
	// Local is the sub-communicator produced by splitting w by JobID,
	// or nil if inactive.
	Local world.World
}

// Active reports whether this rank was assigned a job.
func (r Result) Active() bool { return r.JobID >= 0 }

const root = 0

// Partition runs the collective partitioning protocol described in
// spec §4.4 over w, reading containerPath on rank 0 only. Every member
// of w must call Partition exactly once, in the same order relative to
// any other collective call on w.
func Partition(ctx context.Context, w world.World, containerPath string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	rank, size := w.Rank(), w.Size()

	hdr, err := broadcastHeader(ctx, w, containerPath, opts)
	if err != nil {
		return Result{}, err
	}
	if hdr.TotalProcs > uint32(size) {
		err := fmt.Errorf("cram: total_procs %d exceeds allocation size %d", hdr.TotalProcs, size)
		abort(w, err)
		return Result{}, err
	}

	firstJob, rdr, err := broadcastFirstJob(ctx, w, hdr, containerPath, opts)
	if err != nil {
		return Result{}, err
	}
	if rdr != nil {
		defer rdr.Close()
	}

	// root always drives the distribution side of the protocol, even
	// when root itself falls inside job 0's range: rootDistribute
	// returns root's own Result{JobID: 0} once it has finished sending
	// every other rank its assignment. Checking job-0 membership before
	// root-ness would leave rootDistribute uncalled and every other rank
	// blocked in receiveAssignment forever.
	var result Result
	if rank == root {
		result, err = rootDistribute(ctx, w, rdr, hdr, firstJob, opts)
	} else if uint32(rank) < firstJob.NumProcs {
		result = Result{JobID: 0, Job: &firstJob}
	} else {
		result, err = receiveAssignment(ctx, w, hdr, firstJob)
	}
	if err != nil {
		return Result{}, err
	}

	color := result.JobID
	local, err := w.Split(ctx, color, rank)
	if err != nil {
		return Result{}, fmt.Errorf("cram: partition: split: %w", err)
	}
	result.Local = local
	if err := w.Barrier(ctx); err != nil {
		return Result{}, fmt.Errorf("cram: partition: final barrier: %w", err)
	}
	return result, nil
}

// broadcastHeader performs steps 1-2 of §4.4: root opens and validates
// the container, then broadcasts the header (including max_job_size) to
// every rank. A 1 byte status prefix lets every rank learn, from the
// same broadcast, whether root's open succeeded, without a second
// round trip.
func broadcastHeader(ctx context.Context, w world.World, containerPath string, opts Options) (codec.Header, error) {
	buf := make([]byte, 1+codec.HeaderSize)
	if w.Rank() == root {
		rdr, err := container.Open(ctx, containerPath, opts.ContainerBufferSize)
		if err != nil {
			log.Error.Printf("cram: partition: opening container %v: %v", containerPath, err)
		} else {
			buf[0] = 1
			copy(buf[1:], rdr.Header().Encode())
			rdr.Close()
		}
	}
	if err := w.Bcast(ctx, root, buf); err != nil {
		return codec.Header{}, fmt.Errorf("cram: partition: header broadcast: %w", err)
	}
	if buf[0] == 0 {
		err := fmt.Errorf("cram: container %v could not be opened", containerPath)
		abort(w, err)
		return codec.Header{}, err
	}
	hdr, err := codec.DecodeHeader(buf[1:])
	if err != nil {
		abort(w, err)
		return codec.Header{}, err
	}
	return hdr, nil
}

// broadcastFirstJob performs step 3 of §4.4. Root reopens the container
// (the header-validation open above was already closed) and reads
// record 0, which it broadcasts to every rank; every rank decompresses
// it independently. Root keeps its container reader open afterwards so
// it can continue walking records 1..N-1 in rootDistribute.
func broadcastFirstJob(ctx context.Context, w world.World, hdr codec.Header, containerPath string, opts Options) (codec.Job, *container.Reader, error) {
	buf := make([]byte, 1+hdr.MaxJobSize)
	var rdr *container.Reader
	if w.Rank() == root {
		var err error
		rdr, err = container.Open(ctx, containerPath, opts.ContainerBufferSize)
		if err != nil {
			log.Error.Printf("cram: partition: reopening container %v: %v", containerPath, err)
		} else {
			recordBuf := make([]byte, hdr.MaxJobSize)
			n, _, err := rdr.NextInto(recordBuf)
			if err != nil {
				log.Error.Printf("cram: partition: reading record 0: %v", err)
			} else {
				buf[0] = 1
				copy(buf[1:], recordBuf[:n])
			}
		}
	}
	if err := w.Bcast(ctx, root, buf); err != nil {
		return codec.Job{}, nil, fmt.Errorf("cram: partition: record 0 broadcast: %w", err)
	}
	if buf[0] == 0 {
		err := fmt.Errorf("cram: partition: record 0 could not be read from %v", containerPath)
		abort(w, err)
		return codec.Job{}, nil, err
	}
	rec0, err := codec.DecodeRecord(buf[1:])
	if err != nil {
		abort(w, err)
		return codec.Job{}, nil, err
	}
	firstJob, err := codec.ResolveFirst(rec0)
	if err != nil {
		abort(w, err)
		return codec.Job{}, nil, err
	}
	return firstJob, rdr, nil
}

// rootDistribute performs steps 5-6 of §4.4 from root's side: walking
// records 1..num_jobs-1, sending each to the contiguous rank range
// assigned to it, then sending job id -1 to every inactive rank.
func rootDistribute(ctx context.Context, w world.World, rdr *container.Reader, hdr codec.Header, firstJob codec.Job, opts Options) (Result, error) {
	low := firstJob.NumProcs
	for jobID := int32(1); rdr != nil && rdr.HasMore(); jobID++ {
		recordBuf := make([]byte, hdr.MaxJobSize)
		n, numProcs, err := rdr.NextInto(recordBuf)
		if err != nil {
			err = fmt.Errorf("cram: partition: reading record %d: %w", jobID, err)
			abort(w, err)
			return Result{}, err
		}
		high := low + numProcs
		if err := sendToRange(ctx, w, int(low), int(high), jobID, recordBuf[:n], opts.SendWindow); err != nil {
			abort(w, err)
			return Result{}, err
		}
		low = high
	}
	if err := sendToRange(ctx, w, int(low), w.Size(), -1, nil, opts.SendWindow); err != nil {
		abort(w, err)
		return Result{}, err
	}
	return Result{JobID: 0, Job: &firstJob}, nil
}

// sendToRange sends jobID (and, if non-negative, record) to every rank
// in [low, high), bounding concurrency to at most window destinations
// in flight at once.
func sendToRange(ctx context.Context, w world.World, low, high int, jobID int32, record []byte, window int) error {
	if low >= high {
		return nil
	}
	sem := make(chan struct{}, window)
	var wg sync.WaitGroup
	errCh := make(chan error, high-low)
	for dest := low; dest < high; dest++ {
		if dest == w.Rank() {
			// root never sends to itself; it already owns job 0.
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(dest int) {
			defer wg.Done()
			defer func() { <-sem }()
			var idBuf [4]byte
			binary.BigEndian.PutUint32(idBuf[:], uint32(jobID))
			if err := w.Send(ctx, dest, tagJobID, idBuf[:]); err != nil {
				errCh <- err
				return
			}
			if jobID >= 0 {
				if err := w.Send(ctx, dest, tagRecord, record); err != nil {
					errCh <- err
					return
				}
			}
		}(dest)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return fmt.Errorf("cram: partition: sending to ranks [%d,%d): %w", low, high, err)
		}
	}
	return nil
}

// receiveAssignment performs step 6 of §4.4 from a non-root, non-job-0
// rank's side: receive a job id, then, if active, the record bytes, and
// decompress it against firstJob.
func receiveAssignment(ctx context.Context, w world.World, hdr codec.Header, firstJob codec.Job) (Result, error) {
	var idBuf [4]byte
	if _, err := w.Recv(ctx, root, tagJobID, idBuf[:]); err != nil {
		return Result{}, fmt.Errorf("cram: partition: receiving job id: %w", err)
	}
	jobID := int32(binary.BigEndian.Uint32(idBuf[:]))
	if jobID < 0 {
		return Result{JobID: -1}, nil
	}
	recordBuf := make([]byte, hdr.MaxJobSize)
	n, err := w.Recv(ctx, root, tagRecord, recordBuf)
	if err != nil {
		return Result{}, fmt.Errorf("cram: partition: receiving record for job %d: %w", jobID, err)
	}
	rec, err := codec.DecodeRecord(recordBuf[:n])
	if err != nil {
		return Result{}, err
	}
	job, err := codec.Resolve(firstJob, rec)
	if err != nil {
		return Result{}, err
	}
	return Result{JobID: jobID, Job: &job}, nil
}

func abort(w world.World, err error) {
	log.Error.Printf("cram: partition: aborting allocation: %v", err)
	if aerr := w.Abort(1, err.Error()); aerr != nil {
		log.Error.Printf("cram: partition: abort itself failed: %v", aerr)
	}
}
