// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	cloudengerrors "cloudeng.io/errors"
	"github.com/cenkalti/backoff/v3"
	"github.com/grailbio/base/file"

	"github.com/llnl/cram/codec"
	"github.com/llnl/cram/container"
)

type packFlags struct {
	NumProcs   int    `subcmd:"procs,1,'number of processes this job occupies'"`
	WorkingDir string `subcmd:"workdir,,'working directory for this job, defaults to the current directory'"`
	Output     string `subcmd:"output,,'container file to append to or create; defaults to $CRAM_OUTPUT'"`
	Env        string `subcmd:"env,,'comma-separated KEY=VALUE overrides, defaults to this process current environment'"`
}

func pack(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*packFlags)

	output := cl.Output
	if output == "" {
		output = os.Getenv("CRAM_OUTPUT")
	}
	if output == "" {
		return fmt.Errorf("cram pack: no output container given (-output or CRAM_OUTPUT)")
	}
	if cl.NumProcs < 1 {
		return fmt.Errorf("cram pack: -procs must be >= 1")
	}
	workdir := cl.WorkingDir
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workdir = wd
	}

	job := codec.Job{
		NumProcs:   uint32(cl.NumProcs),
		WorkingDir: workdir,
		Args:       args,
		Env:        envOverrides(cl.Env),
	}
	if err := job.Validate(); err != nil {
		return err
	}
	return appendJob(ctx, output, job)
}

// envOverrides parses spec (a comma-separated KEY=VALUE list) into a
// sorted []codec.EnvPair, falling back to the current process's own
// environment when spec is empty.
func envOverrides(spec string) []codec.EnvPair {
	var out []codec.EnvPair
	if spec == "" {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				out = append(out, codec.EnvPair{Key: k, Value: v})
			}
		}
	} else {
		for _, pair := range strings.Split(spec, ",") {
			if k, v, ok := strings.Cut(pair, "="); ok {
				out = append(out, codec.EnvPair{Key: k, Value: v})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// existingContainer is the state appendJob needs from whatever container
// already exists at a path, or the zero value if there is none yet.
type existingContainer struct {
	numJobs    uint32
	totalProcs uint32
	maxJobSize uint32
	firstJob   *codec.Job
	rawRecords [][]byte
}

func loadContainer(ctx context.Context, path string, bufSize int) (existingContainer, error) {
	rdr, err := container.Open(ctx, path, bufSize)
	if errors.Is(err, fs.ErrNotExist) {
		return existingContainer{}, nil
	}
	if err != nil {
		return existingContainer{}, err
	}
	defer rdr.Close()

	hdr := rdr.Header()
	ec := existingContainer{numJobs: hdr.NumJobs, totalProcs: hdr.TotalProcs, maxJobSize: hdr.MaxJobSize}
	buf := make([]byte, hdr.MaxJobSize)
	first := true
	for rdr.HasMore() {
		n, _, err := rdr.NextInto(buf)
		if err != nil {
			return existingContainer{}, err
		}
		raw := append([]byte(nil), buf[:n]...)
		ec.rawRecords = append(ec.rawRecords, raw)
		if first {
			rec, err := codec.DecodeRecord(raw)
			if err != nil {
				return existingContainer{}, err
			}
			job, err := codec.ResolveFirst(rec)
			if err != nil {
				return existingContainer{}, err
			}
			ec.firstJob = &job
			first = false
		}
	}
	return ec, nil
}

// diffAgainstBase computes the subtracted and changed lists job's
// environment needs, relative to base, so it can be stored as a delta
// record per §4.1.
func diffAgainstBase(base, job codec.Job) (subtracted []string, changed []codec.EnvPair) {
	baseMap := make(map[string]string, len(base.Env))
	for _, kv := range base.Env {
		baseMap[kv.Key] = kv.Value
	}
	jobMap := make(map[string]bool, len(job.Env))
	for _, kv := range job.Env {
		jobMap[kv.Key] = true
		if bv, ok := baseMap[kv.Key]; !ok || bv != kv.Value {
			changed = append(changed, kv)
		}
	}
	for k := range baseMap {
		if !jobMap[k] {
			subtracted = append(subtracted, k)
		}
	}
	sort.Strings(subtracted)
	sort.Slice(changed, func(i, j int) bool { return changed[i].Key < changed[j].Key })
	return subtracted, changed
}

// appendJob rewrites path's container with job appended as its last
// record, building a delta record against the existing job 0 unless job
// is itself becoming job 0.
func appendJob(ctx context.Context, path string, job codec.Job) error {
	existing, err := loadContainer(ctx, path, container.DefaultBufferSize)
	if err != nil {
		return err
	}

	var rec codec.Record
	if existing.firstJob == nil {
		rec = codec.Record{NumProcs: job.NumProcs, WorkingDir: job.WorkingDir, Args: job.Args, Changed: job.Env}
	} else {
		sub, changed := diffAgainstBase(*existing.firstJob, job)
		rec = codec.Record{NumProcs: job.NumProcs, WorkingDir: job.WorkingDir, Args: job.Args, Subtracted: sub, Changed: changed}
	}
	encoded := codec.EncodeRecord(rec)

	maxJobSize := existing.maxJobSize
	if uint32(len(encoded)) > maxJobSize {
		maxJobSize = uint32(len(encoded))
	}
	hdr := codec.Header{
		Magic:      codec.Magic,
		Version:    codec.Version,
		NumJobs:    existing.numJobs + 1,
		TotalProcs: existing.totalProcs + job.NumProcs,
		MaxJobSize: maxJobSize,
	}

	var buf bytes.Buffer
	buf.Write(hdr.Encode())
	for _, raw := range existing.rawRecords {
		writeLengthPrefixed(&buf, raw)
	}
	writeLengthPrefixed(&buf, encoded)

	return writeWithRetry(ctx, path, buf.Bytes())
}

func writeLengthPrefixed(buf *bytes.Buffer, rec []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
	buf.Write(lenBuf[:])
	buf.Write(rec)
}

// writeWithRetry writes data to path, retrying transient failures (a
// remote store rejecting a write under load, a momentary network
// partition) with backoff, the way a packer feeding jobs into a
// container one at a time over a flaky link needs to.
func writeWithRetry(ctx context.Context, path string, data []byte) error {
	errs := &cloudengerrors.M{}
	op := func() error {
		f, err := file.Create(ctx, path)
		if err != nil {
			return err
		}
		if _, err := f.Writer(ctx).Write(data); err != nil {
			f.Close(ctx)
			return err
		}
		return f.Close(ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(op, b)
	errs.Append(err)
	return errs.Err()
}
