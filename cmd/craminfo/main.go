// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command craminfo prints one line per job record in a container file.
// It does not attempt a full pretty-printed dump of every field; use
// `cram run-sim` to see exactly how a container partitions across a
// simulated allocation.
package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/llnl/cram/codec"
	"github.com/llnl/cram/container"
)

func main() {
	var bufSize int
	cmd := &cobra.Command{
		Use:   "craminfo <container>",
		Short: "print one line per job record in a cram container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(context.Background(), args[0], bufSize)
		},
	}
	cmd.Flags().IntVar(&bufSize, "buffer-size", container.DefaultBufferSize, "read buffer size")
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
	}
}

func dump(ctx context.Context, path string, bufSize int) error {
	rdr, err := container.Open(ctx, path, bufSize)
	if err != nil {
		return err
	}
	defer rdr.Close()

	hdr := rdr.Header()
	fmt.Printf("num_jobs=%d total_procs=%d max_job_size=%d\n", hdr.NumJobs, hdr.TotalProcs, hdr.MaxJobSize)

	buf := make([]byte, hdr.MaxJobSize)
	var first *codec.Job
	for i := 0; rdr.HasMore(); i++ {
		n, _, err := rdr.NextInto(buf)
		if err != nil {
			return err
		}
		rec, err := codec.DecodeRecord(buf[:n])
		if err != nil {
			return err
		}
		var job codec.Job
		if i == 0 {
			job, err = codec.ResolveFirst(rec)
			if err != nil {
				return err
			}
			j := job
			first = &j
		} else {
			job, err = codec.Resolve(*first, rec)
			if err != nil {
				return err
			}
		}
		fmt.Printf("job %d: procs=%d workdir=%s argv=%v env=%d vars\n", i, job.NumProcs, job.WorkingDir, job.Args, len(job.Env))
	}
	return nil
}
