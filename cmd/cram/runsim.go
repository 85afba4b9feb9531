// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"cloudeng.io/cmdutil"
	"cloudeng.io/errors"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/llnl/cram/partition"
	"github.com/llnl/cram/world/chanworld"
)

type runSimFlags struct {
	Size        int  `subcmd:"size,16,'number of simulated ranks in the allocation'"`
	ProgressBar bool `subcmd:"progress,true,'display a progress bar as ranks complete partitioning'"`
}

func runSim(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*runSimFlags)
	if cl.Size < 1 {
		return fmt.Errorf("cram run-sim: -size must be >= 1")
	}
	containerPath := args[0]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)

	var bar *progressbar.ProgressBar
	if cl.ProgressBar && terminal.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.NewOptions(cl.Size, progressbar.OptionSetPredictTime(true))
		bar.RenderBlank()
	}
	var barMu sync.Mutex

	worlds := chanworld.New(cl.Size)
	results := make([]partition.Result, cl.Size)
	errs := make([]error, cl.Size)
	var wg sync.WaitGroup
	wg.Add(cl.Size)
	for r := 0; r < cl.Size; r++ {
		go func(r int) {
			defer wg.Done()
			res, err := partition.Partition(ctx, worlds[r], containerPath, partition.Options{})
			results[r], errs[r] = res, err
			if bar != nil {
				barMu.Lock()
				bar.Add(1)
				barMu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	if bar != nil {
		fmt.Println()
	}

	agg := &errors.M{}
	for r, err := range errs {
		if err != nil {
			agg.Append(fmt.Errorf("rank %d: %w", r, err))
			continue
		}
		res := results[r]
		if !res.Active() {
			fmt.Printf("rank %d: inactive\n", r)
			continue
		}
		fmt.Printf("rank %d: job %d, local rank %d of %d, workdir=%s argv=%v\n",
			r, res.JobID, res.Local.Rank(), res.Local.Size(), res.Job.WorkingDir, res.Job.Args)
	}
	return agg.Err()
}
