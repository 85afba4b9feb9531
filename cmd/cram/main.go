// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command cram packs job descriptions into a container file and, via
// run-sim, exercises the partitioning protocol locally without a real
// allocation.
package main

import (
	"context"

	"cloudeng.io/cmdutil/subcmd"
)

var cmdSet *subcmd.CommandSet

func init() {
	packCmd := subcmd.NewCommand("pack",
		subcmd.MustRegisterFlagStruct(&packFlags{}, nil, nil),
		pack, subcmd.AtLeastNArguments(1))
	packCmd.Document(`append a job to a container file, or create one. Positional arguments are the job's argv, with <exe> usable as a placeholder for the executable path the launcher will substitute at run time.`)

	runSimCmd := subcmd.NewCommand("run-sim",
		subcmd.MustRegisterFlagStruct(&runSimFlags{}, nil, nil),
		runSim, subcmd.ExactlyNumArguments(1))
	runSimCmd.Document(`simulate a launch-time partition of a container file across an in-process set of goroutine ranks, without any real allocation. Exercises the partitioner only: per-process setup (chdir, argv, environment) and the runtime shim are one-process-per-rank concerns that run-sim's goroutine ranks cannot model.`)

	cmdSet = subcmd.NewCommandSet(packCmd, runSimCmd)
	cmdSet.Document(`build and inspect cram containers.`)
}

func main() {
	cmdSet.MustDispatch(context.Background())
}
