// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package setup installs a resolved job descriptor into the current
// process: it changes the working directory, rewrites argv, and
// overwrites the environment, then publishes a process-global argv
// mirror for runtimes (e.g. an embedded MPI implementation) that read
// argc/argv directly rather than through os.Args.
package setup

import (
	"os"
	"sync"

	"github.com/grailbio/base/log"

	"github.com/llnl/cram/codec"
)

// exeSentinel is the token a job's Args may use in place of its
// executable path; Install substitutes it with the process's own
// argv[0] at launch time, so a packed job doesn't need to know in
// advance what path it will be invoked under.
const exeSentinel = "<exe>"

var (
	argvMu sync.RWMutex
	argv   []string
)

// Install applies job to the current process: it chdirs to
// job.WorkingDir, substitutes exeSentinel in job.Args with the
// process's current argv[0], replaces os.Args, force-overwrites the
// environment with job.Env, and publishes the resulting argv for
// ArgvMirror. Both the chdir and every Setenv call are best-effort: a
// failure is logged and Install continues, since the job itself will
// observe and may fail on its own terms rather than have the launcher
// abort it pre-emptively.
func Install(job *codec.Job) error {
	if err := os.Chdir(job.WorkingDir); err != nil {
		log.Error.Printf("cram: setup: chdir to %v failed, continuing in current directory: %v", job.WorkingDir, err)
	}

	exe := ""
	if len(os.Args) > 0 {
		exe = os.Args[0]
	}
	args := substituteExe(job.Args, exe)

	os.Clearenv()
	for _, kv := range job.Env {
		if err := os.Setenv(kv.Key, kv.Value); err != nil {
			log.Error.Printf("cram: setup: setenv %s failed, continuing: %v", kv.Key, err)
		}
	}

	os.Args = args
	publishArgv(args)
	return nil
}

// substituteExe returns a copy of args with every occurrence of
// exeSentinel replaced by exe.
func substituteExe(args []string, exe string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == exeSentinel {
			out[i] = exe
		} else {
			out[i] = a
		}
	}
	return out
}

func publishArgv(args []string) {
	argvMu.Lock()
	defer argvMu.Unlock()
	argv = append([]string(nil), args...)
}

// ArgvMirror returns the argv Install most recently published, for
// non-Go runtimes embedded in the same process (e.g. an MPI
// implementation initialized via a C binding) that need their own
// (argc, argv) rather than reading os.Args.
func ArgvMirror() []string {
	argvMu.RLock()
	defer argvMu.RUnlock()
	return append([]string(nil), argv...)
}
