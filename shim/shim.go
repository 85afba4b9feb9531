// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package shim is the runtime layer a packed process links against. It
// resolves cram's environment configuration, substitutes the process's
// reference to the "global world" for its post-partition local world,
// applies one of the I/O redirection policies, and contains faults so
// that every process in an oversubscribed allocation always exits 0
// regardless of what the job it ran did internally.
package shim

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/grailbio/base/log"

	"github.com/llnl/cram/container"
	"github.com/llnl/cram/partition"
	"github.com/llnl/cram/world"
)

// osExit is a var so tests can observe FinalizeIfInactive's exit path
// without actually terminating the test binary.
var osExit = os.Exit

// IOMode selects how a packed process's stdout/stderr are treated once
// many jobs share one allocation's terminal.
type IOMode int

const (
	// IORank0 redirects local rank 0 of each job to cram.<job_id>.out
	// and cram.<job_id>.err, and discards every other rank's
	// stdout/stderr. This is the default: with hundreds of jobs sharing
	// one allocation, unconditional output from every rank of every job
	// is unusable.
	IORank0 IOMode = iota
	// IOSystem leaves stdout/stderr untouched.
	IOSystem
	// IONone discards every rank's stdout/stderr.
	IONone
	// IOAll redirects every rank of every job to its own pair of files,
	// cram.<job_id>.<local_rank>.out and .err.
	IOAll
)

func (m IOMode) String() string {
	switch m {
	case IORank0:
		return "rank0"
	case IOSystem:
		return "system"
	case IONone:
		return "none"
	case IOAll:
		return "all"
	default:
		return "unknown"
	}
}

func parseIOMode(s string) (IOMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rank0":
		return IORank0, true
	case "system":
		return IOSystem, true
	case "none":
		return IONone, true
	case "all":
		return IOAll, true
	default:
		return IORank0, false
	}
}

// Config is the environment-derived configuration a shim needs to run.
type Config struct {
	// ContainerPath is CRAM_FILE: the container to partition. An empty
	// path means cram is disabled and the process should run as if it
	// had never been packed.
	ContainerPath string
	// BufferSize is CRAM_BUFFER_SIZE, passed through to container.Open.
	BufferSize int
	// IOMode is CRAM_IO_MODE.
	IOMode IOMode
}

// ConfigFromEnv reads CRAM_FILE, CRAM_BUFFER_SIZE and CRAM_IO_MODE.
func ConfigFromEnv() Config {
	mode, ok := parseIOMode(os.Getenv("CRAM_IO_MODE"))
	if !ok {
		log.Error.Printf("cram: shim: CRAM_IO_MODE=%q is invalid, using rank0", os.Getenv("CRAM_IO_MODE"))
	}
	return Config{
		ContainerPath: os.Getenv("CRAM_FILE"),
		BufferSize:    container.BufferSizeFromEnv(log.Error.Printf),
		IOMode:        mode,
	}
}

// Enabled reports whether cram partitioning should run at all; an
// unconfigured process (no CRAM_FILE) runs exactly as it would without
// cram.
func (c Config) Enabled() bool { return c.ContainerPath != "" }

// worldRef is a process-global registry substituting one world.World
// for another: code written against "the global world" is redirected,
// after partitioning, to this process's local (post-split)
// communicator, without that code needing to know partitioning happened
// at all.
var worldRef struct {
	mu     sync.RWMutex
	global world.World
	local  world.World
}

// SetGlobal publishes the allocation-wide communicator, before
// partitioning has run.
func SetGlobal(w world.World) {
	worldRef.mu.Lock()
	defer worldRef.mu.Unlock()
	worldRef.global = w
}

// SetLocal publishes this process's post-partition communicator. Every
// subsequent call to Global returns it.
func SetLocal(w world.World) {
	worldRef.mu.Lock()
	defer worldRef.mu.Unlock()
	worldRef.local = w
}

// Global returns the process's current stand-in for "the global world":
// the local (split) world once SetLocal has been called, otherwise the
// true allocation-wide world. This is the substitution a linked-in
// runtime performs transparently for any code that addresses the global
// communicator by convention (e.g. MPI_COMM_WORLD).
func Global() world.World {
	worldRef.mu.RLock()
	defer worldRef.mu.RUnlock()
	if worldRef.local != nil {
		return worldRef.local
	}
	return worldRef.global
}

// preservedStderr is the original stderr file descriptor, duplicated
// before any I/O redirection so a crash can still be reported even
// under IONone or a discarded IORank0 rank.
var preservedStderr *os.File

// ApplyIOMode implements the I/O redirection policies. jobID is this
// rank's assigned job (see partition.Result.JobID) and localRank is the
// process's rank within its local (post-split) world. It preserves a
// duplicate of the original stderr for crash reporting regardless of
// mode, then redirects os.Stdout and os.Stderr per mode: IOSystem
// leaves them untouched, IONone discards them, IORank0 writes
// cram.<job_id>.{out,err} for local rank 0 and discards every other
// rank, and IOAll writes cram.<job_id>.<local_rank>.{out,err} for
// every rank.
func ApplyIOMode(mode IOMode, jobID int32, localRank int) error {
	dup, err := dupStderr()
	if err != nil {
		return fmt.Errorf("cram: shim: preserving stderr: %w", err)
	}
	preservedStderr = dup

	switch mode {
	case IOSystem:
		return nil
	case IONone:
		return redirectToNull()
	case IORank0:
		if localRank != 0 {
			return redirectToNull()
		}
		return redirectToFiles(fmt.Sprintf("cram.%d.out", jobID), fmt.Sprintf("cram.%d.err", jobID))
	case IOAll:
		return redirectToFiles(fmt.Sprintf("cram.%d.%d.out", jobID, localRank), fmt.Sprintf("cram.%d.%d.err", jobID, localRank))
	default:
		return fmt.Errorf("cram: shim: unknown IOMode %v", mode)
	}
}

// redirectToFiles points os.Stdout and os.Stderr at newly created
// files at outPath and errPath.
func redirectToFiles(outPath, errPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("cram: shim: creating %v: %w", outPath, err)
	}
	errf, err := os.Create(errPath)
	if err != nil {
		out.Close()
		return fmt.Errorf("cram: shim: creating %v: %w", errPath, err)
	}
	os.Stdout = out
	os.Stderr = errf
	return nil
}

// redirectToNull points os.Stdout and os.Stderr at the null device.
func redirectToNull() error {
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cram: shim: opening %v: %w", os.DevNull, err)
	}
	os.Stdout = null
	os.Stderr = null
	return nil
}

func dupStderr() (*os.File, error) {
	return os.NewFile(dupFD(os.Stderr.Fd()), "cram-preserved-stderr"), nil
}

// CrashReport writes msg to the preserved stderr handle (falling back to
// the process's current stderr if redirection never ran), so it reaches
// the operator even when this rank's regular stderr was redirected to
// the null device.
func CrashReport(msg string) {
	w := preservedStderr
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, msg)
}

// FinalizeIfInactive checks an oversubscribed rank's partition result
// and, if the rank was not assigned a job, closes the preserved stderr
// handle and exits the process with status 0 before any application
// code runs (spec §4.4 step 7, §4.6). It makes no runtime finalize call
// of its own: world.World has no finalize operation. It returns normally
// for an active rank.
func FinalizeIfInactive(result partition.Result) {
	if result.Active() {
		return
	}
	log.Printf("cram: shim: rank inactive (oversubscribed), exiting cleanly")
	if preservedStderr != nil {
		preservedStderr.Close()
	}
	osExit(0)
}

// Run executes fn with fault containment: a fault that would otherwise
// crash the process (including one surfaced as a Go panic by
// runtime/debug.SetPanicOnFault) is caught, reported via CrashReport,
// and swallowed. Run always returns nil; the caller should always exit
// 0, since inside an oversubscribed allocation one job's crash must
// never bring down ranks belonging to other jobs.
func Run(rank int, fn func() error) (err error) {
	debug.SetPanicOnFault(true)
	defer func() {
		if r := recover(); r != nil {
			CrashReport(fmt.Sprintf("cram: rank %d: recovered from fault: %v\n%s", rank, r, debug.Stack()))
			err = nil
		}
	}()
	if ferr := fn(); ferr != nil {
		CrashReport(fmt.Sprintf("cram: rank %d: job exited with error: %v", rank, ferr))
	}
	return nil
}
