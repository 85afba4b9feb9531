// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package shim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/llnl/cram/codec"
	"github.com/llnl/cram/partition"
	"github.com/llnl/cram/world/chanworld"
)

// withRedirectedIO runs fn with the cwd set to a scratch directory and
// os.Stdout/os.Stderr/preservedStderr restored afterward, since
// ApplyIOMode reassigns all three as a side effect.
func withRedirectedIO(t *testing.T, fn func(dir string)) {
	t.Helper()
	oldStdout, oldStderr, oldPreserved := os.Stdout, os.Stderr, preservedStderr
	t.Cleanup(func() {
		os.Stdout, os.Stderr, preservedStderr = oldStdout, oldStderr, oldPreserved
	})
	dir := t.TempDir()
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })
	fn(dir)
}

func TestApplyIOModeRank0WritesPerJobFiles(t *testing.T) {
	withRedirectedIO(t, func(dir string) {
		if err := ApplyIOMode(IORank0, 3, 0); err != nil {
			t.Fatalf("ApplyIOMode: %v", err)
		}
		fmt.Fprint(os.Stdout, "out line")
		fmt.Fprint(os.Stderr, "err line")
		os.Stdout.Sync()
		os.Stderr.Sync()

		out, err := os.ReadFile(filepath.Join(dir, "cram.3.out"))
		if err != nil || string(out) != "out line" {
			t.Errorf("cram.3.out = %q, %v; want %q, nil", out, err, "out line")
		}
		errContents, err := os.ReadFile(filepath.Join(dir, "cram.3.err"))
		if err != nil || string(errContents) != "err line" {
			t.Errorf("cram.3.err = %q, %v; want %q, nil", errContents, err, "err line")
		}
	})
}

func TestApplyIOModeRank0DiscardsOtherRanks(t *testing.T) {
	withRedirectedIO(t, func(dir string) {
		if err := ApplyIOMode(IORank0, 3, 1); err != nil {
			t.Fatalf("ApplyIOMode: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "cram.3.out")); !os.IsNotExist(err) {
			t.Errorf("expected no cram.3.out for a discarded rank, stat err = %v", err)
		}
	})
}

func TestApplyIOModeAllWritesPerRankFiles(t *testing.T) {
	withRedirectedIO(t, func(dir string) {
		if err := ApplyIOMode(IOAll, 2, 5); err != nil {
			t.Fatalf("ApplyIOMode: %v", err)
		}
		fmt.Fprint(os.Stdout, "rank5 out")
		os.Stdout.Sync()
		out, err := os.ReadFile(filepath.Join(dir, "cram.2.5.out"))
		if err != nil || string(out) != "rank5 out" {
			t.Errorf("cram.2.5.out = %q, %v; want %q, nil", out, err, "rank5 out")
		}
	})
}

func TestFinalizeIfInactiveNoopWhenActive(t *testing.T) {
	job := &codec.Job{NumProcs: 1, WorkingDir: ".", Args: []string{"app"}}
	oldExit := osExit
	exited := false
	osExit = func(int) { exited = true }
	t.Cleanup(func() { osExit = oldExit })

	FinalizeIfInactive(partition.Result{JobID: 0, Job: job})
	if exited {
		t.Error("FinalizeIfInactive should not exit for an active rank")
	}
}

func TestFinalizeIfInactiveExitsZeroWhenInactive(t *testing.T) {
	oldExit := osExit
	var gotCode int
	called := false
	osExit = func(code int) { called = true; gotCode = code }
	t.Cleanup(func() { osExit = oldExit })

	FinalizeIfInactive(partition.Result{JobID: -1})
	if !called {
		t.Fatal("FinalizeIfInactive should exit for an inactive rank")
	}
	if gotCode != 0 {
		t.Errorf("exit code = %d, want 0", gotCode)
	}
}

func TestParseIOMode(t *testing.T) {
	cases := map[string]IOMode{
		"":       IORank0,
		"rank0":  IORank0,
		"RANK0":  IORank0,
		"system": IOSystem,
		"none":   IONone,
		"all":    IOAll,
	}
	for s, want := range cases {
		got, ok := parseIOMode(s)
		if !ok || got != want {
			t.Errorf("parseIOMode(%q) = %v, %v; want %v, true", s, got, ok, want)
		}
	}
	if _, ok := parseIOMode("bogus"); ok {
		t.Error("parseIOMode(\"bogus\") should not be ok")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CRAM_FILE", "/tmp/jobs.cram")
	t.Setenv("CRAM_IO_MODE", "all")
	t.Setenv("CRAM_BUFFER_SIZE", "")
	c := ConfigFromEnv()
	if !c.Enabled() {
		t.Error("expected Enabled() with CRAM_FILE set")
	}
	if c.IOMode != IOAll {
		t.Errorf("got IOMode %v, want IOAll", c.IOMode)
	}

	t.Setenv("CRAM_FILE", "")
	c = ConfigFromEnv()
	if c.Enabled() {
		t.Error("expected not Enabled() with CRAM_FILE unset")
	}
}

func TestWorldSubstitution(t *testing.T) {
	ws := chanworld.New(2)
	SetGlobal(ws[0])
	if Global() != ws[0] {
		t.Error("Global() should return the global world before SetLocal")
	}
	SetLocal(ws[1])
	if Global() != ws[1] {
		t.Error("Global() should return the local world once set")
	}
	// reset package state for other tests in this binary
	SetGlobal(nil)
	SetLocal(nil)
}

func TestRunRecoversPanic(t *testing.T) {
	err := Run(0, func() error {
		panic("boom")
	})
	if err != nil {
		t.Errorf("Run should always return nil, got %v", err)
	}
}

func TestRunSwallowsJobError(t *testing.T) {
	err := Run(0, func() error {
		return errors.New("job failed")
	})
	if err != nil {
		t.Errorf("Run should always return nil, got %v", err)
	}
}
