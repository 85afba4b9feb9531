// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/llnl/cram/codec"
)

func TestInstallChdirArgvEnv(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "work")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	oldArgs := append([]string(nil), os.Args...)
	t.Cleanup(func() {
		os.Chdir(oldWd)
		os.Args = oldArgs
	})

	os.Args = []string{"/opt/cram/bin/launcher", "--ignored"}
	job := &codec.Job{
		NumProcs:   1,
		WorkingDir: sub,
		Args:       []string{exeSentinel, "--flag", "value"},
		Env:        []codec.EnvPair{{Key: "FOO", Value: "bar"}},
	}
	if err := Install(job); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	// Resolve symlinks (macOS temp dirs are often under /var which
	// symlinks to /private/var) before comparing.
	wantWd, _ := filepath.EvalSymlinks(sub)
	gotWd, _ := filepath.EvalSymlinks(wd)
	if gotWd != wantWd {
		t.Errorf("got wd %v, want %v", gotWd, wantWd)
	}

	wantArgs := []string{"/opt/cram/bin/launcher", "--flag", "value"}
	if len(os.Args) != len(wantArgs) {
		t.Fatalf("got args %v, want %v", os.Args, wantArgs)
	}
	for i := range wantArgs {
		if os.Args[i] != wantArgs[i] {
			t.Errorf("arg %d: got %v, want %v", i, os.Args[i], wantArgs[i])
		}
	}

	if got := os.Getenv("FOO"); got != "bar" {
		t.Errorf("FOO=%v, want bar", got)
	}

	mirror := ArgvMirror()
	if len(mirror) != len(wantArgs) || mirror[1] != "--flag" {
		t.Errorf("ArgvMirror() = %v, want %v", mirror, wantArgs)
	}
}

func TestInstallTolerantOfBadWorkingDir(t *testing.T) {
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })

	job := &codec.Job{
		NumProcs:   1,
		WorkingDir: "/no/such/directory/cram-setup-test",
		Args:       []string{"app"},
	}
	if err := Install(job); err != nil {
		t.Fatalf("Install should tolerate a bad working directory, got %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	gotWd, _ := filepath.EvalSymlinks(wd)
	wantWd, _ := filepath.EvalSymlinks(oldWd)
	if gotWd != wantWd {
		t.Errorf("working directory changed despite chdir failure: got %v, want %v", gotWd, wantWd)
	}
}

func TestInstallTolerantOfBadEnvKey(t *testing.T) {
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })

	job := &codec.Job{
		NumProcs:   1,
		WorkingDir: oldWd,
		Args:       []string{"app"},
		Env: []codec.EnvPair{
			{Key: "BAD=KEY", Value: "ignored"},
			{Key: "GOOD", Value: "value"},
		},
	}
	if err := Install(job); err != nil {
		t.Fatalf("Install should tolerate a bad env key, got %v", err)
	}
	if got := os.Getenv("GOOD"); got != "value" {
		t.Errorf("GOOD=%v, want value (setenv loop should continue past the bad key)", got)
	}
}

func TestSubstituteExe(t *testing.T) {
	got := substituteExe([]string{exeSentinel, "a", exeSentinel}, "/bin/app")
	want := []string{"/bin/app", "a", "/bin/app"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}
