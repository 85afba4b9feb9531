// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/llnl/cram/codec"
)

// buildContainer assembles a valid container byte stream from records,
// the way a packer writer would, for use as test fixtures.
func buildContainer(records []codec.Record) []byte {
	var maxSize uint32
	var totalProcs uint32
	encoded := make([][]byte, len(records))
	for i, r := range records {
		encoded[i] = codec.EncodeRecord(r)
		if uint32(len(encoded[i])) > maxSize {
			maxSize = uint32(len(encoded[i]))
		}
		totalProcs += r.NumProcs
	}
	h := codec.Header{
		Magic:      codec.Magic,
		Version:    codec.Version,
		NumJobs:    uint32(len(records)),
		TotalProcs: totalProcs,
		MaxJobSize: maxSize,
	}
	var buf bytes.Buffer
	buf.Write(h.Encode())
	for _, e := range encoded {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e)))
		buf.Write(lenBuf[:])
		buf.Write(e)
	}
	return buf.Bytes()
}

func twoJobRecords() []codec.Record {
	return []codec.Record{
		{NumProcs: 2, WorkingDir: "/a", Args: []string{"app", "1"}, Changed: []codec.EnvPair{{"X", "p"}, {"Y", "q"}}},
		{NumProcs: 3, WorkingDir: "/b", Args: []string{"app", "2"}, Subtracted: []string{"X"}, Changed: []codec.EnvPair{{"Y", "r"}, {"Z", "s"}}},
	}
}

func TestOpenReaderIteratesAllRecords(t *testing.T) {
	records := twoJobRecords()
	data := buildContainer(records)
	ctx := context.Background()
	r, err := OpenReader(ctx, bytes.NewReader(data), 64)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.Header().NumJobs != 2 || r.Header().TotalProcs != 5 {
		t.Fatalf("got header %+v", r.Header())
	}

	buf := make([]byte, r.Header().MaxJobSize)
	var got []codec.Record
	for r.HasMore() {
		n, numProcs, err := r.NextInto(buf)
		if err != nil {
			t.Fatal(err)
		}
		rec, err := codec.DecodeRecord(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if rec.NumProcs != numProcs {
			t.Errorf("peeked num_procs %d != decoded %d", numProcs, rec.NumProcs)
		}
		got = append(got, rec)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Errorf("records: -want +got\n%s", diff)
	}
}

func TestOpenReaderBadMagic(t *testing.T) {
	data := buildContainer(twoJobRecords())
	data[0] ^= 0xff
	_, err := OpenReader(context.Background(), bytes.NewReader(data), 64)
	cerr, ok := err.(*codec.Error)
	if !ok || cerr.Kind != codec.BadMagic {
		t.Fatalf("got %v, want BadMagic", err)
	}
}

func TestNextIntoRejectsUndersizedBuffer(t *testing.T) {
	data := buildContainer(twoJobRecords())
	ctx := context.Background()
	r, err := OpenReader(ctx, bytes.NewReader(data), 64)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	// Buffer smaller than max_job_size must be rejected up front.
	_, _, err = r.NextInto(make([]byte, 1))
	if err == nil {
		t.Fatal("expected an error for an undersized buffer")
	}
}

func TestNextIntoTruncatedRecord(t *testing.T) {
	data := buildContainer(twoJobRecords())
	// Truncate the file partway through the last record's payload.
	truncated := data[:len(data)-3]
	ctx := context.Background()
	r, err := OpenReader(ctx, bytes.NewReader(truncated), 64)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	buf := make([]byte, r.Header().MaxJobSize)
	for r.HasMore() {
		if _, _, err := r.NextInto(buf); err != nil {
			cerr, ok := err.(*codec.Error)
			if !ok || cerr.Kind != codec.TruncatedRecord {
				t.Fatalf("got %v, want TruncatedRecord", err)
			}
			return
		}
	}
	t.Fatal("expected a truncation error before exhausting records")
}

func TestBufferSizeFromEnv(t *testing.T) {
	t.Setenv("CRAM_BUFFER_SIZE", "")
	if got := BufferSizeFromEnv(nil); got != DefaultBufferSize {
		t.Errorf("got %d, want default %d", got, DefaultBufferSize)
	}
	t.Setenv("CRAM_BUFFER_SIZE", "4096")
	if got := BufferSizeFromEnv(nil); got != 4096 {
		t.Errorf("got %d, want 4096", got)
	}
	var warned bool
	t.Setenv("CRAM_BUFFER_SIZE", "not-a-number")
	if got := BufferSizeFromEnv(func(string, ...interface{}) { warned = true }); got != DefaultBufferSize {
		t.Errorf("got %d, want default %d", got, DefaultBufferSize)
	}
	if !warned {
		t.Error("expected a warning for an invalid CRAM_BUFFER_SIZE")
	}
}
