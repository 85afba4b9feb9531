// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package container reads a cram container file: a fixed header followed
// by num_jobs length-prefixed job records in submission order. Containers
// are read-only once written; this package only supports sequential
// forward iteration, matching the one-shot way the partitioner consumes
// them at launch.
package container

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"

	"github.com/llnl/cram/codec"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

// DefaultBufferSize is the default read buffer size, chosen for parallel
// file systems where per-syscall cost is high.
const DefaultBufferSize = 2 * 1024 * 1024

// BufferSizeFromEnv reads CRAM_BUFFER_SIZE. An unset value falls back to
// DefaultBufferSize silently; an invalid value falls back to
// DefaultBufferSize with a warning on the supplied logger.
func BufferSizeFromEnv(warn func(format string, args ...interface{})) int {
	v := os.Getenv("CRAM_BUFFER_SIZE")
	if v == "" {
		return DefaultBufferSize
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		if warn != nil {
			warn("CRAM_BUFFER_SIZE=%q is invalid, using default of %d bytes", v, DefaultBufferSize)
		}
		return DefaultBufferSize
	}
	return n
}

// Reader provides sequential, read-only access to a container file.
type Reader struct {
	ctx       context.Context
	closer    func(context.Context) error
	br        *bufio.Reader
	header    codec.Header
	remaining uint32
}

// Open opens path (a local path, or a scheme-prefixed URL such as
// s3://bucket/key) for sequential container reading, exactly as
// cmd/pbzip2's openFileOrURL resolves its inputs.
func Open(ctx context.Context, path string, bufSize int) (*Reader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("cram: opening container %v: %w", path, err)
	}
	return newReader(ctx, f.Reader(ctx), f.Close, bufSize)
}

// OpenReader builds a Reader directly over rd, for tests and for callers
// that have already resolved their own io.Reader.
func OpenReader(ctx context.Context, rd io.Reader, bufSize int) (*Reader, error) {
	closer := func(context.Context) error { return nil }
	if rc, ok := rd.(io.Closer); ok {
		closer = func(context.Context) error { return rc.Close() }
	}
	return newReader(ctx, rd, closer, bufSize)
}

func newReader(ctx context.Context, rd io.Reader, closer func(context.Context) error, bufSize int) (*Reader, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	br := bufio.NewReaderSize(rd, bufSize)
	hdr := make([]byte, codec.HeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		closer(ctx)
		return nil, fmt.Errorf("cram: reading container header: %w", err)
	}
	h, err := codec.DecodeHeader(hdr)
	if err != nil {
		closer(ctx)
		return nil, err
	}
	return &Reader{
		ctx:       ctx,
		closer:    closer,
		br:        br,
		header:    h,
		remaining: h.NumJobs,
	}, nil
}

// Header returns the validated container header.
func (r *Reader) Header() codec.Header {
	return r.header
}

// HasMore reports whether any records remain to be read.
func (r *Reader) HasMore() bool {
	return r.remaining > 0
}

// NextInto reads the next record's raw bytes into buf, which must have
// length >= Header().MaxJobSize, and advances the cursor past exactly one
// record. It returns the number of bytes written into buf and the
// record's num_procs field, peeked from the decoded prefix, without
// decoding the rest of the record.
func (r *Reader) NextInto(buf []byte) (int, uint32, error) {
	if r.remaining == 0 {
		return 0, 0, io.EOF
	}
	if uint32(len(buf)) < r.header.MaxJobSize {
		return 0, 0, fmt.Errorf("cram: record buffer is %d bytes, need at least %d", len(buf), r.header.MaxJobSize)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		return 0, 0, fmt.Errorf("cram: reading record length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > r.header.MaxJobSize {
		return 0, 0, &codec.Error{Kind: codec.TruncatedRecord, Msg: fmt.Sprintf("record of %d bytes exceeds max_job_size %d", n, r.header.MaxJobSize)}
	}
	if _, err := io.ReadFull(r.br, buf[:n]); err != nil {
		return 0, 0, &codec.Error{Kind: codec.TruncatedRecord, Msg: fmt.Sprintf("short record: %v", err)}
	}
	if n < 4 {
		return 0, 0, &codec.Error{Kind: codec.InvalidRecord, Msg: "record shorter than num_procs field"}
	}
	numProcs := binary.BigEndian.Uint32(buf[0:4])
	r.remaining--
	return int(n), numProcs, nil
}

// Close releases any OS resources held by the reader.
func (r *Reader) Close() error {
	return r.closer(r.ctx)
}
