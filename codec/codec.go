// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package codec implements the bit-exact wire format for cram container
// files: big-endian integers, length-prefixed strings, and the delta
// encoding used to compress job records 2..N against the first.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// ErrorKind classifies a codec failure. The codec never retries; it
// reports a typed error and aborts the current read.
type ErrorKind int

const (
	// BadMagic means the header's magic number did not match Magic.
	BadMagic ErrorKind = iota
	// TruncatedRecord means a record's advertised byte length exceeded
	// MaxJobSize, or fewer bytes were available than advertised.
	TruncatedRecord
	// InvalidRecord means a string length (or other field) overran the
	// remaining bytes of the record, or a record violated a data model
	// invariant (e.g. record 0 carrying a subtraction).
	InvalidRecord
	// NoBaseForDelta means a non-first record carried subtractions but
	// Decompress was called without a base environment.
	NoBaseForDelta
)

func (k ErrorKind) String() string {
	switch k {
	case BadMagic:
		return "bad magic"
	case TruncatedRecord:
		return "truncated record"
	case InvalidRecord:
		return "invalid record"
	case NoBaseForDelta:
		return "no base for delta"
	default:
		return "unknown codec error"
	}
}

// Error is returned by every codec function that can fail.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cram codec: %v: %v", e.Kind, e.Msg)
}

func errf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

const (
	// Magic is the fixed 4-byte big-endian magic number at the start of
	// every container file.
	Magic uint32 = 0x6372616d
	// Version is the only wire format version this codec understands.
	Version uint32 = 1
	// HeaderSize is the exact, fixed size of the container header.
	HeaderSize = 20
)

// Header is the fixed-size prefix of a container file.
type Header struct {
	Magic      uint32
	Version    uint32
	NumJobs    uint32
	TotalProcs uint32
	MaxJobSize uint32
}

// Encode writes h in its 20 byte wire layout.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.NumJobs)
	binary.BigEndian.PutUint32(buf[12:16], h.TotalProcs)
	binary.BigEndian.PutUint32(buf[16:20], h.MaxJobSize)
	return buf
}

// DecodeHeader parses and validates the fixed header. Validation only
// covers what the codec itself can check: magic and version. Capacity
// checks (total_procs vs allocation size) belong to the partitioner.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errf(TruncatedRecord, "header is %d bytes, need %d", len(buf), HeaderSize)
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Version:    binary.BigEndian.Uint32(buf[4:8]),
		NumJobs:    binary.BigEndian.Uint32(buf[8:12]),
		TotalProcs: binary.BigEndian.Uint32(buf[12:16]),
		MaxJobSize: binary.BigEndian.Uint32(buf[16:20]),
	}
	if h.Magic != Magic {
		return Header{}, errf(BadMagic, "got %#x, want %#x", h.Magic, Magic)
	}
	if h.Version < 1 {
		return Header{}, errf(InvalidRecord, "version %d is invalid", h.Version)
	}
	return h, nil
}

// EnvPair is a single environment variable (key, value).
type EnvPair struct {
	Key, Value string
}

// Record is the wire-level, still delta-encoded, form of a job. Record 0
// of a container always has an empty Subtracted and a Changed list that
// is the complete environment.
type Record struct {
	NumProcs    uint32
	WorkingDir  string
	Args        []string
	Subtracted  []string
	Changed     []EnvPair
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf.WriteString(s)
}

// EncodeRecord renders r in its §4.1 wire layout, excluding the outer
// container-level length prefix (the container writer adds that).
func EncodeRecord(r Record) []byte {
	var e encoder
	e.putUint32(r.NumProcs)
	e.putString(r.WorkingDir)
	e.putUint32(uint32(len(r.Args)))
	for _, a := range r.Args {
		e.putString(a)
	}
	e.putUint32(uint32(len(r.Subtracted)))
	for _, k := range r.Subtracted {
		e.putString(k)
	}
	e.putUint32(uint32(len(r.Changed)))
	for _, kv := range r.Changed {
		e.putString(kv.Key)
		e.putString(kv.Value)
	}
	return e.buf.Bytes()
}

type decoder struct {
	b   []byte
	off int
}

func (d *decoder) uint32() (uint32, error) {
	if d.off+4 > len(d.b) {
		return 0, errf(InvalidRecord, "truncated int at offset %d", d.off)
	}
	v := binary.BigEndian.Uint32(d.b[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	end := d.off + int(n)
	if n > uint32(len(d.b)) || end > len(d.b) || end < d.off {
		return "", errf(InvalidRecord, "string length %d overruns record at offset %d", n, d.off)
	}
	s := string(d.b[d.off:end])
	d.off = end
	return s, nil
}

// DecodeRecord parses a Record from buf. buf may be longer than the
// logical record (e.g. a zero-padded broadcast buffer of MaxJobSize
// bytes); DecodeRecord stops once it has consumed every self-described
// field and ignores any trailing bytes.
func DecodeRecord(buf []byte) (Record, error) {
	d := decoder{b: buf}
	var r Record
	var err error
	if r.NumProcs, err = d.uint32(); err != nil {
		return Record{}, err
	}
	if r.NumProcs < 1 {
		return Record{}, errf(InvalidRecord, "num_procs must be >= 1, got %d", r.NumProcs)
	}
	if r.WorkingDir, err = d.string(); err != nil {
		return Record{}, err
	}
	numArgs, err := d.uint32()
	if err != nil {
		return Record{}, err
	}
	if numArgs < 1 {
		return Record{}, errf(InvalidRecord, "args must have length >= 1")
	}
	r.Args = make([]string, numArgs)
	for i := range r.Args {
		if r.Args[i], err = d.string(); err != nil {
			return Record{}, err
		}
	}
	numSub, err := d.uint32()
	if err != nil {
		return Record{}, err
	}
	if numSub > 0 {
		r.Subtracted = make([]string, numSub)
	}
	for i := range r.Subtracted {
		if r.Subtracted[i], err = d.string(); err != nil {
			return Record{}, err
		}
	}
	numChanged, err := d.uint32()
	if err != nil {
		return Record{}, err
	}
	if numChanged > 0 {
		r.Changed = make([]EnvPair, numChanged)
	}
	for i := range r.Changed {
		if r.Changed[i].Key, err = d.string(); err != nil {
			return Record{}, err
		}
		if r.Changed[i].Value, err = d.string(); err != nil {
			return Record{}, err
		}
	}
	return r, nil
}

// Job is a fully resolved (non-delta) job descriptor: the decompressed
// form every rank ends up owning exactly one of.
type Job struct {
	NumProcs   uint32
	WorkingDir string
	Args       []string
	Env        []EnvPair
}

// Validate checks the §3 data model invariants that DecodeRecord cannot,
// on its own, fully establish (env key uniqueness and ordering).
func (j Job) Validate() error {
	if j.NumProcs < 1 {
		return errf(InvalidRecord, "num_procs must be >= 1")
	}
	if len(j.Args) < 1 {
		return errf(InvalidRecord, "args must have length >= 1")
	}
	for i := 1; i < len(j.Env); i++ {
		if j.Env[i-1].Key >= j.Env[i].Key {
			return errf(InvalidRecord, "env keys not strictly ascending at %q, %q", j.Env[i-1].Key, j.Env[i].Key)
		}
	}
	return nil
}

// ResolveFirst turns record 0 into a Job. Record 0 must carry its full
// environment as Changed and have no Subtracted entries.
func ResolveFirst(r Record) (Job, error) {
	if len(r.Subtracted) != 0 {
		return Job{}, errf(InvalidRecord, "record 0 must not carry subtractions")
	}
	env := make([]EnvPair, len(r.Changed))
	copy(env, r.Changed)
	sort.Slice(env, func(i, j int) bool { return env[i].Key < env[j].Key })
	j := Job{NumProcs: r.NumProcs, WorkingDir: r.WorkingDir, Args: append([]string(nil), r.Args...), Env: env}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Resolve applies r's delta against base (record 0) to produce the full
// job descriptor for r.
func Resolve(base Job, r Record) (Job, error) {
	env, err := Decompress(base.Env, r.Subtracted, r.Changed)
	if err != nil {
		return Job{}, err
	}
	j := Job{NumProcs: r.NumProcs, WorkingDir: r.WorkingDir, Args: append([]string(nil), r.Args...), Env: env}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Decompress merges a base environment with a sorted set of subtracted
// keys and a sorted set of changed (key, value) pairs, per §4.1:
//
//   - a key in both base and changed: changed wins, not counted as a
//     subtraction even if it also appears in subtracted.
//   - a key in subtracted but not base: no effect.
//   - a key in both changed and subtracted: changed wins.
//
// The three inputs are walked with monotone cursors in linear time. The
// open question in the original implementation — a "not found" result
// from a key lookup being mistaken for index 0 — is avoided here by
// using explicit found/ok booleans rather than a signed "not found"
// sentinel index.
func Decompress(base []EnvPair, subtracted []string, changed []EnvPair) ([]EnvPair, error) {
	if base == nil && len(subtracted) > 0 {
		return nil, errf(NoBaseForDelta, "record has %d subtractions but no base was supplied", len(subtracted))
	}

	out := make([]EnvPair, 0, len(base)+len(changed))
	bi, ci := 0, 0
	for bi < len(base) || ci < len(changed) {
		switch {
		case ci >= len(changed) || (bi < len(base) && base[bi].Key < changed[ci].Key):
			key := base[bi].Key
			if !isSubtracted(subtracted, key) {
				out = append(out, base[bi])
			}
			bi++
		case bi >= len(base) || changed[ci].Key < base[bi].Key:
			// Present only in changed: always included, regardless of
			// whether it also happens to appear in subtracted.
			out = append(out, changed[ci])
			ci++
		default:
			// Same key in both: changed wins, consume both cursors.
			out = append(out, changed[ci])
			bi++
			ci++
		}
	}
	return out, nil
}

// isSubtracted reports whether key appears in the sorted subtracted
// list, using an explicit found flag rather than treating a "not found"
// search result as a valid index.
func isSubtracted(subtracted []string, key string) bool {
	i := sort.SearchStrings(subtracted, key)
	found := i < len(subtracted) && subtracted[i] == key
	return found
}
