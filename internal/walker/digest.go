package walker

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"io"
	"os"
)

// ErrTooLarge is returned for files above the hashing size limit.
var ErrTooLarge = errors.New("walker: file too large to hash")

// ErrBinary is returned for files that look binary.
var ErrBinary = errors.New("walker: binary file")

type lineStat struct {
	count int
	chars int
}

// Digest is a content fingerprint: a SHA-256 of the bytes plus a multiset
// of line hashes, enough to count changed lines without keeping the text.
type Digest struct {
	Hash  string
	Size  int64
	lines map[uint64]lineStat
}

// Lines returns the number of lines in the digest.
func (d Digest) Lines() int {
	n := 0
	for _, s := range d.lines {
		n += s.count
	}
	return n
}

// Chars returns the number of bytes in all lines, excluding newlines.
func (d Digest) Chars() int {
	n := 0
	for _, s := range d.lines {
		n += s.count * s.chars
	}
	return n
}

// HashFile streams path once, computing its Digest. Files larger than
// maxSize (0 = DefaultMaxFileSize) or containing NUL bytes in the first
// 512 bytes are rejected.
func HashFile(path string, maxSize int64) (Digest, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Digest{}, err
	}
	if info.Size() > maxSize {
		return Digest{}, ErrTooLarge
	}

	br := bufio.NewReaderSize(f, 64*1024)
	if head, _ := br.Peek(512); bytes.IndexByte(head, 0) >= 0 {
		return Digest{}, ErrBinary
	}

	sum := sha256.New()
	d := Digest{lines: make(map[uint64]lineStat)}
	r := io.TeeReader(io.LimitReader(br, maxSize+1), sum)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), int(maxSize)+1)
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		h := fnv.New64a()
		h.Write(line)
		k := h.Sum64()
		s := d.lines[k]
		s.count++
		s.chars = len(line)
		d.lines[k] = s
	}
	if err := sc.Err(); err != nil {
		return Digest{}, err
	}
	d.Hash = hex.EncodeToString(sum.Sum(nil))
	d.Size = info.Size()
	return d, nil
}

// Delta counts lines and characters added and removed between two digests.
// It compares line multisets, so moved lines count as unchanged.
type Delta struct {
	LinesAdded   int
	LinesRemoved int
	CharsAdded   int
	CharsRemoved int
}

// Diff computes the delta from before to after. A zero Digest stands for a
// missing file.
func Diff(before, after Digest) Delta {
	var d Delta
	for k, a := range after.lines {
		b := before.lines[k]
		if n := a.count - b.count; n > 0 {
			d.LinesAdded += n
			d.CharsAdded += n * a.chars
		}
	}
	for k, b := range before.lines {
		a := after.lines[k]
		if n := b.count - a.count; n > 0 {
			d.LinesRemoved += n
			d.CharsRemoved += n * b.chars
		}
	}
	return d
}
