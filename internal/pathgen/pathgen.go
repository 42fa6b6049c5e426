// Package pathgen hands out collision-free relative paths for stored uploads.
// Every path is derived from a process-wide counter that is split into three
// base-1000 directory groups, so no directory ever holds more than 1000
// entries.
package pathgen

import (
	"crypto/rand"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
)

const (
	// StemLength is the number of random characters in every generated
	// filename.
	StemLength = 10
	groupSize  = 1000
	groups     = 3
	alphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Allocator mints relative upload paths. A single Allocator is constructed at
// start-up and shared by pointer with every request; it is safe for concurrent
// use.
type Allocator struct {
	next atomic.Uint64
}

// New returns an Allocator whose first path uses sequence number start.
func New(start uint64) *Allocator {
	a := &Allocator{}
	a.next.Store(start)
	return a
}

// Allocate reserves the next sequence number and returns its path, e.g.
// "000/001/042/Xk2pQ9aZr1.png". The extension is used as given.
func (a *Allocator) Allocate(extension string) string {
	// Add returns the post-increment value, so subtract one to get ours.
	seq := a.next.Add(1) - 1
	return Path(seq, randomStem(), extension)
}

// Peek reports the sequence number the next Allocate call will use.
func (a *Allocator) Peek() uint64 {
	return a.next.Load()
}

// Path builds the relative path for seq. The most significant group is not
// wrapped at 1000 so sequences past 10^9 still map to distinct directories.
func Path(seq uint64, stem, extension string) string {
	segments := make([]string, groups+1)
	n := seq
	for i := groups - 1; i >= 0; i-- {
		if i == 0 {
			segments[i] = fmt.Sprintf("%03d", n)
			break
		}
		segments[i] = fmt.Sprintf("%03d", n%groupSize)
		n /= groupSize
	}
	segments[groups] = stem + "." + extension
	return path.Join(segments...)
}

// Sequence recovers the sequence number encoded in a path produced by Path.
// The filename component is ignored.
func Sequence(rel string) (uint64, error) {
	parts := strings.Split(path.Clean(rel), "/")
	if len(parts) != groups+1 {
		return 0, fmt.Errorf("pathgen: %q is not a sharded path", rel)
	}
	var seq uint64
	for _, p := range parts[:groups] {
		group, err := parseGroup(p)
		if err != nil {
			return 0, fmt.Errorf("pathgen: %q: %w", rel, err)
		}
		seq = seq*groupSize + group
	}
	return seq, nil
}

func parseGroup(s string) (uint64, error) {
	if len(s) < 3 {
		return 0, fmt.Errorf("group %q shorter than three digits", s)
	}
	var v uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("group %q is not numeric", s)
		}
		v = v*10 + uint64(r-'0')
	}
	return v, nil
}

func randomStem() string {
	buf := make([]byte, StemLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("pathgen: read random: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
