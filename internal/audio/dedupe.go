// Package audio drops duplicate PCM frames before they reach the STT provider.
package audio

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultWindow is how long a signature counts as recently seen.
	DefaultWindow = 3000 * time.Millisecond
	// DefaultMaxEntries caps the signature cache.
	DefaultMaxEntries = 100

	trimEvery = 50
)

// samplePoints are the buffer positions (in percent) folded into a signature.
var samplePoints = [...]int{0, 10, 25, 50, 75, 90, 100}

// ChunkSignature returns a cheap fingerprint of a PCM chunk.
// It reads a fixed number of bytes regardless of chunk size.
func ChunkSignature(chunk []byte) string {
	n := len(chunk)
	if n == 0 {
		return "0-0"
	}

	hash := uint32(n)
	var checksum uint32
	for i, pct := range samplePoints {
		idx := (n - 1) * pct / 100
		b := uint32(chunk[idx])
		hash = hash*31 + b
		checksum += b * uint32(i+1)
	}
	hash ^= checksum << 16

	return fmt.Sprintf("%d-%x", n, hash)
}

// Deduper remembers recently seen chunk signatures.
type Deduper struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	window     time.Duration
	maxEntries int
	calls      int
	now        func() time.Time
}

// NewDeduper creates a Deduper. Non-positive arguments fall back to the defaults.
func NewDeduper(window time.Duration, maxEntries int) *Deduper {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Deduper{
		seen:       make(map[string]time.Time),
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// ShouldSkip reports whether sig was already seen within the window.
// Accepted signatures are recorded with the current time.
func (d *Deduper) ShouldSkip(sig string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if ts, ok := d.seen[sig]; ok && now.Sub(ts) < d.window {
		return true
	}
	d.seen[sig] = now

	d.calls++
	if d.calls%trimEvery == 0 || len(d.seen) > d.maxEntries {
		d.trim(now)
	}
	return false
}

// Reset clears the cache, typically after the STT connection is re-established.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
	d.calls = 0
}

// Len returns the number of cached signatures.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// trim drops expired entries, then the oldest ones until the cache fits.
func (d *Deduper) trim(now time.Time) {
	for sig, ts := range d.seen {
		if now.Sub(ts) >= d.window {
			delete(d.seen, sig)
		}
	}
	for len(d.seen) > d.maxEntries {
		var oldestSig string
		var oldest time.Time
		first := true
		for sig, ts := range d.seen {
			if first || ts.Before(oldest) {
				oldestSig, oldest, first = sig, ts, false
			}
		}
		delete(d.seen, oldestSig)
	}
}
