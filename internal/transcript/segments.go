// Package transcript keeps a timestamp-indexed view of STT segments for a session.
package transcript

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Segment is a single STT result covering [StartTime, EndTime] seconds of audio.
type Segment struct {
	StartTime  float64
	EndTime    float64
	Text       string
	IsFinal    bool
	Speaker    string
	ReceivedAt time.Time
}

func (s Segment) key() string {
	return fmt.Sprintf("%.3f-%.3f", s.StartTime, s.EndTime)
}

func (s Segment) valid() bool {
	if math.IsNaN(s.StartTime) || math.IsNaN(s.EndTime) || math.IsInf(s.StartTime, 0) || math.IsInf(s.EndTime, 0) {
		return false
	}
	return s.StartTime >= 0 && s.EndTime >= s.StartTime
}

func overlaps(a, b Segment) bool {
	return a.StartTime < b.EndTime && b.StartTime < a.EndTime
}

// Store holds segments keyed by their time range. Finals always win over
// overlapping partials. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	segments map[string]Segment
	now      func() time.Time
}

// NewStore creates an empty segment store.
func NewStore() *Store {
	return &Store{
		segments: make(map[string]Segment),
		now:      time.Now,
	}
}

// Upsert inserts or replaces seg and reports whether the store changed.
// Invalid ranges are ignored.
func (s *Store) Upsert(seg Segment) bool {
	if !seg.valid() {
		return false
	}
	if seg.ReceivedAt.IsZero() {
		seg.ReceivedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := seg.key()
	if seg.IsFinal {
		for k, existing := range s.segments {
			if !existing.IsFinal && overlaps(existing, seg) {
				delete(s.segments, k)
			}
		}
		s.segments[key] = seg
		return true
	}

	if existing, ok := s.segments[key]; ok && existing.IsFinal {
		return false
	}
	for _, existing := range s.segments {
		if existing.IsFinal && overlaps(existing, seg) {
			return false
		}
	}
	s.segments[key] = seg
	return true
}

// AllOrdered returns a copy of all segments sorted by start time.
func (s *Store) AllOrdered() []Segment {
	s.mu.RLock()
	out := make([]Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].EndTime < out[j].EndTime
	})
	return out
}

// FullTranscript joins all segment texts in start-time order.
func (s *Store) FullTranscript() string {
	segs := s.AllOrdered()
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// LatestSpeaker returns the speaker of the segment that ends last.
func (s *Store) LatestSpeaker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest Segment
	found := false
	for _, seg := range s.segments {
		if !found || seg.EndTime > latest.EndTime {
			latest, found = seg, true
		}
	}
	return latest.Speaker
}

// RemoveStale drops segments received more than maxAge ago and returns how many were removed.
func (s *Store) RemoveStale(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, seg := range s.segments {
		if seg.ReceivedAt.Before(cutoff) {
			delete(s.segments, k)
			removed++
		}
	}
	return removed
}

// Clear removes all segments.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = make(map[string]Segment)
}

// Size returns the number of stored segments.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}
