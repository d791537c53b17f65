// Package journal keeps a bounded in-memory record of realtime protocol
// events per session and serves it for inspection at /admin/logs.
//
// Audio delta events are never recorded: they carry no diagnostic value and
// would evict everything else from the ring within seconds.
package journal

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 2000

// Direction tells which leg an event was observed on.
type Direction string

const (
	FromUpstream Direction = "upstream"
	FromClient   Direction = "client"
)

// Entry is one recorded event.
type Entry struct {
	Time      time.Time
	SessionID string
	Direction Direction
	Type      string
	Raw       json.RawMessage
}

// IsError reports whether the entry is an upstream error event.
func (e Entry) IsError() bool { return e.Type == realtime.EventError }

// Journal is a fixed-size ring of entries. It is safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// New returns a journal retaining at most capacity entries. A non-positive
// capacity selects [DefaultCapacity].
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{entries: make([]Entry, capacity), now: time.Now}
}

// Record stores raw if it is a JSON event that is not an audio delta. It
// returns whether the event was stored.
func (j *Journal) Record(sessionID string, dir Direction, raw []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return false
	}
	if isAudioDelta(head.Type) {
		return false
	}

	e := Entry{
		Time:      j.now().UTC(),
		SessionID: sessionID,
		Direction: dir,
		Type:      head.Type,
		Raw:       slices.Clone(raw),
	}

	j.mu.Lock()
	j.entries[j.next] = e
	j.next = (j.next + 1) % len(j.entries)
	if j.next == 0 {
		j.full = true
	}
	j.mu.Unlock()
	return true
}

// Len returns the number of stored entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.full {
		return len(j.entries)
	}
	return j.next
}

// Last returns up to n most recent entries, oldest first.
func (j *Journal) Last(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	size := j.next
	if j.full {
		size = len(j.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	start := j.next - n
	if start < 0 {
		start += len(j.entries)
	}
	for i := range n {
		out = append(out, j.entries[(start+i)%len(j.entries)])
	}
	return out
}

// SessionIDs returns the sorted distinct non-empty session ids in entries.
func SessionIDs(entries []Entry) []string {
	ids := make([]string, 0)
	for _, e := range entries {
		if e.SessionID != "" && !slices.Contains(ids, e.SessionID) {
			ids = append(ids, e.SessionID)
		}
	}
	slices.Sort(ids)
	return ids
}

func isAudioDelta(t string) bool {
	return t == realtime.EventResponseAudioDelta || t == realtime.EventResponseOutputAudioDelta
}
