package chat

import (
	"sort"
	"sync"
)

// Record is the presence of one identity: who they are and which room, if
// any, they are in. Values handed out by the Registry are copies.
type Record struct {
	Identity    string
	DisplayName string
	AvatarRef   string
	Room        string
}

// Registry keeps the live identities, how many transport connections each one
// has, and the latest connection id per identity. Every map is guarded by the
// same mutex so register, unregister and room changes are atomic with respect
// to each other.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	counts  map[string]int
	latest  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		counts:  make(map[string]int),
		latest:  make(map[string]string),
	}
}

// RegisterConnection counts a new connection for identity and makes connID its
// latest connection. The record is created from display when the identity was
// not present; isNew reports that case.
func (r *Registry) RegisterConnection(identity, connID string, display Profile) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[identity]++
	r.latest[identity] = connID
	if rec, ok := r.records[identity]; ok {
		return *rec, false
	}
	rec := &Record{
		Identity:    identity,
		DisplayName: display.DisplayName,
		AvatarRef:   display.AvatarRef,
	}
	if rec.DisplayName == "" {
		rec.DisplayName = identity
	}
	r.records[identity] = rec
	return *rec, true
}

// UnregisterConnection drops one connection of identity. When it was the last
// one the record is removed and returned with removed set. The latest
// connection entry is only cleared if it still points at connID.
func (r *Registry) UnregisterConnection(identity, connID string) (remaining int, last Record, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest[identity] == connID {
		delete(r.latest, identity)
	}
	count, ok := r.counts[identity]
	if ok && count > 1 {
		r.counts[identity] = count - 1
		return count - 1, Record{}, false
	}
	delete(r.counts, identity)
	rec, ok := r.records[identity]
	if !ok {
		return 0, Record{}, false
	}
	delete(r.records, identity)
	delete(r.latest, identity)
	return 0, *rec, true
}

// SetRoom moves identity into room and returns the room it was in before.
// ok is false when identity is not registered.
func (r *Registry) SetRoom(identity, room string) (prev string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[identity]
	if !ok {
		return "", false
	}
	prev = rec.Room
	rec.Room = room
	return prev, true
}

func (r *Registry) Lookup(identity string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[identity]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ConnectionCount returns the number of live connections for identity.
func (r *Registry) ConnectionCount(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[identity]
}

// LatestConnection returns the most recently registered connection id.
func (r *Registry) LatestConnection(identity string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.latest[identity]
	return connID, ok
}

// ActiveCount returns the number of present identities.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot copies every record, sorted by identity.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()
	sortRecords(out)
	return out
}

// InRoom copies the records whose room equals room, sorted by identity.
func (r *Registry) InRoom(room string) []Record {
	r.mu.Lock()
	out := make([]Record, 0)
	for _, rec := range r.records {
		if rec.Room == room {
			out = append(out, *rec)
		}
	}
	r.mu.Unlock()
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Identity < recs[j].Identity })
}
