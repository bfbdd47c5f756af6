package mockapi

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// timestampLayout is the format ServiceNow uses for sys_* date fields.
const timestampLayout = "2006-01-02 15:04:05"

// store holds the rows of the mock table in insertion order.
type store struct {
	mu      sync.RWMutex
	records []servicenow.Record
	now     func() time.Time
}

func newStore(records []servicenow.Record, now func() time.Time) *store {
	s := &store{now: now}
	s.reset(records)
	return s
}

// reset replaces every row. Rows without a sys_id get one.
func (s *store) reset(records []servicenow.Record) {
	rows := make([]servicenow.Record, 0, len(records))
	for _, r := range records {
		r = cloneRecord(r)
		if _, ok := r.SysID(); !ok {
			r["sys_id"] = newSysID()
		}
		rows = append(rows, r)
	}

	s.mu.Lock()
	s.records = rows
	s.mu.Unlock()
}

// snapshot returns copies of all rows.
func (s *store) snapshot() []servicenow.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]servicenow.Record, len(s.records))
	for i, r := range s.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// filter returns copies of the rows matching q, in query order.
func (s *store) filter(q *encodedQuery, number string) []servicenow.Record {
	s.mu.RLock()
	out := make([]servicenow.Record, 0, len(s.records))
	for _, r := range s.records {
		if number != "" && fieldString(r["number"]) != number {
			continue
		}
		if q.match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	s.mu.RUnlock()

	q.sort(out)
	return out
}

func (s *store) get(sysID string) (servicenow.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(sysID); i >= 0 {
		return cloneRecord(s.records[i]), true
	}
	return nil, false
}

func (s *store) insert(r servicenow.Record) servicenow.Record {
	r = cloneRecord(r)
	if _, ok := r.SysID(); !ok {
		r["sys_id"] = newSysID()
	}
	ts := s.now().UTC().Format(timestampLayout)
	if _, ok := r["sys_created_on"]; !ok {
		r["sys_created_on"] = ts
	}
	r["sys_updated_on"] = ts

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return cloneRecord(r)
}

// update merges fields into the row (PATCH) or, with replace, swaps all
// fields except sys_id and sys_created_on (PUT).
func (s *store) update(sysID string, fields servicenow.Record, replace bool) (servicenow.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(sysID)
	if i < 0 {
		return nil, false
	}

	cur := s.records[i]
	next := servicenow.Record{}
	if replace {
		if v, ok := cur["sys_created_on"]; ok {
			next["sys_created_on"] = v
		}
	} else {
		next = cloneRecord(cur)
	}
	for k, v := range fields {
		next[k] = v
	}
	next["sys_id"] = sysID
	next["sys_updated_on"] = s.now().UTC().Format(timestampLayout)

	s.records[i] = next
	return cloneRecord(next), true
}

func (s *store) delete(sysID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(sysID)
	if i < 0 {
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	return true
}

// index must be called with mu held.
func (s *store) index(sysID string) int {
	for i, r := range s.records {
		if id, _ := r.SysID(); id == sysID {
			return i
		}
	}
	return -1
}

// newSysID returns 32 lowercase hex characters like a ServiceNow sys_id.
func newSysID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
