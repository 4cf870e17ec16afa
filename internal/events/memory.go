package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-process Log for single-node deployments and tests.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
	now     func() time.Time
}

type memStream struct {
	seq     uint64
	entries []Record
	groups  map[string]*memGroup
	notify  chan struct{}
}

type memGroup struct {
	next    int
	pending map[string]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: map[string]*memStream{}, now: time.Now}
}

// WithClock replaces the clock used for pending idle times.
func (l *MemoryLog) WithClock(now func() time.Time) *MemoryLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

func (l *MemoryLog) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{groups: map[string]*memGroup{}, notify: make(chan struct{})}
		l.streams[name] = s
	}
	return s
}

func (l *MemoryLog) Append(_ context.Context, stream string, values map[string]interface{}) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	cp := make(map[string]interface{}, len(values))
	for k, v := range values {
		cp[k] = v
	}
	s.entries = append(s.entries, Record{ID: id, Values: cp})
	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

func (l *MemoryLog) EnsureGroup(_ context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: map[string]*memPending{}}
	}
	return nil
}

func (l *MemoryLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Record, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		l.mu.Lock()
		s := l.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			l.mu.Unlock()
			return nil, fmt.Errorf("read %s: no group %q", stream, group)
		}
		var out []Record
		for g.next < len(s.entries) && (count <= 0 || int64(len(out)) < count) {
			rec := s.entries[g.next]
			g.pending[rec.ID] = &memPending{consumer: consumer, deliveredAt: l.now()}
			out = append(out, rec)
			g.next++
		}
		notify := s.notify
		l.mu.Unlock()

		if len(out) > 0 || deadline == nil {
			return out, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLog) Ack(_ context.Context, stream, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.stream(stream).groups[group]
	if !ok {
		return fmt.Errorf("ack %s: no group %q", stream, group)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (l *MemoryLog) ClaimStale(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("claim %s: no group %q", stream, group)
	}
	now := l.now()
	var out []Record
	for i := range s.entries {
		rec := s.entries[i]
		p, ok := g.pending[rec.ID]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		if count > 0 && int64(len(out)) >= count {
			break
		}
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, rec)
	}
	return out, nil
}

// Entries returns a copy of every record appended to stream.
func (l *MemoryLog) Entries(stream string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.stream(stream).entries...)
}

// Pending returns the ids delivered to group but not yet acknowledged.
func (l *MemoryLog) Pending(stream, group string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	var ids []string
	for _, rec := range s.entries {
		if _, ok := g.pending[rec.ID]; ok {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}
