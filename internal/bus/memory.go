package bus

import (
	"sync"
)

// Memory is an in-process Conn for tests: an exact-match subject router with
// queue-group semantics. Delivery is synchronous on the publisher's
// goroutine, which makes dispatch scenarios deterministic.
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub            // plain subscribers per subject
	groups map[string]map[string][]*memorySub // subject -> group -> members
	rr     map[string]int                     // subject/group round-robin cursor
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[string][]*memorySub),
		groups: make(map[string]map[string][]*memorySub),
		rr:     make(map[string]int),
	}
}

type memorySub struct {
	bus     *Memory
	subject string
	group   string
	handler Handler
}

func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s)
	return nil
}

// Publish delivers data to one member of every queue group subscribed to the
// subject, and to every plain subscriber. Handlers run outside the bus lock
// so they may publish again without deadlocking.
func (m *Memory) Publish(subject string, data []byte) error {
	m.mu.Lock()
	var targets []Handler
	for _, s := range m.subs[subject] {
		targets = append(targets, s.handler)
	}
	for group, members := range m.groups[subject] {
		if len(members) == 0 {
			continue
		}
		key := subject + "/" + group
		idx := m.rr[key] % len(members)
		m.rr[key]++
		targets = append(targets, members[idx].handler)
	}
	m.mu.Unlock()

	msg := Msg{Subject: subject, Data: data}
	for _, h := range targets {
		h(msg)
	}
	return nil
}

// QueueSubscribe registers a handler. An empty group subscribes plainly.
func (m *Memory) QueueSubscribe(subject, group string, h Handler) (Subscription, error) {
	s := &memorySub{bus: m, subject: subject, group: group, handler: h}

	m.mu.Lock()
	defer m.mu.Unlock()
	if group == "" {
		m.subs[subject] = append(m.subs[subject], s)
		return s, nil
	}
	if m.groups[subject] == nil {
		m.groups[subject] = make(map[string][]*memorySub)
	}
	m.groups[subject][group] = append(m.groups[subject][group], s)
	return s, nil
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.group == "" {
		m.subs[s.subject] = withoutSub(m.subs[s.subject], s)
		return
	}
	if g := m.groups[s.subject]; g != nil {
		g[s.group] = withoutSub(g[s.group], s)
	}
}

func withoutSub(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
