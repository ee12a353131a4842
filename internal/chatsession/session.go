// Package chatsession is the per-session chat runtime: it resolves session
// state, loads the context bundle, injects forwarded worker
// and task-agent events, drives the tool loop, and feeds the daily memory
// pipeline after every turn.
package chatsession

import (
	"sync"
	"time"

	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/pkg/models"
)

// recentEventCap bounds a session's recent-event ring.
const recentEventCap = 60

// Session is one conversation's in-memory runtime state.
type Session struct {
	ID             string
	RecentEvents   []models.RecentEvent
	SessionSummary string
	Facts          map[string]string
	PreloadedDaily []dailymemory.DayMemory
	LastTouched    time.Time
}

func (s *Session) appendEvent(ev models.RecentEvent) {
	s.RecentEvents = append(s.RecentEvents, ev)
	if len(s.RecentEvents) > recentEventCap {
		s.RecentEvents = s.RecentEvents[len(s.RecentEvents)-recentEventCap:]
	}
}

// sessionStore holds live sessions with TTL expiry and an LRU cap, both
// evaluated on every access.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	maxCount int
}

func newSessionStore(ttl time.Duration, maxCount int) *sessionStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if maxCount <= 0 {
		maxCount = 24
	}
	return &sessionStore{sessions: make(map[string]*Session), ttl: ttl, maxCount: maxCount}
}

// resolve returns the live session for id, creating it when absent, and
// prunes expired / excess sessions as a side effect. created reports whether
// a fresh session was minted.
func (st *sessionStore) resolve(id string) (session *Session, created bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	for sid, s := range st.sessions {
		if sid != id && now.Sub(s.LastTouched) > st.ttl {
			delete(st.sessions, sid)
		}
	}

	s, ok := st.sessions[id]
	if !ok {
		s = &Session{ID: id, Facts: map[string]string{}, LastTouched: now}
		st.sessions[id] = s
		created = true
	}
	s.LastTouched = now

	for len(st.sessions) > st.maxCount {
		oldestID := ""
		var oldest time.Time
		for sid, cand := range st.sessions {
			if sid == id {
				continue
			}
			if oldestID == "" || cand.LastTouched.Before(oldest) {
				oldestID = sid
				oldest = cand.LastTouched
			}
		}
		if oldestID == "" {
			break
		}
		delete(st.sessions, oldestID)
	}
	return s, created
}

func (st *sessionStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
