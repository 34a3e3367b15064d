package api

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/workflow"
)

// SessionStore holds one workflow controller per session. Sessions idle for
// longer than the TTL, or pushed out by the size limit, are closed.
type SessionStore struct {
	sessions *expirable.LRU[string, *workflow.Controller]
	factory  func() *workflow.Controller
	logger   *logrus.Logger
}

// NewSessionStore creates a store that builds controllers with factory
func NewSessionStore(size int, ttl time.Duration, factory func() *workflow.Controller, logger *logrus.Logger) *SessionStore {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &SessionStore{factory: factory, logger: logger}
	s.sessions = expirable.NewLRU[string, *workflow.Controller](size, s.evicted, ttl)
	return s
}

// Create starts a new session
func (s *SessionStore) Create() *workflow.Controller {
	ctrl := s.factory()
	s.sessions.Add(ctrl.ID(), ctrl)
	s.logger.WithField("session_id", ctrl.ID()).Info("Session created")
	return ctrl
}

// Get returns the session and refreshes its idle timer
func (s *SessionStore) Get(id string) (*workflow.Controller, bool) {
	ctrl, ok := s.sessions.Get(id)
	if ok {
		s.sessions.Add(id, ctrl)
	}
	return ctrl, ok
}

// Delete closes and drops the session
func (s *SessionStore) Delete(id string) bool {
	return s.sessions.Remove(id)
}

// Len returns the number of live sessions
func (s *SessionStore) Len() int {
	return s.sessions.Len()
}

// Close closes every session
func (s *SessionStore) Close() {
	s.sessions.Purge()
}

func (s *SessionStore) evicted(id string, ctrl *workflow.Controller) {
	ctrl.Close()
	s.logger.WithField("session_id", id).Debug("Session closed")
}
