package mcp

import "sync"

// SessionRegistry remembers which MCP session started each workflow.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // workflowID → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Bind associates a workflow with the session that started it.
func (r *SessionRegistry) Bind(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workflowID] = sessionID
}

// SessionFor returns the session bound to workflowID.
func (r *SessionRegistry) SessionFor(workflowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[workflowID]
	return sid, ok
}

// Forget drops the binding for workflowID.
func (r *SessionRegistry) Forget(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workflowID)
}

// Remove drops every workflow bound to sessionID. Called when the session
// disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, wid)
		}
	}
}
