package bridge

import "sync"

// Registry keeps at most one page per session.
type Registry struct {
	mu    sync.Mutex
	pages map[string]*Page
}

func NewRegistry() *Registry { return &Registry{pages: make(map[string]*Page)} }

// Replace sets the page for a session and returns the one it displaced.
func (r *Registry) Replace(sessionID string, p *Page) *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.pages[sessionID]
	r.pages[sessionID] = p
	return old
}

func (r *Registry) Get(sessionID string) *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages[sessionID]
}

// Remove drops p if it is still the session's page.
func (r *Registry) Remove(sessionID string, p *Page) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pages[sessionID] != p {
		return false
	}
	delete(r.pages, sessionID)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// CloseAll disconnects every page.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	pages := make([]*Page, 0, len(r.pages))
	for _, p := range r.pages {
		pages = append(pages, p)
	}
	r.mu.Unlock()
	for _, p := range pages {
		p.Close(reason)
	}
}
