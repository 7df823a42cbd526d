package http

import "sync"

// RouteTracker records the latest route requested by the session machine so
// the browser can follow it.
type RouteTracker struct {
	mu       sync.RWMutex
	location string
}

// NewRouteTracker returns a tracker with no pending route.
func NewRouteTracker() *RouteTracker {
	return &RouteTracker{}
}

// Navigate implements session.Navigator.
func (t *RouteTracker) Navigate(route string) {
	t.mu.Lock()
	t.location = route
	t.mu.Unlock()
}

// Location returns the most recent route, or "" when none was requested.
func (t *RouteTracker) Location() string {
	if t == nil {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.location
}
