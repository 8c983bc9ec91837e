// Package presence keeps track of users currently viewing a page.
//
// A user may have the same page open several times. The registry counts such
// subscriptions and reports the user as present until the last one is gone.
package presence

import (
	"sort"

	"github.com/testmycode/tmc-comet/server/concurrency"
)

// Key identifies a page of a particular origin server.
type Key struct {
	// Normalized base URL of the origin server.
	Scope string
	// Page path relative to the presence channel prefix.
	Path string
}

// Registry is safe for concurrent use.
type Registry struct {
	lock  concurrency.FairRWMutex
	pages map[Key]map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[Key]map[string]int)}
}

// Put records one more presence of the user on the page.
func (r *Registry) Put(key Key, user string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	users := r.pages[key]
	if users == nil {
		users = make(map[string]int)
		r.pages[key] = users
	}
	users[user]++
}

// Remove undoes one Put. Removing a user who is not present is a no-op.
func (r *Registry) Remove(key Key, user string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	users := r.pages[key]
	count, ok := users[user]
	if !ok {
		return
	}
	if count <= 1 {
		delete(users, user)
		if len(users) == 0 {
			delete(r.pages, key)
		}
		return
	}
	users[user] = count - 1
}

// Get returns the sorted list of users present on the page. The slice is owned by the caller.
func (r *Registry) Get(key Key) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	users := r.pages[key]
	result := make([]string, 0, len(users))
	for user := range users {
		result = append(result, user)
	}
	sort.Strings(result)
	return result
}

// Len returns the number of pages with at least one user present.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.pages)
}
