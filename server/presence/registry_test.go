package presence

import (
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var page = Key{Scope: "http://example.com", Path: "courses/1"}

func expectUsers(t *testing.T, r *Registry, key Key, want []string) {
	t.Helper()
	if diff := cmp.Diff(want, r.Get(key)); diff != "" {
		t.Errorf("users mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiplicity(t *testing.T) {
	r := NewRegistry()
	r.Put(page, "alice")
	r.Put(page, "alice")
	expectUsers(t, r, page, []string{"alice"})

	r.Remove(page, "alice")
	expectUsers(t, r, page, []string{"alice"})

	r.Remove(page, "alice")
	expectUsers(t, r, page, []string{})
	if r.Len() != 0 {
		t.Errorf("expected no pages, got %d", r.Len())
	}
}

func TestTwoUsers(t *testing.T) {
	r := NewRegistry()
	r.Put(page, "bob")
	r.Put(page, "alice")
	expectUsers(t, r, page, []string{"alice", "bob"})

	r.Remove(page, "alice")
	expectUsers(t, r, page, []string{"bob"})
}

func TestRemoveAbsent(t *testing.T) {
	r := NewRegistry()
	r.Remove(page, "alice")
	expectUsers(t, r, page, []string{})

	r.Put(page, "alice")
	r.Remove(page, "alice")
	r.Remove(page, "alice")
	r.Put(page, "alice")
	// Extra removals must not leave a negative count behind.
	expectUsers(t, r, page, []string{"alice"})
}

func TestScopes(t *testing.T) {
	r := NewRegistry()
	other := Key{Scope: "http://other.com", Path: page.Path}
	r.Put(page, "alice")
	r.Put(other, "bob")
	expectUsers(t, r, page, []string{"alice"})
	expectUsers(t, r, other, []string{"bob"})
	if r.Len() != 2 {
		t.Errorf("expected 2 pages, got %d", r.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Put(page, "alice")
	users := r.Get(page)
	users[0] = "mallory"
	expectUsers(t, r, page, []string{"alice"})
}

func TestConcurrentPutRemove(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		user := "user" + strconv.Itoa(i%5)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Put(page, user)
				r.Get(page)
				r.Remove(page, user)
			}
		}()
	}
	wg.Wait()
	expectUsers(t, r, page, []string{})
}
