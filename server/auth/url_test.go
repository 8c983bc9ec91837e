package auth

import "testing"

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://example.com/foo/", "http://example.com/foo"},
		{"  http://example.com/foo  ", "http://example.com/foo"},
		{"http://example.com/foo///", "http://example.com/foo"},
		{"https://example.com", "https://example.com"},
		{"HTTP://example.com:8080/a/b", "http://example.com:8080/a/b"},
		{"http://example.com/foo?x=1", "http://example.com/foo?x=1"},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
		again, err := NormalizeURL(got)
		if err != nil || again != got {
			t.Errorf("NormalizeURL is not idempotent for %q: %q -> %q (%v)", tc.in, got, again, err)
		}
	}
}

func TestNormalizeURLInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "///", "example.com/foo", "http://[::1", "/foo"} {
		if got, err := NormalizeURL(in); err == nil {
			t.Errorf("NormalizeURL(%q) = %q, expected an error", in, got)
		}
	}
}

func TestParseAllowList(t *testing.T) {
	allowed, err := ParseAllowList("http://example.com/foo;; https://other.org/ ;")
	if err != nil {
		t.Fatal(err)
	}
	if len(allowed) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(allowed), allowed)
	}

	cases := []struct {
		url  string
		want bool
	}{
		{"http://example.com/foo", true},
		{"https://other.org", true},
		{"http://example.com/foo/bar", false},
		{"http://example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := allowed.Contains(tc.url); got != tc.want {
			t.Errorf("Contains(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}

	if _, err := ParseAllowList("http://example.com;not a url"); err == nil {
		t.Error("expected an error for an invalid entry")
	}
}

func TestParseAllowListEmpty(t *testing.T) {
	allowed, err := ParseAllowList("")
	if err != nil {
		t.Fatal(err)
	}
	if allowed.Contains("") || len(allowed) != 0 {
		t.Errorf("expected empty allow-list, got %v", allowed)
	}
}
