package poll

import (
	"net/url"
	"sync"
)

// Detector remembers the last broadcast schedule reference and decides whether a
// freshly fetched reference is a change.
type Detector struct {
	last      string
	mu        sync.Mutex
	normalize bool
}

// NewDetector creates a detector seeded with initial (empty for "nothing seen yet").
// With normalize set, references are compared without query string and fragment.
func NewDetector(initial string, normalize bool) *Detector {
	return &Detector{last: initial, normalize: normalize}
}

// Observe records ref and reports whether it differs from the previous reference.
// The stored reference is replaced before returning, so a change is reported once.
func (d *Detector) Observe(ref string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.last != "" && d.key(ref) == d.key(d.last) {
		return false
	}
	d.last = ref
	return true
}

// Last returns the last recorded reference, or "" if none.
func (d *Detector) Last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Detector) key(ref string) string {
	if !d.normalize {
		return ref
	}
	return NormalizeReference(ref)
}

// NormalizeReference strips the query string and fragment, which some page builds use
// for cache busting. Unparseable references are returned unchanged.
func NormalizeReference(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
