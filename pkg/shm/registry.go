package shm

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// endpoints tracks the open endpoints of this process, keyed by role and
// name, so a second Open of the same end fails and health probes can walk
// them.
var endpoints = cmap.New[*Endpoint]()

func registryKey(name string, role Role) string {
	return role.String() + "/" + name
}

// track claims the key for e. It reports false if the key is taken.
func track(e *Endpoint) bool {
	return endpoints.SetIfAbsent(registryKey(e.name, e.role), e)
}

func untrack(e *Endpoint) {
	endpoints.RemoveCb(registryKey(e.name, e.role), func(_ string, v *Endpoint, exists bool) bool {
		return exists && v == e
	})
}

// Endpoints returns the endpoints currently open in this process, ordered
// by role and name.
func Endpoints() []*Endpoint {
	keys := endpoints.Keys()
	sort.Strings(keys)
	out := make([]*Endpoint, 0, len(keys))
	for _, k := range keys {
		if e, ok := endpoints.Get(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// Lookup returns the open endpoint for name and role, if any.
func Lookup(name string, role Role) (*Endpoint, bool) {
	return endpoints.Get(registryKey(name, role))
}
