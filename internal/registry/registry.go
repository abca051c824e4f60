package registry

import (
	"fmt"

	"github.com/arloliu/bpstream/errs"
)

// Registry assigns member IDs to entity names in first-use order.
// A name keeps its ID for the lifetime of the registry, across steps and
// index truncations.
type Registry struct {
	ids   map[string]uint32 // name → member ID
	names []string          // ordered by member ID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		ids:   make(map[string]uint32),
		names: make([]string, 0),
	}
}

// Lookup returns the member ID of name, registering it if it has not been seen.
// The second result is true when the name was registered by this call.
func (r *Registry) Lookup(name string) (uint32, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("%w: empty element name", errs.ErrProtocolMisuse)
	}

	if id, ok := r.ids[name]; ok {
		return id, false, nil
	}

	id := uint32(len(r.names)) //nolint: gosec
	r.ids[name] = id
	r.names = append(r.names, name)

	return id, true, nil
}

// ID returns the member ID of a registered name.
func (r *Registry) ID(name string) (uint32, bool) {
	id, ok := r.ids[name]
	return id, ok
}

// Names returns registered names ordered by member ID.
func (r *Registry) Names() []string {
	return r.names
}

// Count returns the number of registered names.
func (r *Registry) Count() int {
	return len(r.names)
}
