package kv

import (
	"fmt"
	"strings"
)

// Path is the dotted-path facade over a Store: kvPath.get("a.b.c") splits
// into root "a" and segments ["b","c"], fetches the root object, and
// descends. With no segments the root value is returned untouched.
type Path struct {
	store Store
}

// NewPath wraps store with dotted-path traversal.
func NewPath(store Store) *Path {
	return &Path{store: store}
}

func split(p string) (root string, segments []string) {
	parts := strings.Split(p, ".")
	return parts[0], parts[1:]
}

// Get resolves path against the underlying store. It returns ErrNotFound if
// the root key is absent or any intermediate segment is missing.
func (p *Path) Get(path string) (any, error) {
	root, segments := split(path)

	var rootVal any
	if err := p.store.Get(root, &rootVal); err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return rootVal, nil
	}

	cur := rootVal
	for _, seg := range segments {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, ErrNotFound
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, ErrNotFound
		}
	}
	return cur, nil
}

// Has reports whether path currently resolves to a value.
func (p *Path) Has(path string) (bool, error) {
	_, err := p.Get(path)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Set performs a read-modify-write of the root object, creating
// intermediate objects as needed, then persists it.
func (p *Path) Set(path string, value any) error {
	root, segments := split(path)

	if len(segments) == 0 {
		return p.store.Put(root, value)
	}

	rootVal, err := p.loadRootObject(root)
	if err != nil {
		return err
	}

	cur := rootVal
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			break
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}

	return p.store.Put(root, rootVal)
}

// Delete removes path. If the mutation empties the root object entirely,
// the root key itself is removed from the store.
func (p *Path) Delete(path string) error {
	root, segments := split(path)

	if len(segments) == 0 {
		return p.store.Delete(root)
	}

	rootVal, err := p.loadRootObject(root)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	cur := rootVal
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(cur, seg)
			break
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}

	if len(rootVal) == 0 {
		return p.store.Delete(root)
	}
	return p.store.Put(root, rootVal)
}

// loadRootObject fetches root as a map, treating an absent key as an empty
// object rather than an error, and rejecting non-object roots outright.
func (p *Path) loadRootObject(root string) (map[string]any, error) {
	var rootVal any
	err := p.store.Get(root, &rootVal)
	if err == ErrNotFound {
		return make(map[string]any), nil
	}
	if err != nil {
		return nil, err
	}
	obj, ok := rootVal.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("kv: root %q is not an object", root)
	}
	return obj, nil
}
