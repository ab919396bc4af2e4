// Package jsontree implements the message property tree: a recursively
// nested mapping from names to scalar, array, or object values, addressed
// by dotted paths rooted at "!" (e.g. "!user!id").
//
// The tree is distinct from a Message's scalar fields (facility, hostname,
// tag, ...); it exists to let parsers and actions attach arbitrary
// structured data (typically parsed JSON bodies) to a message without the
// message object needing to know its shape.
package jsontree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a lookup or delete path does not resolve
	// to an existing value.
	ErrNotFound = errors.New("jsontree: path not found")
	// ErrInvalidPath is returned for malformed paths: empty, not rooted at
	// "!", or containing a consecutive "!!" segment.
	ErrInvalidPath = errors.New("jsontree: invalid path")
	// ErrNotAnObject is returned when a path walk hits an intermediate
	// value that isn't an object and therefore can't be descended into.
	ErrNotAnObject = errors.New("jsontree: intermediate value is not an object")
)

// Root is the property tree's root object. The zero value is an empty tree.
type Root struct {
	values map[string]any
}

// New returns an empty property tree.
func New() *Root {
	return &Root{values: map[string]any{}}
}

// splitPath validates and splits a "!a!b!c" path into ["a","b","c"].
// The bare root sentinel "!" splits to an empty slice.
func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '!' {
		return nil, fmt.Errorf("%w: %q must start with '!'", ErrInvalidPath, path)
	}
	if path == "!" {
		return nil, nil
	}
	rest := path[1:]
	segments := strings.Split(rest, "!")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

// Get walks path and returns the value stored there.
func (r *Root) Get(path string) (any, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if r.values == nil {
		return nil, ErrNotFound
	}
	cur := any(r.values)
	for _, seg := range segments {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, ErrNotAnObject
		}
		v, ok := obj[seg]
		if !ok {
			return nil, ErrNotFound
		}
		cur = v
	}
	return cur, nil
}

// Set walks path, creating intermediate objects as needed, and stores value
// at the leaf. This is the internal walk shared by Set and the merge logic
// in Merge; Set always overwrites scalar leaves, and recursively unions
// object leaves when both the existing value and the incoming value are
// objects (this is the merge behavior required by Message.add_json).
func (r *Root) Set(path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if r.values == nil {
		r.values = map[string]any{}
	}
	if len(segments) == 0 {
		// Setting the root itself: value must be an object to merge into it.
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: root value must be an object", ErrInvalidPath)
		}
		r.values = mergeObjects(r.values, obj)
		return nil
	}

	parent := r.values
	for _, seg := range segments[:len(segments)-1] {
		next, ok := parent[seg]
		if !ok {
			child := map[string]any{}
			parent[seg] = child
			parent = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			// Overwrite a non-object intermediate with a fresh object,
			// matching "creating intermediate objects on demand".
			child = map[string]any{}
			parent[seg] = child
		}
		parent = child
	}

	leafKey := segments[len(segments)-1]
	existing, had := parent[leafKey]
	if had {
		existingObj, existingIsObj := existing.(map[string]any)
		newObj, newIsObj := value.(map[string]any)
		if existingIsObj && newIsObj {
			parent[leafKey] = mergeObjects(existingObj, newObj)
			return nil
		}
	}
	parent[leafKey] = value
	return nil
}

// mergeObjects unions a and b's keys; keys present in both are overwritten
// by b, recursively merging when both sides hold nested objects.
func mergeObjects(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			if ea, aok := existing.(map[string]any); aok {
				if eb, bok := v.(map[string]any); bok {
					out[k] = mergeObjects(ea, eb)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// Delete removes path. It fails with ErrNotFound if path does not exist.
func (r *Root) Delete(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		if len(r.values) == 0 {
			return ErrNotFound
		}
		r.values = map[string]any{}
		return nil
	}
	if r.values == nil {
		return ErrNotFound
	}

	parent := r.values
	for _, seg := range segments[:len(segments)-1] {
		next, ok := parent[seg]
		if !ok {
			return ErrNotFound
		}
		child, ok := next.(map[string]any)
		if !ok {
			return ErrNotFound
		}
		parent = child
	}
	leafKey := segments[len(segments)-1]
	if _, ok := parent[leafKey]; !ok {
		return ErrNotFound
	}
	delete(parent, leafKey)
	return nil
}

// IsEmpty reports whether the tree has no top-level keys.
func (r *Root) IsEmpty() bool {
	return len(r.values) == 0
}

// Clone deep-copies the tree. Used by Message's clone-on-duplicate lifecycle step.
func (r *Root) Clone() *Root {
	if r == nil {
		return New()
	}
	return &Root{values: cloneValue(r.values).(map[string]any)}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return t
	}
}

// Raw returns the underlying map for callers (e.g. serialization) that need
// to walk the whole tree. Callers must not mutate the returned map.
func (r *Root) Raw() map[string]any {
	if r == nil || r.values == nil {
		return map[string]any{}
	}
	return r.values
}
