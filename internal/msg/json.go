package msg

import (
	"fmt"
	"strings"
)

// AddJSON merges value into the property tree at path, creating
// intermediate objects on demand. If the leaf already holds a scalar it
// is replaced; if both sides are objects their keys are unioned with
// value's keys winning ties (spec §4.1).
func (m *Message) AddJSON(path string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.props.Set(path, value); err != nil {
		return fmt.Errorf("msg: add_json: %w", err)
	}
	return nil
}

// GetJSON reads the value at path without modifying the tree. A path
// beginning with "$" is evaluated as an RFC 9535 JSONPath expression
// (jsontree.Root.Query), letting callers reach into arrays and use
// predicates the native "!a!b" accessor can't express; anything else
// goes through the plain accessor.
func (m *Message) GetJSON(path string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.HasPrefix(path, "$") {
		matches, err := m.props.Query(path)
		if err != nil {
			return nil, fmt.Errorf("msg: get_json: %w", err)
		}
		if len(matches) == 0 {
			return nil, nil
		}
		if len(matches) == 1 {
			return matches[0], nil
		}
		return matches, nil
	}
	v, err := m.props.Get(path)
	if err != nil {
		return nil, fmt.Errorf("msg: get_json: %w", err)
	}
	return v, nil
}

// DelJSON removes path, failing with ErrNotFound if it does not exist.
func (m *Message) DelJSON(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.props.Delete(path); err != nil {
		return fmt.Errorf("msg: del_json: %w", err)
	}
	return nil
}

// JSONText renders the property tree as a JSON string (used by
// serialization and by the "json" property name in GetProperty).
func (m *Message) JSONText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.props.MarshalText()
}
