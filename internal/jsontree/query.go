package jsontree

import "github.com/theory/jsonpath"

// Query evaluates an RFC 9535 JSONPath expression (e.g. "$.user.id")
// against the tree. This supplements the native "!a!b" accessor with
// predicate/wildcard/slice selection for templates and query-language
// consumers that already speak JSONPath; Get/Set/Delete remain the
// primary, spec-mandated accessor.
func (r *Root) Query(expr string) ([]any, error) {
	path, err := jsonpath.Parse(expr)
	if err != nil {
		return nil, err
	}
	return path.Select(r.Raw()), nil
}
