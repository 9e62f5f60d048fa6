package models

import "strings"

// Document is a schema-less key-value map with dot-path helpers.
type Document map[string]any

// Get resolves a dot-separated path such as "entity.owner.id".
func (d Document) Get(path string) (any, bool) {
	if d == nil || path == "" {
		return nil, false
	}

	var current any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case Document:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

// GetString returns the value at path when it is a non-empty string.
func (d Document) GetString(path string) (string, bool) {
	v, ok := d.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Set writes value at path, creating intermediate maps as needed.
func (d Document) Set(path string, value any) {
	if d == nil || path == "" {
		return
	}

	parts := strings.Split(path, ".")
	node := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		switch child := node[part].(type) {
		case map[string]any:
			node = child
			continue
		case Document:
			node = child
			continue
		}
		child := map[string]any{}
		node[part] = child
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
