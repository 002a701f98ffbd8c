package replicate

import (
	"context"
	"strings"
)

// SourceDatabase is the read surface of the object-store-backed document
// database this engine replicates from. The engine consumes resource schema
// metadata through it; the sibling driver additionally writes through it.
type SourceDatabase interface {
	// Resource returns the named resource, or an error if it does not exist.
	Resource(name string) (Resource, error)
}

// Resource is one source collection. Attributes values are either the pipe
// notation string ("string|required|maxlength:50") or a structured config map
// carrying at least a "type" key.
type Resource interface {
	Name() string
	Attributes() map[string]interface{}
	// PluginAttributeNames lists fields injected by adjacent subsystems.
	// They are excluded from every replicated payload and every generated schema.
	PluginAttributeNames() []string

	// Write surface, used by the sibling driver only.
	Insert(ctx context.Context, data Record) (Record, error)
	Update(ctx context.Context, id string, data Record) (Record, error)
	Delete(ctx context.Context, id string) error
}

// AttributeType extracts the type notation for one attribute value, which may
// be a plain string or a structured map with a "type" key. Unknown shapes map
// to the empty string.
func AttributeType(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		if s, ok := t["type"].(string); ok {
			return s
		}
	}
	return ""
}

// ReplicableAttributes returns the resource attribute map minus its
// plugin-injected names, preserving the remaining entries as-is.
func ReplicableAttributes(r Resource) map[string]interface{} {
	var skip = make(map[string]struct{})
	for _, name := range r.PluginAttributeNames() {
		skip[name] = struct{}{}
	}

	var out = make(map[string]interface{})
	for name, attr := range r.Attributes() {
		if _, ok := skip[name]; ok {
			continue
		}
		out[name] = attr
	}
	return out
}

// CleanRecord strips internal fields (keys starting with "$" or "_") and the
// given plugin-injected attributes from |data|, returning a shallow copy.
// MongoDB passes keepUnderscoreID to preserve "_id", its destination key.
func CleanRecord(data Record, pluginAttrs []string, keepUnderscoreID bool) Record {
	var skip = make(map[string]struct{}, len(pluginAttrs))
	for _, name := range pluginAttrs {
		skip[name] = struct{}{}
	}

	var out = make(Record, len(data))
	for key, value := range data {
		if keepUnderscoreID && key == "_id" {
			out[key] = value
			continue
		}
		if strings.HasPrefix(key, "$") || strings.HasPrefix(key, "_") {
			continue
		}
		if _, ok := skip[key]; ok {
			continue
		}
		out[key] = value
	}
	return out
}
