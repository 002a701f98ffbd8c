package replicate

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Transform is a pure payload rewrite applied to one destination.
type Transform func(Record) Record

// TableOptions carries warehouse CREATE TABLE hints (BigQuery only).
type TableOptions struct {
	PartitionField   string   `json:"partitionField,omitempty"`
	PartitionType    string   `json:"partitionType,omitempty"`
	ClusteringFields []string `json:"clusteringFields,omitempty"`
}

// Route binds a source resource to one destination. A resource may carry many
// routes (fan-out); each is attempted independently.
type Route struct {
	// Target is the dialect-specific destination handle: table, collection,
	// queue URL, webhook path segment, or file path template.
	Target string
	// Actions is the subset of operations this route accepts.
	// Empty parses to {insert}.
	Actions []Operation
	// Transform rewrites the payload after internal-field cleaning. Optional.
	Transform Transform
	// Patch is an RFC 7386 merge patch applied before Transform. Optional.
	Patch json.RawMessage

	// DynamoDB key schema. PrimaryKey defaults to "id".
	PrimaryKey string
	SortKey    string

	// BigQuery-only knobs.
	Mutability   string
	TableOptions *TableOptions
}

// Accepts reports whether the route allows |op|.
func (r Route) Accepts(op Operation) bool {
	for _, a := range r.Actions {
		if a == op {
			return true
		}
	}
	return false
}

// Apply runs the route's patch and transform against |data|, returning the
// payload to write. The input record is not mutated.
func (r Route) Apply(data Record) (Record, error) {
	var out = data

	if len(r.Patch) > 0 {
		doc, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload for patch: %w", err)
		}
		patched, err := jsonpatch.MergePatch(doc, r.Patch)
		if err != nil {
			return nil, fmt.Errorf("applying merge patch: %w", err)
		}
		var next Record
		if err = json.Unmarshal(patched, &next); err != nil {
			return nil, fmt.Errorf("unmarshalling patched payload: %w", err)
		}
		out = next
	}

	if r.Transform != nil {
		out = r.Transform(out)
	}
	return out, nil
}

// targetKeys are the struct-form keys recognised as a destination handle, in
// precedence order. Drivers parse the same four syntactic forms; only the key
// naming the target differs across dialects.
var targetKeys = []string{"target", "table", "collection", "queueUrl", "resource", "path"}

// ParseRoutes normalises one resource's routing configuration into the list
// form. Accepted shapes:
//
//  1. "dest"                         -> [{Target: "dest", Actions: [insert]}]
//  2. ["a", {...}, ...]              -> mapped element-wise
//  3. {"table": "dest", ...}         -> singleton list
//  4. func(Record) Record            -> pass-through transform against the
//     same-named destination (sibling driver only; Target is filled in
//     with |resource| here).
func ParseRoutes(resource string, raw interface{}) ([]Route, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("resource %q: empty routing config", resource)
	case string:
		return []Route{{Target: v, Actions: []Operation{OpInsert}}}, nil
	case Transform:
		return []Route{{Target: resource, Transform: v, Actions: []Operation{OpInsert}}}, nil
	case func(Record) Record:
		return []Route{{Target: resource, Transform: v, Actions: []Operation{OpInsert}}}, nil
	case []interface{}:
		var out []Route
		for i, elem := range v {
			routes, err := ParseRoutes(resource, elem)
			if err != nil {
				return nil, fmt.Errorf("resource %q entry %d: %w", resource, i, err)
			}
			out = append(out, routes...)
		}
		return out, nil
	case map[string]interface{}:
		route, err := parseRouteStruct(resource, v)
		if err != nil {
			return nil, err
		}
		return []Route{route}, nil
	default:
		return nil, fmt.Errorf("resource %q: unsupported routing config type %T", resource, raw)
	}
}

func parseRouteStruct(resource string, m map[string]interface{}) (Route, error) {
	var route = Route{PrimaryKey: "id"}

	for _, key := range targetKeys {
		if s, ok := m[key].(string); ok && s != "" {
			route.Target = s
			break
		}
	}
	if route.Target == "" {
		return Route{}, fmt.Errorf("resource %q: route has no target", resource)
	}

	var rawActions, ok = m["actions"]
	if !ok {
		rawActions = m["allowedActions"]
	}
	switch actions := rawActions.(type) {
	case nil:
		route.Actions = []Operation{OpInsert}
	case []interface{}:
		for _, a := range actions {
			s, ok := a.(string)
			if !ok || !Operation(s).Valid() {
				return Route{}, fmt.Errorf("resource %q: invalid action %v", resource, a)
			}
			route.Actions = append(route.Actions, Operation(s))
		}
		if len(route.Actions) == 0 {
			route.Actions = []Operation{OpInsert}
		}
	case []string:
		for _, s := range actions {
			if !Operation(s).Valid() {
				return Route{}, fmt.Errorf("resource %q: invalid action %q", resource, s)
			}
			route.Actions = append(route.Actions, Operation(s))
		}
	default:
		return Route{}, fmt.Errorf("resource %q: unsupported actions type %T", resource, rawActions)
	}

	switch fn := m["transform"].(type) {
	case nil:
	case Transform:
		route.Transform = fn
	case func(Record) Record:
		route.Transform = fn
	default:
		return Route{}, fmt.Errorf("resource %q: transform must be a function, got %T", resource, fn)
	}

	if patch, ok := m["patch"]; ok {
		raw, err := json.Marshal(patch)
		if err != nil {
			return Route{}, fmt.Errorf("resource %q: encoding patch: %w", resource, err)
		}
		route.Patch = raw
	}

	if s, ok := m["primaryKey"].(string); ok && s != "" {
		route.PrimaryKey = s
	}
	if s, ok := m["sortKey"].(string); ok {
		route.SortKey = s
	}
	if s, ok := m["mutability"].(string); ok {
		route.Mutability = s
	}
	if opts, ok := m["tableOptions"]; ok {
		raw, err := json.Marshal(opts)
		if err != nil {
			return Route{}, fmt.Errorf("resource %q: encoding tableOptions: %w", resource, err)
		}
		var parsed TableOptions
		if err = json.Unmarshal(raw, &parsed); err != nil {
			return Route{}, fmt.Errorf("resource %q: parsing tableOptions: %w", resource, err)
		}
		route.TableOptions = &parsed
	}

	return route, nil
}

// ParseResourceRoutes normalises a whole resources map. Keys are source
// resource names; values are any of the four accepted route forms.
func ParseResourceRoutes(resources map[string]interface{}) (map[string][]Route, error) {
	var out = make(map[string][]Route, len(resources))
	for name, raw := range resources {
		routes, err := ParseRoutes(name, raw)
		if err != nil {
			return nil, err
		}
		out[name] = routes
	}
	return out, nil
}

// ValidateRoutes collects routing invariant violations: every route must have
// a non-empty target and a non-empty subset of the legal action set.
func ValidateRoutes(routes map[string][]Route) []string {
	var problems []string
	for resource, list := range routes {
		if len(list) == 0 {
			problems = append(problems, fmt.Sprintf("resource %q has no destinations", resource))
		}
		for _, route := range list {
			if route.Target == "" {
				problems = append(problems, fmt.Sprintf("resource %q has a route without a target", resource))
			}
			if len(route.Actions) == 0 {
				problems = append(problems, fmt.Sprintf("resource %q route %q has no actions", resource, route.Target))
			}
			for _, a := range route.Actions {
				if !a.Valid() {
					problems = append(problems, fmt.Sprintf("resource %q route %q has invalid action %q", resource, route.Target, a))
				}
			}
		}
	}
	return problems
}
