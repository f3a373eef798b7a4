// Package stackdoc models the stack descriptor (spec §3: "a structured
// document equivalent to a Compose v3 file") as an ordered, duplicate-key-
// checked tree, and serializes it deterministically: sorted keys at every
// level, block style, no anchors. This is the Recipe Engine's "Read" and
// "Emit" steps (spec §4.3 steps 3 and 5); internal/recipe's rewrite steps
// operate on the *Document this package returns.
package stackdoc

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Document is the canonical in-memory form of a stack descriptor: an
// ordered mapping, represented here as a generic tree of
// map[string]any / []any / scalars rooted at Root.
type Document struct {
	Root map[string]any
}

// Parse decodes a stack file into a Document, rejecting duplicate mapping
// keys at any level (spec §4.3 step 3: "duplicate keys are an error").
// yaml.v3's default map decode silently keeps the last value for a
// duplicate key, so duplicates are detected with an explicit walk over the
// raw node tree before the generic decode happens.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse stack file: %w", err)
	}
	if len(root.Content) == 0 {
		return &Document{Root: map[string]any{}}, nil
	}

	top := root.Content[0]
	if err := checkDuplicateKeys(top); err != nil {
		return nil, fmt.Errorf("parse stack file: %w", err)
	}

	var decoded map[string]any
	if err := top.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("parse stack file: %w", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return &Document{Root: normalizeMaps(decoded).(map[string]any)}, nil
}

// checkDuplicateKeys walks a yaml.Node tree and errors on any mapping node
// that repeats a key, at any depth.
func checkDuplicateKeys(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		seen := make(map[string]bool, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if seen[key] {
				return fmt.Errorf("duplicate key %q at line %d", key, node.Content[i].Line)
			}
			seen[key] = true
			if err := checkDuplicateKeys(node.Content[i+1]); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := checkDuplicateKeys(child); err != nil {
				return err
			}
		}
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := checkDuplicateKeys(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalizeMaps converts any map[any]any produced by generic yaml decode
// into map[string]any recursively, so downstream code never has to
// type-switch on both.
func normalizeMaps(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeMaps(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeMaps(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeMaps(val)
		}
		return out
	default:
		return v
	}
}

// Marshal serializes the document canonically: keys sorted at every
// level, block style, no anchors (spec §4.3 step 5 and §3 "serialization
// is deterministic"). This byte sequence is what gets digested into
// last_deployed_stack_digest and sent to the orchestrator verbatim.
func (d *Document) Marshal() ([]byte, error) {
	node := toNode(d.Root)
	out, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marshal stack document: %w", err)
	}
	return out, nil
}

// toNode builds a *yaml.Node tree from a generic value, sorting map keys
// so the encoder's output order is fully determined by content, never by
// decode order or map iteration order.
func toNode(v any) *yaml.Node {
	switch t := v.(type) {
	case map[string]any:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
			node.Content = append(node.Content, keyNode, toNode(t[k]))
		}
		return node
	case []any:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			node.Content = append(node.Content, toNode(item))
		}
		return node
	default:
		var scalar yaml.Node
		_ = scalar.Encode(t)
		return &scalar
	}
}

// Services returns the top-level services map, keyed by service name;
// callers that need a deterministic order sort its keys themselves.
func (d *Document) Services() map[string]any {
	return mapAt(d.Root, "services")
}

// Volumes returns the top-level named volumes map.
func (d *Document) Volumes() map[string]any {
	return mapAt(d.Root, "volumes")
}

func mapAt(root map[string]any, key string) map[string]any {
	v, ok := root[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

// ImageRefs enumerates the services.*.image fields present in the
// document, used by the Registry Watcher to compute the images
// fingerprint (spec §4.2).
func (d *Document) ImageRefs() []string {
	services := d.Services()
	refs := make([]string, 0, len(services))
	for _, svc := range services {
		m, ok := svc.(map[string]any)
		if !ok {
			continue
		}
		if img, ok := m["image"].(string); ok && img != "" {
			refs = append(refs, img)
		}
	}
	sort.Strings(refs)
	return refs
}
