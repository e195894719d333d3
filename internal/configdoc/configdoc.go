// Package configdoc implements the layered TOML configuration loader:
// extends/imports resolution, dotted-path lookup, and schema-driven
// deserialization of config subtrees.
package configdoc

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/forge-build/forge/internal/invariant"
)

// Doc is a loaded, fully-resolved configuration tree: no "extends" or
// "imports" key remains anywhere after Load returns.
type Doc struct {
	Path  string
	Value map[string]interface{}
}

// loadStack tracks canonicalized absolute paths on the active load chain
// for cycle detection.
type loadStack struct {
	seen  map[string]bool
	order []string
}

func newLoadStack() *loadStack {
	return &loadStack{seen: make(map[string]bool)}
}

func (s *loadStack) push(canon string) error {
	if s.seen[canon] {
		return fmt.Errorf("config import cycle detected: %s", canon)
	}
	s.seen[canon] = true
	s.order = append(s.order, canon)
	return nil
}

func (s *loadStack) pop(canon string) {
	delete(s.seen, canon)
	s.order = s.order[:len(s.order)-1]
}

// Load reads a TOML file, resolving its extends/imports chain into one
// tree. Cycle detection and file errors carry the offending path.
func Load(path string) (*Doc, error) {
	return loadInner(path, newLoadStack())
}

func loadInner(path string, stack *loadStack) (*Doc, error) {
	canon, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot resolve path: %w", path, err)
	}
	canon = filepath.Clean(canon)

	if err := stack.push(canon); err != nil {
		return nil, err
	}
	defer stack.pop(canon)

	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	resolved, err := resolveTable(raw, path, filepath.Dir(canon), stack)
	if err != nil {
		return nil, err
	}

	return &Doc{Path: path, Value: resolved}, nil
}

// resolveTable inlines extends/imports declared on table, after first
// recursing into every nested table so that deeper extends/imports are
// resolved relative to the same base directory.
func resolveTable(table map[string]interface{}, ownerPath, baseDir string, stack *loadStack) (map[string]interface{}, error) {
	local := make(map[string]interface{}, len(table))
	for k, v := range table {
		if k == "extends" || k == "imports" {
			continue
		}
		resolved, err := resolveValue(v, ownerPath, baseDir, stack)
		if err != nil {
			return nil, err
		}
		local[k] = resolved
	}

	acc := map[string]interface{}{}

	if raw, ok := table["extends"]; ok {
		parentPath, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s: extends must be a string", ownerPath)
		}
		parentDoc, err := loadInner(filepath.Join(baseDir, parentPath), stack)
		if err != nil {
			return nil, err
		}
		acc = parentDoc.Value
	}

	if raw, ok := table["imports"]; ok {
		items, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: imports must be an array", ownerPath)
		}
		for _, item := range items {
			importPath, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: imports entries must be strings", ownerPath)
			}
			impDoc, err := loadInner(filepath.Join(baseDir, importPath), stack)
			if err != nil {
				return nil, err
			}
			acc = deepMerge(acc, impDoc.Value)
		}
	}

	return deepMerge(acc, local), nil
}

func resolveValue(v interface{}, ownerPath, baseDir string, stack *loadStack) (interface{}, error) {
	switch vv := v.(type) {
	case map[string]interface{}:
		return resolveTable(vv, ownerPath, baseDir, stack)
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(vv))
		for i, elem := range vv {
			resolved, err := resolveTable(elem, ownerPath, baseDir, stack)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, elem := range vv {
			resolved, err := resolveValue(elem, ownerPath, baseDir, stack)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// deepMerge returns a new tree where src overrides dst at every key,
// recursing when both sides hold a table at the same key.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			if em, ok1 := existing.(map[string]interface{}); ok1 {
				if sm, ok2 := v.(map[string]interface{}); ok2 {
					out[k] = deepMerge(em, sm)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// segments splits a dotted path on "."; an empty path yields no segments.
func segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// ValueAt returns the raw value at a dotted path.
func (d *Doc) ValueAt(path string) (interface{}, bool) {
	cur := interface{}(d.Value)
	for _, seg := range segments(path) {
		table, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = table[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// TableAt returns the table at a dotted path, if present and a table.
func (d *Doc) TableAt(path string) (map[string]interface{}, bool) {
	v, ok := d.ValueAt(path)
	if !ok {
		return nil, false
	}
	table, ok := v.(map[string]interface{})
	return table, ok
}

// HasTable reports whether path resolves to a table.
func (d *Doc) HasTable(path string) bool {
	_, ok := d.TableAt(path)
	return ok
}

// DeserializeAt binds the table at path onto a fresh *T (starting from T's
// zero value, i.e. its Go default), returning ok=false when the path is
// absent. Binding round-trips through TOML encode/decode, the same library
// used to load the document, rather than a hand-rolled reflection walker.
func DeserializeAt[T any](d *Doc, path string) (*T, bool, error) {
	invariant.NotNil(d, "doc")

	out := new(T)
	table, ok := d.TableAt(path)
	if !ok {
		return out, false, nil
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(table); err != nil {
		return nil, true, fmt.Errorf("%s: re-encoding config subtree: %w", path, err)
	}
	if _, err := toml.Decode(buf.String(), out); err != nil {
		return nil, true, fmt.Errorf("%s: binding config subtree: %w", path, err)
	}
	return out, true, nil
}
