// Package stats aggregates usage counters reported by shards.
//
// Shards report partial counters as nested JSON objects whose leaves are
// numbers. The aggregator adds each report into three running totals
// (per-command, daily, weekly) and writes full snapshots on a fixed schedule.
package stats

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotTree is returned when a report is not a JSON object.
var ErrNotTree = errors.New("stats: tree must be a JSON object")

// Node is either a leaf counter or a branch of named children. The zero value
// is an empty branch.
type Node struct {
	leaf     bool
	value    float64
	children map[string]*Node
}

// Leaf returns a counter node.
func Leaf(v float64) *Node {
	return &Node{leaf: true, value: v}
}

// Branch returns a category node holding children.
func Branch(children map[string]*Node) *Node {
	if children == nil {
		children = make(map[string]*Node)
	}
	return &Node{children: children}
}

// IsLeaf reports whether n is a counter.
func (n *Node) IsLeaf() bool { return n.leaf }

// Value returns the counter value of a leaf, or 0 for a branch.
func (n *Node) Value() float64 { return n.value }

// Child returns the named child of a branch.
func (n *Node) Child(key string) (*Node, bool) {
	if n == nil || n.leaf {
		return nil, false
	}
	c, ok := n.children[key]
	return c, ok
}

// Keys returns the sorted child names of a branch.
func (n *Node) Keys() []string {
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n.leaf {
		return Leaf(n.value)
	}
	out := Branch(make(map[string]*Node, len(n.children)))
	for k, c := range n.children {
		out.children[k] = c.Clone()
	}
	return out
}

// Merge adds incoming into target. Matching leaves are summed, matching
// branches are merged recursively, and keys missing from target are created
// with a copy of the incoming subtree. When the two sides disagree on shape
// (leaf against branch) the incoming subtree replaces the existing one.
// Both arguments must be branches.
func Merge(target, incoming *Node) {
	if target.children == nil {
		target.children = make(map[string]*Node, len(incoming.children))
	}
	for k, in := range incoming.children {
		cur, ok := target.children[k]
		switch {
		case !ok:
			target.children[k] = in.Clone()
		case cur.leaf && in.leaf:
			cur.value += in.value
		case !cur.leaf && !in.leaf:
			Merge(cur, in)
		default:
			target.children[k] = in.Clone()
		}
	}
}

// MarshalJSON encodes a leaf as a number and a branch as an object.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.leaf {
		return json.Marshal(n.value)
	}
	if n.children == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(n.children)
}

// UnmarshalJSON decodes numbers as leaves and objects as branches. Null
// members are dropped; any other value is an error.
func (n *Node) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("stats: empty value")
	}
	switch data[0] {
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		*n = Node{children: make(map[string]*Node, len(raw))}
		for k, v := range raw {
			if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				continue
			}
			child := &Node{}
			if err := child.UnmarshalJSON(v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			n.children[k] = child
		}
		return nil
	case '"', '[', 't', 'f', 'n':
		return fmt.Errorf("stats: unsupported value %s", truncate(data))
	default:
		var v float64
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		*n = Node{leaf: true, value: v}
		return nil
	}
}

// ParseTree decodes a report fragment. An absent or null fragment is an empty
// tree; anything other than an object is ErrNotTree.
func ParseTree(data json.RawMessage) (*Node, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Branch(nil), nil
	}
	if data[0] != '{' {
		return nil, ErrNotTree
	}
	n := &Node{}
	if err := n.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return n, nil
}

func truncate(b []byte) string {
	const limit = 32
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
