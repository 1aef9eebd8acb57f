// Package tasktree indexes parent/child task relationships by id.
//
// Nodes live in a flat arena addressed by task id and children are indexed by
// parent id, so subtree walks never recurse through pointers and tolerate
// edges arriving in any order.
package tasktree

import "errors"

// ErrCycle is returned when an edge would make a task its own ancestor.
var ErrCycle = errors.New("tasktree: cycle detected")

// Tree is an arena of task ids keyed by parent.
type Tree struct {
	parent   map[int64]int64
	children map[int64][]int64
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		parent:   make(map[int64]int64),
		children: make(map[int64][]int64),
	}
}

// Add records id as a child of parent. A zero parent marks a root.
func (t *Tree) Add(id, parent int64) error {
	if _, exists := t.parent[id]; exists {
		return nil
	}
	if parent != 0 && t.isAncestor(id, parent) {
		return ErrCycle
	}
	t.parent[id] = parent
	if parent != 0 {
		t.children[parent] = append(t.children[parent], id)
	}
	return nil
}

// Contains reports whether id has been added.
func (t *Tree) Contains(id int64) bool {
	_, ok := t.parent[id]
	return ok
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.parent)
}

// Children returns the direct children of id in insertion order.
func (t *Tree) Children(id int64) []int64 {
	return append([]int64(nil), t.children[id]...)
}

// Subtree returns root and all its descendants, descendants before their
// ancestors, so deleting in the returned order never orphans a row.
func (t *Tree) Subtree(root int64) []int64 {
	order := make([]int64, 0, 1+len(t.children[root]))
	visited := make(map[int64]bool)
	// iterative post-order
	type frame struct {
		id   int64
		next int
	}
	stack := []frame{{id: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		kids := t.children[top.id]
		if top.next < len(kids) {
			child := kids[top.next]
			top.next++
			if !visited[child] {
				visited[child] = true
				stack = append(stack, frame{id: child})
			}
			continue
		}
		order = append(order, top.id)
		stack = stack[:len(stack)-1]
	}
	return order
}

func (t *Tree) isAncestor(candidate, of int64) bool {
	seen := make(map[int64]bool)
	for cur := of; cur != 0 && !seen[cur]; cur = t.parent[cur] {
		if cur == candidate {
			return true
		}
		seen[cur] = true
	}
	return false
}
