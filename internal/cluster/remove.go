package cluster

// Remove deletes key from the tree rooted at root and returns the
// (possibly collapsed) root plus whether key was found. When the call is
// reentrant - triggered from inside a node allocation this same Remove
// needed in order to free a node it just emptied - the structural shrink
// of an already-locked ancestor is deferred by marking it dirty instead
// of mutated directly; cleanupNode resolves that deferral once a later,
// non-reentrant visit to the node observes it.
func (t *Tree) Remove(root uintptr, key []byte) (uintptr, bool) {
	outermost := t.enter()
	defer t.leave(outermost)

	if root == 0 {
		return 0, false
	}

	removed := t.removeFrom(root, key)
	if !removed {
		return root, false
	}

	newRoot := root
	if outermost {
		newRoot = t.dropRootChain(root)
	}
	return newRoot, true
}

// removeFrom deletes key somewhere in node's subtree. Leaf items are
// always removed directly and immediately - this port never tombstones
// at item granularity, only at the child-reference granularity a parent
// holds on its children, which is enough to satisfy the same invariants
// the literal zeroed-offset-item scheme would (see DESIGN.md).
func (t *Tree) removeFrom(node uintptr, key []byte) bool {
	prevLocked := t.isLocked(node)
	t.setLocked(node, true)
	defer t.setLocked(node, prevLocked)

	if !prevLocked && t.isDirty(node) {
		t.cleanupNode(node)
	}

	if t.isLeaf(node) {
		idx, found := t.findInLeaf(node, key)
		if !found {
			return false
		}
		t.removeLeafAt(node, idx)
		return true
	}

	childIdx := t.locateChild(node, key)
	child := t.childAt(node, childIdx)
	if !t.removeFrom(child, key) {
		return false
	}

	t.combine(node, childIdx, prevLocked)
	t.recomputeBounds(node)
	return true
}

// combine resolves the aftermath of a child shrinking: drop it if empty,
// or merge it with a neighbour if the two now fit in one node together.
// When parentPrevLocked is true the parent is already locked by an outer
// frame that is still relying on its current child layout, so the
// structural change is deferred (parent marked dirty and queued) instead
// of applied immediately.
func (t *Tree) combine(parent uintptr, childIdx int, parentPrevLocked bool) {
	child := t.childAt(parent, childIdx)

	if t.itemCountOf(child) == 0 {
		if parentPrevLocked {
			t.setDirty(parent, true)
			t.enqueueDirty(parent)
			return
		}
		t.removeChildAt(parent, childIdx)
		t.freeNode(child)
		return
	}

	if childIdx > 0 {
		left := t.childAt(parent, childIdx-1)
		if t.count(left)+t.count(child) <= Fanout {
			if parentPrevLocked {
				t.setDirty(parent, true)
				t.enqueueDirty(parent)
				return
			}
			t.mergeInto(left, child)
			t.recomputeBounds(left)
			t.removeChildAt(parent, childIdx)
			t.freeNode(child)
			return
		}
	}

	if childIdx < t.count(parent)-1 {
		right := t.childAt(parent, childIdx+1)
		if t.count(child)+t.count(right) <= Fanout {
			if parentPrevLocked {
				t.setDirty(parent, true)
				t.enqueueDirty(parent)
				return
			}
			t.mergeInto(child, right)
			t.recomputeBounds(child)
			t.removeChildAt(parent, childIdx+1)
			t.freeNode(right)
			return
		}
	}
}

// mergeInto appends src's items or children onto the end of dst. The
// caller guarantees dst has room for all of src's slots.
func (t *Tree) mergeInto(dst, src uintptr) {
	n := t.count(src)
	if t.isLeaf(src) {
		for i := 0; i < n; i++ {
			t.insertLeafAt(dst, t.count(dst), t.itemAt(src, i))
		}
		return
	}
	for i := 0; i < n; i++ {
		t.insertChildAt(dst, t.count(dst), t.childAt(src, i))
	}
}

// cleanupNode re-resolves every deferred combine decision on a dirty
// node's children, now that it is safe to mutate them directly. It keeps
// rescanning from the left until a full pass makes no further change,
// since resolving one index can make its new neighbour eligible too.
func (t *Tree) cleanupNode(parent uintptr) {
	for {
		changed := false
		before := t.count(parent)
		for i := 0; i < t.count(parent); i++ {
			t.combine(parent, i, false)
			if t.count(parent) != before {
				changed = true
				break
			}
		}
		if !changed {
			break
		}
	}
	t.setDirty(parent, false)
	t.recomputeBounds(parent)
}

// dropRootChain collapses a root that has been left with zero or exactly
// one child after a deferred-free drain, stopping as soon as it reaches
// a still-useful node or a node some outer frame still has locked. A
// leaf root is only ever collapsed by freeing it outright once emptied
// (it has no child to promote in its place) - a bare "return early on
// any leaf" would otherwise leak the last node of a tree drained down to
// nothing, since nothing else in Remove ever frees a lone, empty leaf
// root.
func (t *Tree) dropRootChain(root uintptr) uintptr {
	for {
		if root == 0 || t.isLocked(root) {
			return root
		}
		if t.isLeaf(root) {
			if t.count(root) == 0 {
				old := root
				root = 0
				t.freeNode(old)
			}
			return root
		}
		n := t.count(root)
		if n == 0 {
			old := root
			root = 0
			t.freeNode(old)
			continue
		}
		if n == 1 {
			old := root
			root = t.childAt(root, 0)
			t.freeNode(old)
			continue
		}
		return root
	}
}
