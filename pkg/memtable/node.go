package memtable

import "sync/atomic"

// maxLevel bounds the skip list's height. The head sentinel always carries
// this many forward pointers.
const maxLevel = 16

// Node is a skip-list node carrying its own level count rather than a fixed
// maximum, plus a record-index identifying its value's slot in the owning
// memtable's record array. The key is immutable after construction; the
// record index and forward links are mutated only through atomics.
//
// A Node holds a non-owning reference to the memtable that allocated it, so
// that WAL logging and lookups can resolve its current value without the
// memtable and its nodes forming an ownership cycle: the memtable owns the
// record array and every node, and outlives every reference a node hands
// out.
type Node struct {
	key       []byte
	recordIdx atomic.Int32
	next      []atomic.Pointer[Node]
	owner     *Memtable
}

func newNode(owner *Memtable, key []byte, level int, recordIdx int32) *Node {
	n := &Node{
		key:   key,
		owner: owner,
		next:  make([]atomic.Pointer[Node], level+1),
	}
	n.recordIdx.Store(recordIdx)
	return n
}

func (n *Node) loadNext(level int) *Node {
	return n.next[level].Load()
}

func (n *Node) casNext(level int, old, new *Node) bool {
	return n.next[level].CompareAndSwap(old, new)
}

// Key returns the node's key.
func (n *Node) Key() []byte { return n.key }

// Value returns the node's current record bytes. Because the record index is
// atomic, this may observe a value newer than the one present when the node
// was found by a lookup; that is read-committed-of-the-latest-insert and is
// the documented behavior, not a bug.
func (n *Node) Value() []byte {
	return n.owner.recordAt(n.recordIdx.Load())
}
