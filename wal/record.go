// Package wal implements the compact typed write-ahead log of spec.md
// §4.4: intent records chained in physical order, written by the
// backend at delta transition and consumed by replay on mount.
package wal

import "fmt"

// Type is a log record's one-byte type code, grounded on
// original_source/kernel/log.c's LOG_* enum.
type Type uint8

const (
	Balloc Type = iota + 1
	Bfree
	BfreeOnUnify
	BfreeRelog
	LeafRedirect
	LeafFree
	BnodeRedirect
	BnodeRoot
	BnodeSplit
	BnodeAdd
	BnodeUpdate
	BnodeMerge
	BnodeDel
	BnodeAdjust
	BnodeFree
	OrphanAdd
	OrphanDel
	Freeblocks
	Unify
	Delta
	numTypes
)

func (t Type) String() string {
	switch t {
	case Balloc:
		return "BALLOC"
	case Bfree:
		return "BFREE"
	case BfreeOnUnify:
		return "BFREE_ON_UNIFY"
	case BfreeRelog:
		return "BFREE_RELOG"
	case LeafRedirect:
		return "LEAF_REDIRECT"
	case LeafFree:
		return "LEAF_FREE"
	case BnodeRedirect:
		return "BNODE_REDIRECT"
	case BnodeRoot:
		return "BNODE_ROOT"
	case BnodeSplit:
		return "BNODE_SPLIT"
	case BnodeAdd:
		return "BNODE_ADD"
	case BnodeUpdate:
		return "BNODE_UPDATE"
	case BnodeMerge:
		return "BNODE_MERGE"
	case BnodeDel:
		return "BNODE_DEL"
	case BnodeAdjust:
		return "BNODE_ADJUST"
	case BnodeFree:
		return "BNODE_FREE"
	case OrphanAdd:
		return "ORPHAN_ADD"
	case OrphanDel:
		return "ORPHAN_DEL"
	case Freeblocks:
		return "FREEBLOCKS"
	case Unify:
		return "UNIFY"
	case Delta:
		return "DELTA"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// size is the encoded byte length of each record type including its
// one-byte type code, matching original_source/kernel/log.c's log_size
// table exactly (u48 fields are packed as 6 bytes, u16 as 2, u32 as 4).
var size = [numTypes]int{
	Balloc:        11, // type(1) + count(4) + block(6)
	Bfree:         11,
	BfreeOnUnify:  11,
	BfreeRelog:    11,
	LeafRedirect:  13, // type(1) + old(6) + new(6)
	LeafFree:      7,  // type(1) + leaf(6)
	BnodeRedirect: 13,
	BnodeRoot:     26, // type(1) + depth(1) + root(6) + left(6) + right(6) + rkey(6)
	BnodeSplit:    15, // type(1) + pos(2) + src(6) + dst(6)
	BnodeAdd:      19, // type(1) + parent(6) + child(6) + key(6)
	BnodeUpdate:   19,
	BnodeMerge:    13,
	BnodeDel:      15, // type(1) + count(2) + bnode(6) + key(6)
	BnodeAdjust:   19,
	BnodeFree:     7,
	OrphanAdd:     9, // type(1) + version(2) + inum(6)
	OrphanDel:     9,
	Freeblocks:    7, // type(1) + freeblocks(6)
	Unify:         1,
	Delta:         1,
}

// Size returns the on-disk length of a record of type t, including its
// type byte.
func Size(t Type) int { return size[t] }
