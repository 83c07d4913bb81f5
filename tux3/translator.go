package tux3

import (
	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/bufvec"
	"github.com/tux3fs/tux3fs/common"
)

// identityTranslator serves a volume-wide metadata tree (itable, atable)
// whose Map indexes blocks by their own physical address: every bnode
// and leaf is written where NewEmpty/Cursor.Redirect allocated it, so
// there is no separate logical-to-physical indirection to resolve.
type identityTranslator struct{}

func (identityTranslator) Translate(rw bufcache.RW, first common.Block, n int) ([]bufvec.Extent, error) {
	return []bufvec.Extent{{LogicalOffset: 0, Physical: first, Len: n}}, nil
}
