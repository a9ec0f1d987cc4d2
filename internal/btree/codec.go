package btree

import (
	"encoding/binary"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
	"github.com/VanitasCaesar1/mantisdb/internal/page"
)

// encodeNode serializes n into a page. Layout of the page's data area:
//
//	leaf nodes:     [siblingID u32][count u16]{ [keyLen u16][valLen u32][key][val] }...
//	internal nodes: [leftmost u32][count u16]{ [keyLen u16][child u32][key] }...
func encodeNode(n *node) *page.Page {
	t := page.TypeBTreeLeaf
	if !n.leaf {
		t = page.TypeBTreeInternal
	}
	p := page.New(n.id, t)
	buf := p.Data[:]
	off := 0

	if n.leaf {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(n.sibling))
		off += 4
	} else {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(n.leftmost))
		off += 4
	}
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(n.entries)))
	off += 2

	for _, e := range n.entries {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(e.key)))
		off += 2
		if n.leaf {
			binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(e.value)))
			off += 4
		} else {
			binary.BigEndian.PutUint32(buf[off:off+4], uint32(e.child))
			off += 4
		}
		off += copy(buf[off:], e.key)
		if n.leaf {
			off += copy(buf[off:], e.value)
		}
	}

	p.Header.SlotCount = uint16(len(n.entries))
	p.Header.FreeSpaceOff = uint16(off)
	if n.leaf {
		p.Header.RightSibling = n.sibling
	}
	return p
}

func decodeNode(p *page.Page) (*node, error) {
	n := &node{id: p.Header.PageID, leaf: p.Header.PageType == page.TypeBTreeLeaf}
	buf := p.Data[:]
	off := 0

	if n.leaf {
		n.sibling = page.ID(binary.BigEndian.Uint32(buf[off : off+4]))
	} else {
		n.leftmost = page.ID(binary.BigEndian.Uint32(buf[off : off+4]))
	}
	off += 4
	count := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2

	n.entries = make([]entry, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(buf) {
			return nil, errs.New(errs.Corruption, "btree node %d: truncated entry header", n.id)
		}
		keyLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		var e entry
		if n.leaf {
			valLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
			off += 4
			e.key = append([]byte(nil), buf[off:off+keyLen]...)
			off += keyLen
			e.value = append([]byte(nil), buf[off:off+valLen]...)
			off += valLen
		} else {
			e.child = page.ID(binary.BigEndian.Uint32(buf[off : off+4]))
			off += 4
			e.key = append([]byte(nil), buf[off:off+keyLen]...)
			off += keyLen
		}
		n.entries = append(n.entries, e)
	}
	return n, nil
}
