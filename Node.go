package corvus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// pair is a logical key-value row, carried at a fixed-width slot inside a
// node's payload:
//
//	key_len(2) | key_bytes(key_size, zero-padded) | key_type(1) |
//	value_len(4) | value_bytes(value_size, zero-padded) | value_type(1)
type pair struct {
	key       []byte
	keyType   byte
	value     []byte
	valueType byte
}

// node is a branch or leaf node of the paged B-tree. Branch nodes carry
// |pairs|+1 children; leaf nodes carry none. Nodes are owned by the page
// cache (C3); the engine borrows them for the duration of one operation.
type node struct {
	page         uint32
	pairs        []pair
	children     []uint32 // empty for a leaf
	nextOverflow uint32
}

func (n *node) isLeaf() bool { return len(n.children) == 0 }

// search returns the position of key in n.pairs (sort.Search semantics): if
// found is true, pairs[idx].key == key; otherwise idx is both the
// insertion point for a new pair and, for a branch node, the index of the
// child subtree that may contain key.
func (n *node) search(key []byte) (idx int, found bool) {
	idx = sort.Search(len(n.pairs), func(i int) bool {
		return bytes.Compare(n.pairs[i].key, key) >= 0
	})
	found = idx < len(n.pairs) && bytes.Equal(n.pairs[idx].key, key)
	return idx, found
}

func (n *node) insertPairAt(idx int, p pair) {
	n.pairs = append(n.pairs, pair{})
	copy(n.pairs[idx+1:], n.pairs[idx:])
	n.pairs[idx] = p
}

func (n *node) removePairAt(idx int) pair {
	p := n.pairs[idx]
	copy(n.pairs[idx:], n.pairs[idx+1:])
	n.pairs = n.pairs[:len(n.pairs)-1]
	return p
}

func (n *node) insertChildAt(idx int, page uint32) {
	n.children = append(n.children, 0)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = page
}

func (n *node) removeChildAt(idx int) uint32 {
	p := n.children[idx]
	copy(n.children[idx:], n.children[idx+1:])
	n.children = n.children[:len(n.children)-1]
	return p
}

func (n *node) popFirstPair() pair    { return n.removePairAt(0) }
func (n *node) popLastPair() pair     { return n.removePairAt(len(n.pairs) - 1) }
func (n *node) popFirstChild() uint32 { return n.removeChildAt(0) }
func (n *node) popLastChild() uint32  { return n.removeChildAt(len(n.children) - 1) }

func (n *node) appendPair(p pair)    { n.insertPairAt(len(n.pairs), p) }
func (n *node) appendChild(c uint32) { n.insertChildAt(len(n.children), c) }

// payload serializes the pairs and children regions (without the page
// header), in the fixed-slot layout spec.md §3 defines.
func (n *node) payload(keySize, valueSize int) []byte {
	slotSize := pairSlotSize(keySize, valueSize)
	out := make([]byte, 0, len(n.pairs)*slotSize+len(n.children)*PageAddrSize)

	for _, p := range n.pairs {
		out = append(out, serializePair(p, keySize, valueSize)...)
	}
	for _, c := range n.children {
		var b [PageAddrSize]byte
		binary.BigEndian.PutUint32(b[:], c)
		out = append(out, b[:]...)
	}

	return out
}

func pairSlotSize(keySize, valueSize int) int {
	return KeyLenSize + keySize + CodecTagSize + ValueLenSize + valueSize + CodecTagSize
}

func serializePair(p pair, keySize, valueSize int) []byte {
	slot := make([]byte, pairSlotSize(keySize, valueSize))
	off := 0

	binary.BigEndian.PutUint16(slot[off:], uint16(len(p.key)))
	off += KeyLenSize
	copy(slot[off:off+keySize], p.key)
	off += keySize
	slot[off] = p.keyType
	off += CodecTagSize

	binary.BigEndian.PutUint32(slot[off:], uint32(len(p.value)))
	off += ValueLenSize
	copy(slot[off:off+valueSize], p.value)
	off += valueSize
	slot[off] = p.valueType

	return slot
}

func deserializePair(slot []byte, keySize, valueSize int) (pair, error) {
	if len(slot) != pairSlotSize(keySize, valueSize) {
		return pair{}, fmt.Errorf("%w: pair slot has wrong width", ErrCorruptData)
	}

	off := 0
	keyLen := binary.BigEndian.Uint16(slot[off:])
	off += KeyLenSize
	if int(keyLen) > keySize {
		return pair{}, fmt.Errorf("%w: key_len %d exceeds key_size %d", ErrCorruptData, keyLen, keySize)
	}
	key := append([]byte(nil), slot[off:off+int(keyLen)]...)
	off += keySize
	keyType := slot[off]
	off += CodecTagSize

	valueLen := binary.BigEndian.Uint32(slot[off:])
	off += ValueLenSize
	if int(valueLen) > valueSize {
		return pair{}, fmt.Errorf("%w: value_len %d exceeds value_size %d", ErrCorruptData, valueLen, valueSize)
	}
	value := append([]byte(nil), slot[off:off+int(valueLen)]...)
	off += valueSize
	valueType := slot[off]

	return pair{key: key, keyType: keyType, value: value, valueType: valueType}, nil
}

// loadNode parses a node out of the concatenated bytes of its head page and
// (if any) its overflow chain payload, per the normal-page layout in
// spec.md §3.
func loadNode(page uint32, head []byte, overflowPayload []byte, cfg TreeConfig) (*node, error) {
	if len(head) < nodeHeaderSize {
		return nil, fmt.Errorf("%w: page %d shorter than node header", ErrCorruptData, page)
	}
	if head[0] != pageNormal {
		return nil, fmt.Errorf("%w: page %d has type %d, want NORMAL", ErrCorruptData, page, head[0])
	}

	off := PageTypeSize
	pairsLen := int(binary.BigEndian.Uint16(head[off:]))
	off += NodeLenSize
	childrenLen := int(binary.BigEndian.Uint16(head[off:]))
	off += NodeLenSize
	nextOverflow := binary.BigEndian.Uint32(head[off:])
	off += PageAddrSize

	payload := append([]byte(nil), head[off:]...)
	payload = append(payload, overflowPayload...)

	need := pairsLen + childrenLen
	if len(payload) < need {
		return nil, fmt.Errorf("%w: page %d payload shorter than declared length", ErrCorruptData, page)
	}
	payload = payload[:need]

	slotSize := pairSlotSize(cfg.KeySize, cfg.ValueSize)
	if pairsLen%slotSize != 0 {
		return nil, fmt.Errorf("%w: page %d pairs region not a multiple of slot size", ErrCorruptData, page)
	}

	n := &node{page: page, nextOverflow: nextOverflow}

	numPairs := pairsLen / slotSize
	n.pairs = make([]pair, numPairs)
	for i := 0; i < numPairs; i++ {
		p, err := deserializePair(payload[i*slotSize:(i+1)*slotSize], cfg.KeySize, cfg.ValueSize)
		if err != nil {
			return nil, err
		}
		n.pairs[i] = p
	}

	if childrenLen%PageAddrSize != 0 {
		return nil, fmt.Errorf("%w: page %d children region not a multiple of page address size", ErrCorruptData, page)
	}
	numChildren := childrenLen / PageAddrSize
	n.children = make([]uint32, numChildren)
	childStart := pairsLen
	for i := 0; i < numChildren; i++ {
		n.children[i] = binary.BigEndian.Uint32(payload[childStart+i*PageAddrSize:])
	}

	return n, nil
}
