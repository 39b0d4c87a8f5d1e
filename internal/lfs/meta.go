package lfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-restruct/restruct"
	"github.com/google/uuid"
)

const (
	formatVersion = 0x00020001

	// headerFixedSize is the size of a [pairHeader] without spill entries.
	headerFixedSize = 52
	spillCountOff   = 48
)

var (
	pairMagic = [8]byte{'l', 'i', 't', 't', 'l', 'e', 'f', 's'}

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("lfs: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("lfs: CBOR decoder initialization failed: " + err.Error())
	}
}

// pairHeader starts each block of the metadata pair. The table follows
// directly, continuing into the spill blocks when it does not fit.
type pairHeader struct {
	Magic      [8]byte
	Version    uint32
	Revision   uint32
	BlockSize  uint32
	BlockCount uint32
	Volume     [16]byte
	TableLen   uint32
	TableCRC   uint32
	SpillCount uint32 `struct:"sizeof=Spill"`
	Spill      []uint32
}

type entryType uint8

const (
	typeReg entryType = 1
	typeDir entryType = 2
)

// entry is the metadata of one file or directory. Entries within a
// committed table are never modified in place, changes go to a copy.
type entry struct {
	Path   string           `cbor:"1,keyasint"`
	Type   entryType        `cbor:"2,keyasint"`
	Size   int64            `cbor:"3,keyasint,omitempty"`
	Blocks []uint32         `cbor:"4,keyasint,omitempty"`
	Attrs  map[uint8][]byte `cbor:"5,keyasint,omitempty"`
}

func (e *entry) clone() *entry {
	c := *e
	c.Blocks = append([]uint32(nil), e.Blocks...)
	if e.Attrs != nil {
		c.Attrs = make(map[uint8][]byte, len(e.Attrs))
		for k, v := range e.Attrs {
			c.Attrs[k] = append([]byte(nil), v...)
		}
	}

	return &c
}

type metaTable struct {
	Entries []*entry `cbor:"1,keyasint"`
}

type entryMap map[string]*entry

func (m entryMap) clone() entryMap {
	out := make(entryMap, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func encodeTable(entries entryMap) ([]byte, error) {
	t := metaTable{Entries: make([]*entry, 0, len(entries))}
	for _, e := range entries {
		t.Entries = append(t.Entries, e)
	}
	slices.SortFunc(t.Entries, func(a, b *entry) int {
		return strings.Compare(a.Path, b.Path)
	})

	b, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %w", ErrNoMem, err)
	}

	return b, nil
}

func decodeTable(b []byte) (entryMap, error) {
	var t metaTable
	if err := decMode.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %w", ErrCorrupt, err)
	}

	out := make(entryMap, len(t.Entries))
	for _, e := range t.Entries {
		if e == nil || e.Path == "" {
			return nil, fmt.Errorf("%w: empty metadata entry", ErrCorrupt)
		}
		out[e.Path] = e
	}

	return out, nil
}

// spillFor returns the amount of spill blocks needed for a table.
func spillFor(tableLen int, blockSize uint32) (int, error) {
	bs := int(blockSize)
	for n := 0; ; n++ {
		inline := bs - headerFixedSize - 4*n
		if inline <= 0 {
			return 0, fmt.Errorf("%w: metadata exceeds the pair capacity", ErrNoSpc)
		}
		if tableLen <= inline+n*bs {
			return n, nil
		}
	}
}

// pairState is the decoded state of a valid metadata block.
type pairState struct {
	rev     uint32
	volume  uuid.UUID
	spill   []uint32
	entries entryMap
}

// writePair writes the table with its spill blocks to the pair block.
func (fs *FS) writePair(pair uint32, rev uint32, volume uuid.UUID, table []byte, spill []uint32) error {
	bs := int(fs.cfg.BlockSize)

	h := pairHeader{
		Magic:      pairMagic,
		Version:    formatVersion,
		Revision:   rev,
		BlockSize:  fs.cfg.BlockSize,
		BlockCount: fs.cfg.BlockCount,
		Volume:     volume,
		TableLen:   uint32(len(table)),
		TableCRC:   crc32.ChecksumIEEE(table),
		Spill:      spill,
	}

	hb, err := restruct.Pack(binary.LittleEndian, &h)
	if err != nil {
		return fmt.Errorf("%w: pack header: %w", ErrInval, err)
	}

	inline := min(len(table), bs-len(hb))
	rest := table[inline:]
	for _, b := range spill {
		n := min(len(rest), bs)
		if err := fs.progBlock(b, rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}

	head := make([]byte, 0, len(hb)+inline)
	head = append(head, hb...)
	head = append(head, table[:inline]...)

	if err := fs.progBlock(pair, head); err != nil {
		return err
	}

	if err := fs.dev.Sync(); err != nil {
		return ioError("sync", err)
	}

	return nil
}

// readPair decodes and verifies one block of the metadata pair.
func (fs *FS) readPair(pair uint32) (*pairState, error) {
	bs := fs.cfg.BlockSize

	blk := make([]byte, bs)
	if err := fs.readAt(pair, 0, blk); err != nil {
		return nil, err
	}
	if !bytes.Equal(blk[:len(pairMagic)], pairMagic[:]) {
		return nil, fmt.Errorf("%w: no magic in block %d", ErrCorrupt, pair)
	}

	nspill := binary.LittleEndian.Uint32(blk[spillCountOff:])
	if nspill > fs.cfg.BlockCount || headerFixedSize+4*int(nspill) > int(bs) {
		return nil, fmt.Errorf("%w: bad spill count in block %d", ErrCorrupt, pair)
	}

	var h pairHeader
	if err := restruct.Unpack(blk, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: unpack header: %w", ErrCorrupt, err)
	}
	if h.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %#x", ErrCorrupt, h.Version)
	}
	if h.BlockSize != fs.cfg.BlockSize || h.BlockCount != fs.cfg.BlockCount {
		return nil, fmt.Errorf("%w: geometry %dx%d does not match configured %dx%d",
			ErrInval, h.BlockSize, h.BlockCount, fs.cfg.BlockSize, fs.cfg.BlockCount)
	}

	hsize := headerFixedSize + 4*len(h.Spill)
	if uint64(h.TableLen) > uint64(bs-uint32(hsize))+uint64(len(h.Spill))*uint64(bs) {
		return nil, fmt.Errorf("%w: table length beyond spill in block %d", ErrCorrupt, pair)
	}

	table := make([]byte, 0, h.TableLen)
	inline := min(int(h.TableLen), int(bs)-hsize)
	table = append(table, blk[hsize:hsize+inline]...)

	for _, b := range h.Spill {
		if b < 2 || b >= fs.cfg.BlockCount {
			return nil, fmt.Errorf("%w: spill block %d out of range", ErrCorrupt, b)
		}
		n := min(int(h.TableLen)-len(table), int(bs))
		if n <= 0 {
			break
		}
		chunk := make([]byte, n)
		if err := fs.readAt(b, 0, chunk); err != nil {
			return nil, err
		}
		table = append(table, chunk...)
	}

	if crc32.ChecksumIEEE(table) != h.TableCRC {
		return nil, fmt.Errorf("%w: checksum mismatch in block %d", ErrCorrupt, pair)
	}

	entries, err := decodeTable(table)
	if err != nil {
		return nil, err
	}

	return &pairState{
		rev:     h.Revision,
		volume:  uuid.UUID(h.Volume),
		spill:   h.Spill,
		entries: entries,
	}, nil
}

// progBlock erases the block and programs data from its start,
// in chunks of the cache size padded to the program size.
func (fs *FS) progBlock(block uint32, data []byte) error {
	if err := fs.dev.Erase(block); err != nil {
		return ioError("erase", err)
	}

	chunk := int(fs.cfg.CacheSize)
	for off := 0; off < len(data); off += chunk {
		part := data[off:min(off+chunk, len(data))]
		if pad := len(part) % int(fs.cfg.ProgSize); pad != 0 {
			padded := make([]byte, len(part)+int(fs.cfg.ProgSize)-pad)
			copy(padded, part)
			for i := len(part); i < len(padded); i++ {
				padded[i] = 0xFF
			}
			part = padded
		}
		if err := fs.dev.Prog(block, uint32(off), part); err != nil {
			return ioError("prog", err)
		}
	}

	return nil
}

// readAt fills buf from the block at off, with device reads aligned
// to the read size and no larger than the cache size.
func (fs *FS) readAt(block, off uint32, buf []byte) error {
	rs := fs.cfg.ReadSize
	chunk := fs.cfg.CacheSize

	start := off - off%rs
	end := off + uint32(len(buf))
	if rem := end % rs; rem != 0 {
		end += rs - rem
	}
	end = min(end, fs.cfg.BlockSize)

	scratch := make([]byte, min(chunk, end-start))
	for pos := start; pos < end; pos += chunk {
		n := min(chunk, end-pos)
		if err := fs.dev.Read(block, pos, scratch[:n]); err != nil {
			return ioError("read", err)
		}

		// overlap of [pos, pos+n) with [off, off+len(buf))
		lo := max(pos, off)
		hi := min(pos+n, off+uint32(len(buf)))
		if lo < hi {
			copy(buf[lo-off:hi-off], scratch[lo-pos:hi-pos])
		}
	}

	return nil
}
