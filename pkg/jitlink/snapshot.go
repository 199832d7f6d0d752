package jitlink

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Current schema version; bump when the snapshot layout changes.
const snapshotSchemaVersion uint16 = 1

// Snapshot is a self-contained copy of a graph at one point of the pipeline.
type Snapshot struct {
	Schema    uint16
	Name      string
	Triple    string
	Sections  []SectionSnapshot
	Externals []SymbolSnapshot
	Absolutes []SymbolSnapshot
}

type SectionSnapshot struct {
	Name   string
	Prot   string
	Blocks []BlockSnapshot
}

type BlockSnapshot struct {
	Address   uint64
	Size      uint64
	Alignment uint64
	ZeroFill  bool
	Content   []byte
	Symbols   []SymbolSnapshot
	Edges     []EdgeSnapshot
}

type SymbolSnapshot struct {
	Name     string
	Offset   uint64
	Address  uint64
	Size     uint64
	Linkage  string
	Scope    string
	Callable bool
	Live     bool
}

type EdgeSnapshot struct {
	Kind   string
	Offset uint64
	Target string
	Addend int64
}

func symbolSnapshot(sym *Symbol) SymbolSnapshot {
	return SymbolSnapshot{
		Name:     sym.name,
		Offset:   sym.offset,
		Address:  sym.Address(),
		Size:     sym.size,
		Linkage:  sym.linkage.String(),
		Scope:    sym.scope.String(),
		Callable: sym.callable,
		Live:     sym.live,
	}
}

// targetName labels an edge target. Anonymous targets are named by address.
func targetName(sym *Symbol) string {
	if sym.HasName() {
		return sym.name
	}
	if sym.block != nil {
		return fmt.Sprintf("%s+%#x", sym.block.section.Name, sym.offset)
	}
	return fmt.Sprintf("%#x", sym.Address())
}

// TakeSnapshot copies g's current state.
func TakeSnapshot(g *LinkGraph) *Snapshot {
	arch := g.triple.Arch
	s := &Snapshot{
		Schema: snapshotSchemaVersion,
		Name:   g.name,
		Triple: g.triple.String(),
	}
	for _, sec := range g.sections {
		ss := SectionSnapshot{Name: sec.Name, Prot: sec.Prot.String()}
		for _, b := range sec.blocks {
			bs := BlockSnapshot{
				Address:   b.addr,
				Size:      b.size,
				Alignment: b.align,
				ZeroFill:  b.zeroFill,
			}
			if !b.zeroFill {
				bs.Content = append([]byte(nil), b.content...)
			}
			for _, sym := range g.SymbolsInBlock(b) {
				bs.Symbols = append(bs.Symbols, symbolSnapshot(sym))
			}
			for _, e := range b.edges {
				bs.Edges = append(bs.Edges, EdgeSnapshot{
					Kind:   EdgeKindName(arch, e.Kind),
					Offset: e.Offset,
					Target: targetName(e.Target),
					Addend: e.Addend,
				})
			}
			ss.Blocks = append(ss.Blocks, bs)
		}
		s.Sections = append(s.Sections, ss)
	}
	for _, sym := range g.externals {
		s.Externals = append(s.Externals, symbolSnapshot(sym))
	}
	for _, sym := range g.absolutes {
		s.Absolutes = append(s.Absolutes, symbolSnapshot(sym))
	}
	return s
}

func encodeSnapshot(w io.Writer, s *Snapshot) error {
	return msgpack.NewEncoder(w).Encode(s)
}

// WriteSnapshot encodes a snapshot of g to w.
func WriteSnapshot(w io.Writer, g *LinkGraph) error {
	return encodeSnapshot(w, TakeSnapshot(g))
}

// SnapshotPass returns a pass that writes a snapshot of the graph to w each
// time it runs. ReadSnapshots reads the resulting stream back.
func SnapshotPass(w io.Writer) Pass {
	return func(g *LinkGraph) error {
		return WriteSnapshot(w, g)
	}
}

func decodeSnapshot(dec *msgpack.Decoder) (*Snapshot, error) {
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if s.Schema != snapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema %d", s.Schema)
	}
	return &s, nil
}

// ReadSnapshot decodes a single snapshot from r.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	return decodeSnapshot(msgpack.NewDecoder(r))
}

// ReadSnapshots decodes every snapshot in r.
func ReadSnapshots(r io.Reader) ([]*Snapshot, error) {
	dec := msgpack.NewDecoder(r)
	var out []*Snapshot
	for {
		s, err := decodeSnapshot(dec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
}
