package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

// linkContext links one object for the command line. Lookups are
// answered from --extern and the result is reported once finalized.
type linkContext struct {
	buf       object.ObjectBuffer
	mm        jitlink.MemoryManager
	externals jitlink.LookupResult
	passes    func(*jitlink.PassConfiguration)

	alloc jitlink.Allocation
	err   error
}

func (c *linkContext) ObjectBuffer() object.ObjectBuffer    { return c.buf }
func (c *linkContext) MemoryManager() jitlink.MemoryManager { return c.mm }

func (c *linkContext) Lookup(symbols jitlink.LookupSet, cont *jitlink.LookupContinuation) {
	result := make(jitlink.LookupResult, len(symbols))
	for _, name := range symbols.Names() {
		es, ok := c.externals[name]
		if !ok {
			if symbols[name] == jitlink.WeaklyReferencedSymbol {
				continue
			}
			cont.Run(nil, fmt.Errorf("%w: %s (pass --extern %s=ADDR)", jitlink.ErrSymbolNotFound, name, name))
			return
		}
		result[name] = es
	}
	cont.Run(result, nil)
}

func (c *linkContext) NotifyResolved(*jitlink.LinkGraph) error  { return nil }
func (c *linkContext) NotifyFinalized(alloc jitlink.Allocation) { c.alloc = alloc }
func (c *linkContext) NotifyFailed(err error)                   { c.err = err }

func (c *linkContext) ModifyPassConfig(_ triple.Triple, config *jitlink.PassConfiguration) error {
	if c.passes != nil {
		c.passes(config)
	}
	return nil
}

func parseExterns(defs []string) (jitlink.LookupResult, error) {
	externals := make(jitlink.LookupResult, len(defs))
	for _, def := range defs {
		name, addr, ok := strings.Cut(def, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --extern %q: want NAME=ADDR", def)
		}
		v, err := strconv.ParseUint(addr, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --extern %q: %w", def, err)
		}
		externals[name] = jitlink.EvaluatedSymbol{
			Address: v,
			Flags:   jitlink.FlagExported | jitlink.FlagCallable,
		}
	}
	return externals, nil
}

// disassemble lists the instructions of the defined symbol name. A symbol
// without a size runs to the end of its block.
func disassemble(w io.Writer, dis mc.Disassembler, g *jitlink.LinkGraph, name string) error {
	sym := g.FindDefinedSymbol(name)
	if sym == nil {
		return fmt.Errorf("--disasm: %w: %s", jitlink.ErrSymbolNotFound, name)
	}
	b := sym.Block()
	end := b.Size()
	if sym.Size() != 0 {
		end = min(end, sym.Offset()+sym.Size())
	}
	if b.IsZeroFill() {
		return fmt.Errorf("--disasm: %s is in zero-fill section %s", name, b.Section().Name)
	}

	addr := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintf(w, "%s <%s>:\n", addr(fmt.Sprintf("%016x", sym.Address())), name)
	content := b.Content()
	for off := sym.Offset(); off < end; {
		inst, err := dis.Decode(content[off:end], b.Address()+off)
		if err != nil {
			fmt.Fprintf(w, "  %s: %s  <%v>\n", addr(fmt.Sprintf("%x", b.Address()+off)), hex.EncodeToString(content[off:off+1]), err)
			off++
			continue
		}
		n := uint64(inst.Len)
		fmt.Fprintf(w, "  %s: %-24s %s\n", addr(fmt.Sprintf("%x", b.Address()+off)), hex.EncodeToString(content[off:off+n]), inst.Text)
		off += n
	}
	return nil
}

// readLinkInput assembles a .s file or reads a relocatable object.
func readLinkInput(cmd *cobra.Command, path string) (object.ObjectBuffer, error) {
	if strings.EqualFold(filepath.Ext(path), ".s") {
		buf, _, err := linkOpts.assemble(cmd, path)
		return buf, err
	}
	buf, err := object.ReadObjectBuffer(path)
	if err != nil {
		return object.ObjectBuffer{}, err
	}
	switch ft := object.GetFileType(buf.Contents); ft {
	case object.FileTypeObject:
		return buf, nil
	case object.FileTypeText:
		return object.ObjectBuffer{}, fmt.Errorf("%s: looks like assembly source; name it with a .s suffix", path)
	default:
		return object.ObjectBuffer{}, fmt.Errorf("%s: cannot link %s, want a relocatable ELF object", path, ft)
	}
}

var (
	linkOpts     asmFlags
	linkExterns  []string
	linkBase     uint64
	linkSnapshot string
	linkDisasm   []string
	linkNoDump   bool
)

func init() {
	linkOpts.register(linkCmd)
	linkCmd.Flags().StringArrayVar(&linkExterns, "extern", nil, "define an external symbol as NAME=ADDR (repeatable)")
	linkCmd.Flags().Uint64Var(&linkBase, "base", 0x10000, "address of the first segment")
	linkCmd.Flags().StringVar(&linkSnapshot, "snapshot", "", "write msgpack graph snapshots after pruning and after fixups")
	linkCmd.Flags().StringArrayVar(&linkDisasm, "disasm", nil, "disassemble a defined symbol after linking (repeatable)")
	linkCmd.Flags().BoolVar(&linkNoDump, "no-dump", false, "do not print the linked graph")
}

var linkCmd = &cobra.Command{
	Use:   "link FILE",
	Short: "JIT link an assembly file or relocatable object at fixed addresses and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		buf, err := readLinkInput(cmd, args[0])
		if err != nil {
			return err
		}

		externals, err := parseExterns(linkExterns)
		if err != nil {
			return err
		}

		var snapshots io.Writer
		if linkSnapshot != "" {
			f, cerr := os.Create(linkSnapshot)
			if cerr != nil {
				return cerr
			}
			snapshots = f
			defer func() {
				if cerr := f.Close(); err == nil {
					err = cerr
				}
			}()
		}

		out := cmd.OutOrStdout()
		ctx := &linkContext{
			buf:       buf,
			mm:        jitlink.NewSlabMemoryManager(linkBase),
			externals: externals,
			passes: func(config *jitlink.PassConfiguration) {
				if snapshots != nil {
					config.PostPrunePasses = append(config.PostPrunePasses, jitlink.SnapshotPass(snapshots))
					config.PostFixupPasses = append(config.PostFixupPasses, jitlink.SnapshotPass(snapshots))
				}
				config.PostFixupPasses = append(config.PostFixupPasses, func(g *jitlink.LinkGraph) error {
					if !linkNoDump {
						if err := jitlink.Dump(out, g); err != nil {
							return err
						}
					}
					if len(linkDisasm) == 0 {
						return nil
					}
					arch := object.GetArchFromContents(buf.Contents)
					target, _, err := mc.LookupTarget(triple.FromArch(arch).String())
					if err != nil {
						return err
					}
					dis := target.NewDisassembler()
					for _, name := range linkDisasm {
						if err := disassemble(out, dis, g, name); err != nil {
							return err
						}
					}
					return nil
				})
			},
		}

		jitlink.Link(ctx, jitlink.WithLogger(zap.L()))
		if ctx.err != nil {
			return ctx.err
		}
		defer func() { _ = ctx.alloc.Deallocate() }()

		ok := color.New(color.FgGreen, color.Bold).SprintFunc()
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %d segments\n", ok("linked"), buf.Name, len(ctx.alloc.Segments()))
		return nil
	},
}
