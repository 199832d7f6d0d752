package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

type asmFlags struct {
	triple         string
	pic            bool
	largeCodeModel bool
	abi            string
	fatalWarnings  bool
	noExecStack    bool
}

func (f *asmFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.triple, "triple", "", "target triple, e.g. riscv64-unknown-linux-gnu")
	cmd.Flags().BoolVar(&f.pic, "pic", false, "generate position independent code")
	cmd.Flags().BoolVar(&f.largeCodeModel, "large-code-model", false, "use the large code model")
	cmd.Flags().StringVar(&f.abi, "abi", "", "target ABI name")
	cmd.Flags().BoolVar(&f.fatalWarnings, "fatal-warnings", false, "treat warnings as errors")
	cmd.Flags().BoolVar(&f.noExecStack, "noexecstack", false, "emit a .note.GNU-stack section")
}

var warnLabel = color.New(color.FgMagenta, color.Bold).SprintFunc()

// assemble assembles path and prints the assembler's warnings.
func (f *asmFlags) assemble(cmd *cobra.Command, path string) (object.ObjectBuffer, *mc.Target, error) {
	if f.triple == "" {
		return object.ObjectBuffer{}, nil, fmt.Errorf("%s: --triple is required to assemble", path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return object.ObjectBuffer{}, nil, err
	}
	target, tr, err := mc.LookupTarget(f.triple)
	if err != nil {
		return object.ObjectBuffer{}, nil, err
	}
	asm, err := target.NewAssembler(tr,
		mc.CodeGenOptions{PIC: f.pic, LargeCodeModel: f.largeCodeModel},
		mc.TargetOptions{ABIName: f.abi, FatalWarnings: f.fatalWarnings, NoExecStack: f.noExecStack})
	if err != nil {
		return object.ObjectBuffer{}, nil, err
	}
	buf, warnings, err := asm.Assemble(filepath.Base(path), string(src))
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s %s\n", path, warnLabel("warning:"), w.Msg)
	}
	if err != nil {
		return object.ObjectBuffer{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return buf, target, nil
}

var (
	asmOpts   asmFlags
	asmOutput string
)

func init() {
	asmOpts.register(asmCmd)
	asmCmd.Flags().StringVarP(&asmOutput, "output", "o", "", "output object file (default: input with .o suffix)")
}

var asmCmd = &cobra.Command{
	Use:   "asm FILE",
	Short: "Assemble a file into a relocatable ELF object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, _, err := asmOpts.assemble(cmd, args[0])
		if err != nil {
			return err
		}
		out := asmOutput
		if out == "" {
			out = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".o"
		}
		if err := os.WriteFile(out, buf.Contents, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes, %s\n", out, buf.Len(), triple.Parse(asmOpts.triple).Arch)
		return nil
	},
}
