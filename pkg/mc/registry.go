package mc

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ksco/jitld/pkg/triple"
)

// Target describes one registered architecture backend.
type Target struct {
	Arch        triple.Arch
	Name        string
	Description string

	newBackend      func() backend
	newDisassembler func() Disassembler
}

func (t *Target) String() string {
	return t.Name
}

// NewAssembler returns an assembler for tr configured with the given flags.
func (t *Target) NewAssembler(tr triple.Triple, cg CodeGenOptions, opts TargetOptions) (*Assembler, error) {
	flags, err := elfFlags(t.Arch, opts.ABIName)
	if err != nil {
		return nil, err
	}
	return &Assembler{
		target:   t,
		triple:   tr,
		codegen:  cg,
		options:  opts,
		elfFlags: flags,
	}, nil
}

func (t *Target) NewDisassembler() Disassembler {
	return t.newDisassembler()
}

var registry struct {
	once    sync.Once
	mu      sync.RWMutex
	targets map[triple.Arch]*Target
}

func register(t *Target) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.targets == nil {
		registry.targets = make(map[triple.Arch]*Target)
	}
	registry.targets[t.Arch] = t
}

// InitializeAllTargets registers every backend. It is safe to call any
// number of times from any goroutine.
func InitializeAllTargets() {
	registry.once.Do(func() {
		register(x86_64Target())
		register(aarch64Target())
		register(riscv64Target())
	})
}

func TargetsInitialized() bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return len(registry.targets) > 0
}

// LookupTarget finds the backend for a triple string. Only ELF targets are
// served.
func LookupTarget(tripleStr string) (*Target, triple.Triple, error) {
	tr := triple.Parse(tripleStr)
	if tr.Arch == triple.ArchUnknown {
		return nil, tr, fmt.Errorf("%w: unknown architecture %q", ErrTargetUnsupported, tr.ArchName)
	}
	if tr.ObjectFormat() != triple.FormatELF {
		return nil, tr, fmt.Errorf("%w: %s object format is not supported", ErrTargetUnsupported, tr.ObjectFormat())
	}

	registry.mu.RLock()
	t, ok := registry.targets[tr.Arch]
	registry.mu.RUnlock()
	if !ok {
		return nil, tr, fmt.Errorf("%w: no backend registered for %s", ErrTargetUnsupported, tr.Arch)
	}
	return t, tr, nil
}

// Targets lists the registered backends by name.
func Targets() []*Target {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	ts := make([]*Target, 0, len(registry.targets))
	for _, t := range registry.targets {
		ts = append(ts, t)
	}
	slices.SortFunc(ts, func(a, b *Target) int {
		return strings.Compare(a.Name, b.Name)
	})
	return ts
}
