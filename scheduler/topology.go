// Package scheduler extracts query throughput from the host CPU: it
// discovers the core topology, pins one worker per physical core (or
// per logical CPU in Saturate mode) and routes queries to the workers
// over a bounded queue. SIMD-heavy searches gain nothing from
// hyperthread siblings competing for the same execution units, so
// siblings are only used when explicitly requested.
package scheduler

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPU describes one logical CPU.
type CPU struct {
	Logical int // logical cpu number (the "processor" field)
	Package int // socket (the "physical id" field)
	Core    int // core within the socket (the "core id" field)
}

// Topology is the machine's CPU layout.
type Topology struct {
	CPUs []CPU
}

// DetectTopology reads the host topology from /proc/cpuinfo. On
// systems without it (non-Linux), every logical CPU is treated as its
// own physical core.
func DetectTopology() *Topology {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return flatTopology()
	}
	defer f.Close()

	t, err := ParseTopology(f)
	if err != nil || len(t.CPUs) == 0 {
		return flatTopology()
	}
	return t
}

// flatTopology assumes one logical CPU per physical core.
func flatTopology() *Topology {
	n := runtime.NumCPU()
	t := &Topology{CPUs: make([]CPU, n)}
	for i := range t.CPUs {
		t.CPUs[i] = CPU{Logical: i, Package: 0, Core: i}
	}
	return t
}

// ParseTopology parses /proc/cpuinfo content. Processor blocks are
// separated by blank lines; blocks without "physical id"/"core id"
// (common on ARM) fall back to one core per logical CPU.
func ParseTopology(r io.Reader) (*Topology, error) {
	t := &Topology{}

	var logical, pkg, core = -1, -1, -1
	flush := func() {
		if logical < 0 {
			return
		}
		if pkg < 0 {
			pkg = 0
		}
		if core < 0 {
			core = logical
		}
		t.CPUs = append(t.CPUs, CPU{Logical: logical, Package: pkg, Core: core})
		logical, pkg, core = -1, -1, -1
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "processor":
			if v, err := strconv.Atoi(value); err == nil {
				logical = v
			}
		case "physical id":
			if v, err := strconv.Atoi(value); err == nil {
				pkg = v
			}
		case "core id":
			if v, err := strconv.Atoi(value); err == nil {
				core = v
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.Slice(t.CPUs, func(i, j int) bool { return t.CPUs[i].Logical < t.CPUs[j].Logical })
	return t, nil
}

// coreKey identifies a physical core across sockets.
type coreKey struct {
	pkg, core int
}

// siblingGroups returns the logical CPUs of each physical core, grouped
// and ordered round-robin across packages: the first core of every
// package (by ascending package), then the second, and so on. Within a
// group, logical CPUs keep ascending order, so the first entry is the
// core's representative.
func (t *Topology) siblingGroups() [][]int {
	groups := map[coreKey][]int{}
	for _, c := range t.CPUs {
		k := coreKey{c.Package, c.Core}
		groups[k] = append(groups[k], c.Logical)
	}

	keys := make([]coreKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pkg != keys[j].pkg {
			return keys[i].pkg < keys[j].pkg
		}
		return keys[i].core < keys[j].core
	})

	// Rank each core within its package, then interleave packages by
	// rank so consecutive groups alternate between sockets.
	rank := make(map[coreKey]int, len(keys))
	perPkg := map[int]int{}
	for _, k := range keys {
		rank[k] = perPkg[k.pkg]
		perPkg[k.pkg]++
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return rank[keys[i]] < rank[keys[j]]
	})

	out := make([][]int, len(keys))
	for i, k := range keys {
		sort.Ints(groups[k])
		out[i] = groups[k]
	}
	return out
}

// Representatives returns the first logical CPU of each physical core,
// round-robin across sockets.
func (t *Topology) Representatives() []int {
	groups := t.siblingGroups()
	out := make([]int, 0, len(groups))
	for _, g := range groups {
		out = append(out, g[0])
	}
	return out
}

// OptimizedOrder returns all logical CPUs, physical-core
// representatives first, then second siblings, and so on. Filling
// workers in this order keeps hyperthread siblings idle until every
// physical core is busy.
func (t *Topology) OptimizedOrder() []int {
	groups := t.siblingGroups()

	var out []int
	for level := 0; ; level++ {
		exhausted := true
		for _, g := range groups {
			if level < len(g) {
				out = append(out, g[level])
				exhausted = false
			}
		}
		if exhausted {
			return out
		}
	}
}

// PhysicalCores returns the number of distinct physical cores.
func (t *Topology) PhysicalCores() int {
	return len(t.siblingGroups())
}

// LogicalCPUs returns the number of logical CPUs.
func (t *Topology) LogicalCPUs() int {
	return len(t.CPUs)
}

// Brand returns the CPU brand string for diagnostics.
func Brand() string {
	return cpuid.CPU.BrandName
}
