package cluster

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceVector describes capacity or demand along the dimensions a farm
// node advertises. Zero value means "nothing".
type ResourceVector struct {
	CPUCores float64 `json:"cpuCores" yaml:"cpuCores"`
	MemoryGB float64 `json:"memoryGB" yaml:"memoryGB"`
	GPUs     float64 `json:"gpus" yaml:"gpus"`
}

func (v ResourceVector) Add(w ResourceVector) ResourceVector {
	return ResourceVector{v.CPUCores + w.CPUCores, v.MemoryGB + w.MemoryGB, v.GPUs + w.GPUs}
}

// Sub subtracts w from v, clamping each dimension at zero.
func (v ResourceVector) Sub(w ResourceVector) ResourceVector {
	return ResourceVector{
		maxf(0, v.CPUCores-w.CPUCores),
		maxf(0, v.MemoryGB-w.MemoryGB),
		maxf(0, v.GPUs-w.GPUs),
	}
}

func (v ResourceVector) Scale(f float64) ResourceVector {
	return ResourceVector{v.CPUCores * f, v.MemoryGB * f, v.GPUs * f}
}

// Fits reports whether v fits within w on every dimension.
func (v ResourceVector) Fits(w ResourceVector) bool {
	return v.CPUCores <= w.CPUCores && v.MemoryGB <= w.MemoryGB && v.GPUs <= w.GPUs
}

// Max returns the per-dimension maximum of v and w.
func (v ResourceVector) Max(w ResourceVector) ResourceVector {
	return ResourceVector{maxf(v.CPUCores, w.CPUCores), maxf(v.MemoryGB, w.MemoryGB), maxf(v.GPUs, w.GPUs)}
}

func (v ResourceVector) IsZero() bool {
	return v.CPUCores == 0 && v.MemoryGB == 0 && v.GPUs == 0
}

// Norm collapses the vector to a single scalar. It is a coarse measure used
// only for ordering (best-fit ranking, fairness weights), never for admission.
func (v ResourceVector) Norm() float64 {
	return v.CPUCores + v.MemoryGB/4 + v.GPUs*8
}

func (v ResourceVector) String() string {
	return fmt.Sprintf("cpu:%g mem:%gGB gpu:%g", v.CPUCores, v.MemoryGB, v.GPUs)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// CapabilitySet is a set of named specializations a node advertises
// (e.g. "gpu-fluid-sim") or a task requires.
type CapabilitySet map[string]bool

func NewCapabilitySet(caps ...string) CapabilitySet {
	s := CapabilitySet{}
	for _, c := range caps {
		s[c] = true
	}
	return s
}

func (s CapabilitySet) Contains(cap string) bool {
	return s[cap]
}

func (s CapabilitySet) ContainsAll(other CapabilitySet) bool {
	for c := range other {
		if !s[c] {
			return false
		}
	}
	return true
}

// Overlap returns the number of capabilities present in both sets.
func (s CapabilitySet) Overlap(other CapabilitySet) int {
	n := 0
	for c := range other {
		if s[c] {
			n++
		}
	}
	return n
}

func (s CapabilitySet) Slice() []string {
	caps := make([]string, 0, len(s))
	for c := range s {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

func (s CapabilitySet) String() string {
	return strings.Join(s.Slice(), ",")
}
