package queue

import "runtime"

const (
	ReducedParallelism = 2
	MediumParallelism  = 4
	HighParallelism    = 6
)

// Workload describes the host conditions parallelism is derived from.
type Workload struct {
	// Constrained is set when the host must keep its footprint low, such as
	// when running under a memory limit or after execution time expired.
	Constrained bool
	// Degraded is set when the host is under load but still serving.
	Degraded bool
	// Processors defaults to runtime.NumCPU when zero.
	Processors int
}

// WorkloadParallelism scales with the available processors between
// MediumParallelism and HighParallelism, halving under load and falling back
// to ReducedParallelism when constrained.
func WorkloadParallelism(w Workload) int {
	if w.Constrained {
		return ReducedParallelism
	}

	cpus := w.Processors
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}

	n := min(HighParallelism, max(MediumParallelism, cpus))

	if w.Degraded {
		return max(ReducedParallelism, n/2)
	}

	return n
}
