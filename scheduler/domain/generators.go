package domain

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/leanovate/gopter"

	"github.com/helixfarm/helix/cluster"
)

// Test helpers for generating random domain structs. Used by unit and
// property tests in this package and in scheduler/server.

// KnownCapabilities is the capability universe random generators draw from.
var KnownCapabilities = []string{
	"gpu-render", "gpu-fluid-sim", "cpu-raytrace", "high-mem", "fast-scratch", "avx512",
}

func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// GenRandomCapabilitySet picks up to max capabilities from the known universe.
func GenRandomCapabilitySet(max int, rng *rand.Rand) cluster.CapabilitySet {
	s := cluster.CapabilitySet{}
	if max <= 0 {
		return s
	}
	n := rng.Intn(max + 1)
	for i := 0; i < n; i++ {
		s[KnownCapabilities[rng.Intn(len(KnownCapabilities))]] = true
	}
	return s
}

// GenRandomResourceVector returns a small nonzero demand vector.
func GenRandomResourceVector(rng *rand.Rand) cluster.ResourceVector {
	return cluster.ResourceVector{
		CPUCores: float64(1 + rng.Intn(8)),
		MemoryGB: float64(1 + rng.Intn(32)),
		GPUs:     float64(rng.Intn(3)),
	}
}

// GenRandomTask generates a task with no dependencies.
func GenRandomTask(i int, rng *rand.Rand) TaskDefinition {
	return TaskDefinition{
		TaskID:       fmt.Sprintf("task%d", i),
		RequiredCaps: GenRandomCapabilitySet(2, rng),
		Resources:    GenRandomResourceVector(rng),
		EstDuration:  time.Duration(1+rng.Intn(600)) * time.Second,
	}
}

// GenRandomJobDef generates an acyclic job definition with numTasks tasks.
// Each task may depend on any earlier task, so the DAG is valid by
// construction.
func GenRandomJobDef(tenant string, numTasks int, rng *rand.Rand) JobDefinition {
	def := JobDefinition{
		TenantID: tenant,
		Deadline: time.Now().Add(time.Duration(1+rng.Intn(120)) * time.Minute),
		RetryPolicy: RetryPolicy{
			MaxAttempts: 1 + rng.Intn(3),
			BackoffBase: 100 * time.Millisecond,
		},
	}
	for i := 0; i < numTasks; i++ {
		task := GenRandomTask(i, rng)
		if i > 0 && rng.Intn(2) == 0 {
			task.Deps = []string{fmt.Sprintf("task%d", rng.Intn(i))}
		}
		def.Tasks = append(def.Tasks, task)
	}
	return def
}

// GenJob generates a random job with the specified id and number of tasks.
func GenJob(id string, numTasks int) Job {
	rng := NewRand()
	return Job{
		ID:          id,
		Def:         GenRandomJobDef("tenant-"+id, numTasks, rng),
		Status:      JobPending,
		SubmittedAt: time.Now(),
	}
}

const alphaNumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

func genAlphaNumericID(rng *rand.Rand) string {
	b := make([]byte, 8+rng.Intn(8))
	for i := range b {
		b[i] = alphaNumeric[rng.Intn(len(alphaNumeric))]
	}
	return string(b)
}

// GopterGenJob generates random jobs for property based tests. Timestamps are
// truncated to UTC wall clock so jobs survive a serialization round trip
// unchanged.
func GopterGenJob() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		rng := rand.New(rand.NewSource(genParams.Rng.Int63()))
		job := GenJob(genAlphaNumericID(rng), 1+rng.Intn(10))
		job.SubmittedAt = job.SubmittedAt.UTC().Round(0)
		job.Def.Deadline = job.Def.Deadline.UTC().Round(0)
		return gopter.NewGenResult(&job, gopter.NoShrinker)
	}
}
