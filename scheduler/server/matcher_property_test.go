// +build property_test

package server

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
)

type matchScenario struct {
	def      domain.TaskDefinition
	nodes    []*nodeState
	costMode bool
}

func genMatchScenario() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		rng := rand.New(rand.NewSource(genParams.Rng.Int63()))
		sc := matchScenario{
			def:      domain.GenRandomTask(0, rng),
			costMode: rng.Intn(2) == 0,
		}
		for n := 0; n < 1+rng.Intn(10); n++ {
			ns := testNode(
				fmt.Sprintf("node%d", n),
				domain.GenRandomCapabilitySet(3, rng),
				domain.GenRandomResourceVector(rng).Scale(2),
				float64(1+rng.Intn(5)))
			if rng.Intn(4) == 0 {
				ns.power = cluster.PowerDown
			}
			sc.nodes = append(sc.nodes, ns)
		}
		return gopter.NewGenResult(sc, gopter.NoShrinker)
	}
}

// A matched node is always powered on, advertises every required capability
// and has residual room for the task.
func Test_Matcher_PlacementSafetyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	properties.Property("match respects capabilities, capacity and power", prop.ForAll(
		func(sc matchScenario) bool {
			ns, err := matchNode(sc.def, sc.nodes, sc.costMode)
			if err != nil {
				return err == domain.ErrNoEligibleNode
			}
			return ns.power == cluster.PowerActive &&
				ns.node.Capabilities().ContainsAll(sc.def.RequiredCaps) &&
				sc.def.Resources.Fits(ns.residual())
		},
		genMatchScenario(),
	))

	properties.TestingRun(t)
}
