package server

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
)

// allocation is the result of dividing farm capacity between tenants for one
// scheduling cycle. Shares are soft: admission happens per task against the
// tenant's share, per dimension.
type allocation struct {
	shares map[string]cluster.ResourceVector

	// True when guaranteed floors exceed live capacity and every floor was
	// scaled down proportionally.
	degraded bool
}

func (a *allocation) share(tenantID string) cluster.ResourceVector {
	return a.shares[tenantID]
}

// resourceDim gives per-dimension access so the water-filling runs once per
// dimension with the same code.
type resourceDim struct {
	get func(cluster.ResourceVector) float64
	set func(*cluster.ResourceVector, float64)
}

var resourceDims = []resourceDim{
	{func(v cluster.ResourceVector) float64 { return v.CPUCores },
		func(v *cluster.ResourceVector, f float64) { v.CPUCores = f }},
	{func(v cluster.ResourceVector) float64 { return v.MemoryGB },
		func(v *cluster.ResourceVector, f float64) { v.MemoryGB = f }},
	{func(v cluster.ResourceVector) float64 { return v.GPUs },
		func(v *cluster.ResourceVector, f float64) { v.GPUs = f }},
}

const allocEpsilon = 1e-9

// allocateShares divides total capacity among tenants with pending demand.
//
// Per dimension: every tenant first gets its floor, the smaller of its
// guaranteed minimum and its actual demand. If floors alone exceed capacity
// they are scaled down proportionally and the allocation is flagged degraded.
// Otherwise the remainder is water-filled max-min across tenants still below
// their demand, capped by each tenant's burst ceiling. Unused guarantees are
// redistributed the same way, so idle quota never strands capacity.
func allocateShares(
	quotas map[string]domain.TenantQuota,
	total cluster.ResourceVector,
	demand map[string]cluster.ResourceVector,
) *allocation {
	tenants := make([]string, 0, len(demand))
	for t := range demand {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	alloc := &allocation{shares: map[string]cluster.ResourceVector{}}
	if len(tenants) == 0 {
		return alloc
	}
	shares := make(map[string]*cluster.ResourceVector, len(tenants))
	for _, t := range tenants {
		shares[t] = &cluster.ResourceVector{}
	}

	for _, dim := range resourceDims {
		capDim := dim.get(total)

		// Floors: min(guarantee, demand).
		floors := map[string]float64{}
		var floorSum float64
		for _, t := range tenants {
			f := dim.get(quotas[t].MinGuaranteed)
			if d := dim.get(demand[t]); d < f {
				f = d
			}
			floors[t] = f
			floorSum += f
		}

		if floorSum > capDim+allocEpsilon {
			// Oversubscribed guarantees: scale every floor down.
			alloc.degraded = true
			scale := 0.0
			if floorSum > 0 {
				scale = capDim / floorSum
			}
			for _, t := range tenants {
				dim.set(shares[t], floors[t]*scale)
			}
			continue
		}

		granted := map[string]float64{}
		for _, t := range tenants {
			granted[t] = floors[t]
		}
		remaining := capDim - floorSum

		// Water-fill the remainder max-min, capped by demand and burst.
		for remaining > allocEpsilon {
			var unmet []string
			for _, t := range tenants {
				if granted[t]+allocEpsilon < capDimLimit(quotas[t], demand[t], dim) {
					unmet = append(unmet, t)
				}
			}
			if len(unmet) == 0 {
				break
			}
			fair := remaining / float64(len(unmet))
			progressed := false
			for _, t := range unmet {
				grant := capDimLimit(quotas[t], demand[t], dim) - granted[t]
				if grant > fair {
					grant = fair
				}
				if grant <= 0 {
					continue
				}
				granted[t] += grant
				remaining -= grant
				progressed = true
			}
			if !progressed {
				break
			}
		}

		for _, t := range tenants {
			dim.set(shares[t], granted[t])
		}
	}

	for _, t := range tenants {
		alloc.shares[t] = *shares[t]
	}
	if alloc.degraded {
		log.WithField("totalCapacity", total.String()).
			Warn("Tenant guarantees exceed live capacity, allocating in degraded mode")
	}
	return alloc
}

// capDimLimit is how much of a dimension a tenant may hold: its demand,
// further capped by its burst ceiling when one is set.
func capDimLimit(quota domain.TenantQuota, demand cluster.ResourceVector, dim resourceDim) float64 {
	limit := dim.get(demand)
	if burst := dim.get(quota.MaxBurst); burst > 0 && burst < limit {
		limit = burst
	}
	return limit
}
