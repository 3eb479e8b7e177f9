// Package proxy picks, scores and validates outbound proxies for calls to the
// external provisioning API.
package proxy

import (
	"math/rand"
	"sort"

	"adaccount-provisioner/internal/models"
)

// RotationState is an owner's round-robin position.
type RotationState struct {
	Counter uint64
}

// Select picks one candidate according to policy. It returns false when there are no
// candidates. Only round-robin advances the returned state.
// intn defaults to math/rand.Intn when nil.
func Select(cands []models.Proxy, policy string, st RotationState, intn func(int) int) (models.Proxy, RotationState, bool) {
	if len(cands) == 0 {
		return models.Proxy{}, st, false
	}
	switch policy {
	case models.RotationRandom:
		if intn == nil {
			intn = rand.Intn
		}
		return cands[intn(len(cands))], st, true
	case models.RotationSequential:
		return leastRecentlyUsed(cands), st, true
	default:
		idx := st.Counter % uint64(len(cands))
		return cands[idx], RotationState{Counter: st.Counter + 1}, true
	}
}

func leastRecentlyUsed(cands []models.Proxy) models.Proxy {
	sorted := make([]models.Proxy, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].LastUsedAt, sorted[j].LastUsedAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return sorted[0]
}
