package peerstate

import (
	"sort"

	"github.com/chanderlud/telepathy/internal/overlay"
)

// Elect picks the connection to promote into a session: a stable sort by
// (relayed, latency) with non-relayed strictly
// preferred regardless of latency; ties are broken by connection id for a
// deterministic (if arbitrary) result. Callers must only call Elect once
// AllLatenciesKnown is true.
//
// Returns the winning connection id and the list of every other known
// connection id, which the caller closes.
func (s *State) Elect() (winner overlay.ConnID, losers []overlay.ConnID) {
	type candidate struct {
		id   overlay.ConnID
		info *ConnInfo
	}
	candidates := make([]candidate, 0, len(s.Connections))
	for id, info := range s.Connections {
		candidates = append(candidates, candidate{id: id, info: info})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.info.Relayed != b.info.Relayed {
			return !a.info.Relayed // non-relayed sorts first
		}
		al, bl := latencyOf(a.info), latencyOf(b.info)
		if al != bl {
			return al < bl
		}
		return a.id < b.id
	})
	winner = candidates[0].id
	for _, c := range candidates[1:] {
		losers = append(losers, c.id)
	}
	return winner, losers
}

func latencyOf(c *ConnInfo) int64 {
	if c.Latency == nil {
		return 1<<63 - 1
	}
	return int64(*c.Latency)
}
