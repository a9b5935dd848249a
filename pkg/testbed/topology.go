package testbed

import (
	"math/rand"

	wr "github.com/mroth/weightedrand"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/config"
)

// Link connects the peers with the two indexes, From < To.
type Link struct {
	From, To int
}

func newLink(a, b int) Link {
	if a > b {
		a, b = b, a
	}
	return Link{a, b}
}

// Links returns the links between n peers for topology. degree is only used
// by the random topology: peers are first chained so the overlay is
// connected, then each peer gets extra links until it has degree of them,
// preferring partners with few links.
func Links(topology string, n, degree int, rng *rand.Rand) ([]Link, error) {
	if n < 0 {
		return nil, errors.Errorf("negative number of peers %d", n)
	}
	links := make([]Link, 0)
	switch topology {
	case config.TopologyLine, config.TopologyRing:
		for i := 0; i+1 < n; i++ {
			links = append(links, newLink(i, i+1))
		}
		if topology == config.TopologyRing && n > 2 {
			links = append(links, newLink(0, n-1))
		}
	case config.TopologyClique:
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				links = append(links, newLink(i, j))
			}
		}
	case config.TopologyStar:
		for i := 1; i < n; i++ {
			links = append(links, newLink(0, i))
		}
	case config.TopologyRandom:
		return randomLinks(n, degree, rng)
	default:
		return nil, errors.Errorf("unknown topology %s", topology)
	}
	return links, nil
}

func randomLinks(n, degree int, rng *rand.Rand) ([]Link, error) {
	if rng == nil {
		return nil, errors.New("random topology needs a random source")
	}
	if degree >= n {
		degree = n - 1
	}

	linked := make(map[Link]struct{})
	degrees := make([]int, n)
	links := make([]Link, 0)
	add := func(l Link) {
		linked[l] = struct{}{}
		degrees[l.From]++
		degrees[l.To]++
		links = append(links, l)
	}

	order := rng.Perm(n)
	for i := 0; i+1 < n; i++ {
		add(newLink(order[i], order[i+1]))
	}

	for p := 0; p < n; p++ {
		for degrees[p] < degree {
			candidates := make([]wr.Choice, 0, n)
			for q := 0; q < n; q++ {
				if q == p {
					continue
				}
				if _, exists := linked[newLink(p, q)]; exists {
					continue
				}
				candidates = append(candidates, wr.Choice{
					Item:   q,
					Weight: uint(n - degrees[q]),
				})
			}
			if len(candidates) == 0 {
				break
			}
			chooser, err := wr.NewChooser(candidates...)
			if err != nil {
				return nil, err
			}
			add(newLink(p, chooser.PickSource(rng).(int)))
		}
	}
	return links, nil
}
