package directory

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// SelectCircuitPath selects 3 routers for a circuit: guard, middle, exit.
// Each position is drawn at random from the routers advertising that role,
// never choosing the same relay twice. When the list does not cover all
// three roles it falls back to the first three distinct entries.
func SelectCircuitPath(routers []*Router) (guard, middle, exit *Router, err error) {
	var guards, middles, exits []*Router
	for _, r := range routers {
		switch {
		case r.IsGuard():
			guards = append(guards, r)
		case r.IsMiddle():
			middles = append(middles, r)
		case r.IsExit():
			exits = append(exits, r)
		}
	}

	if len(guards) == 0 || len(middles) == 0 || len(exits) == 0 {
		return firstDistinct(routers)
	}

	// Select exit first (most constrained).
	exit, err = randomSelect(exits)
	if err != nil {
		return nil, nil, nil, err
	}
	guard, err = randomSelectExcluding(guards, exit)
	if err != nil {
		return nil, nil, nil, err
	}
	middle, err = randomSelectExcluding(middles, guard, exit)
	if err != nil {
		return nil, nil, nil, err
	}
	return guard, middle, exit, nil
}

// firstDistinct picks the first three entries with distinct addresses.
func firstDistinct(routers []*Router) (guard, middle, exit *Router, err error) {
	var path []*Router
	seen := make(map[string]bool)
	for _, r := range routers {
		if seen[r.Addr()] {
			continue
		}
		seen[r.Addr()] = true
		path = append(path, r)
		if len(path) == 3 {
			return path[0], path[1], path[2], nil
		}
	}
	return nil, nil, nil, torerr.Kind(torerr.ErrInsufficientRelays,
		errors.Errorf("%d distinct relays listed, need 3", len(path)))
}

func randomSelect(routers []*Router) (*Router, error) {
	idx, err := cryptoRandInt(len(routers))
	if err != nil {
		return nil, err
	}
	return routers[idx], nil
}

func randomSelectExcluding(routers []*Router, exclude ...*Router) (*Router, error) {
	filtered := make([]*Router, 0, len(routers))
	for _, r := range routers {
		if !sameRelay(r, exclude) {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return nil, torerr.Kind(torerr.ErrInsufficientRelays,
			errors.New("no routers available after exclusion"))
	}
	return randomSelect(filtered)
}

func sameRelay(r *Router, others []*Router) bool {
	for _, o := range others {
		if r.Addr() == o.Addr() || r.Name == o.Name {
			return true
		}
	}
	return false
}

func cryptoRandInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, torerr.Kind(torerr.ErrCrypto, err)
	}
	return int(n.Int64()), nil
}
