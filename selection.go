package gpupool

import (
	"fmt"
	"slices"
)

// Selection decides which resource ids an Init call puts under management,
// given the number of devices reported by the host.
type Selection interface {
	resolve(total int) ([]int, error)
}

type allSelection struct{}

// ManageAll selects every id in [0, total).
func ManageAll() Selection {
	return allSelection{}
}

func (allSelection) resolve(total int) ([]int, error) {
	ids := make([]int, 0, total)
	for i := range total {
		ids = append(ids, i)
	}
	return ids, nil
}

type idsSelection []int

// ManageIDs selects the given ids. Duplicates are dropped and the result is
// sorted. Every id must lie in [0, total).
func ManageIDs(ids ...int) Selection {
	return idsSelection(slices.Clone(ids))
}

func (s idsSelection) resolve(total int) ([]int, error) {
	ids := slices.Clone([]int(s))
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		if id < 0 || id >= total {
			return nil, fmt.Errorf("%w: id %d outside of [0, %d)", ErrInvalidRequest, id, total)
		}
	}
	return ids, nil
}

type countSelection int

// ManageCount selects the n highest ids, highest first, so that low ids stay
// free for use outside the pool.
func ManageCount(n int) Selection {
	return countSelection(n)
}

func (s countSelection) resolve(total int) ([]int, error) {
	n := int(s)
	if n <= 0 {
		return nil, fmt.Errorf("%w: managed count must be positive: given %d", ErrInvalidRequest, n)
	}
	if n > total {
		return nil, fmt.Errorf("%w: can not manage %d devices out of %d available", ErrInvalidRequest, n, total)
	}
	ids := make([]int, 0, n)
	for id := total - 1; id >= total-n; id-- {
		ids = append(ids, id)
	}
	return ids, nil
}
