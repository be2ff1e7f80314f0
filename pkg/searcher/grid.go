package searcher

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

// GridConfig configures exhaustive enumeration of a discrete parameter space.
type GridConfig struct {
	Space Space `json:"space"`
}

// Validate implements the check.Validatable interface.
func (c GridConfig) Validate() []error {
	var errs []error
	if len(c.Space) == 0 {
		errs = append(errs, errors.New("grid search requires a non-empty space"))
	}
	for name, domain := range c.Space {
		if domain.TruncatedNormal != nil {
			errs = append(errs, errors.Errorf(
				"parameter %q: grid search requires const or discrete domains", name))
		}
	}
	return errs
}

// gridSearch enumerates the Cartesian product of the declared value sets once,
// up front. A degenerate one-shot method: all scheduling concerns (concurrency,
// batching) belong to the loop.
type gridSearch struct {
	cfg     GridConfig
	emitted bool
}

func newGridSearch(cfg GridConfig) *gridSearch {
	return &gridSearch{cfg: cfg}
}

func (s *gridSearch) Propose(ctx Context, history []Trial) ([]model.Params, error) {
	if s.emitted {
		return nil, nil
	}
	s.emitted = true
	return enumerateGrid(s.cfg.Space), nil
}

func (s *gridSearch) Exhausted() bool {
	return s.emitted
}

// enumerateGrid builds the full Cartesian product of the space's value sets in
// a deterministic order (parameter names sorted lexically).
func enumerateGrid(space Space) []model.Params {
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)

	valueSets := make([][]interface{}, 0, len(names))
	for _, name := range names {
		valueSets = append(valueSets, gridValues(space[name]))
	}

	var out []model.Params
	for _, combo := range cartesianProduct(valueSets) {
		params := make(model.Params, len(names))
		for i, name := range names {
			params[name] = combo[i]
		}
		out = append(out, params)
	}
	return out
}

// gridValues returns the enumerable values of a single domain. Continuous
// domains are rejected by GridConfig.Validate before a method is built.
func gridValues(d Domain) []interface{} {
	switch {
	case d.Const != nil:
		return []interface{}{d.Const.Val}
	case d.Discrete != nil:
		return d.Discrete.Vals
	default:
		return nil
	}
}

func cartesianProduct(valueSets [][]interface{}) [][]interface{} {
	switch {
	case len(valueSets) == 0:
		return nil
	case len(valueSets) == 1:
		cross := make([][]interface{}, 0, len(valueSets[0]))
		for _, value := range valueSets[0] {
			cross = append(cross, []interface{}{value})
		}
		return cross
	default:
		right := cartesianProduct(valueSets[1:])
		left := valueSets[0]
		cross := make([][]interface{}, 0, len(left)*len(right))
		for _, lValue := range left {
			for _, rValue := range right {
				row := make([]interface{}, 0, 1+len(rValue))
				row = append(row, lValue)
				row = append(row, rValue...)
				cross = append(cross, row)
			}
		}
		return cross
	}
}
