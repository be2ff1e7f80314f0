package searcher

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

// CrossEntropyConfig configures iterative distribution-based search: sample a
// batch, keep the elite fraction, refit the per-parameter distributions to the
// elites and decay their variance, repeat.
type CrossEntropyConfig struct {
	Space         Space        `json:"space"`
	Metric        MetricConfig `json:"metric"`
	BatchSize     int          `json:"batch_size"`
	EliteFraction float64      `json:"elite_fraction"`
	VarianceDecay float64      `json:"variance_decay"`
	MaxIterations int          `json:"max_iterations"`
}

// Validate implements the check.Validatable interface.
func (c CrossEntropyConfig) Validate() []error {
	var errs []error
	if len(c.Space) == 0 {
		errs = append(errs, errors.New("cross-entropy search requires a non-empty space"))
	}
	if c.BatchSize < 2 {
		errs = append(errs, errors.Errorf("batch_size must be at least 2, got %d", c.BatchSize))
	}
	if c.EliteFraction <= 0 || c.EliteFraction > 1 {
		errs = append(errs, errors.Errorf("elite_fraction must be in (0, 1], got %v", c.EliteFraction))
	}
	if c.VarianceDecay <= 0 || c.VarianceDecay > 1 {
		errs = append(errs, errors.Errorf("variance_decay must be in (0, 1], got %v", c.VarianceDecay))
	}
	if c.MaxIterations < 1 {
		errs = append(errs, errors.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations))
	}
	return errs
}

type crossEntropySearch struct {
	cfg   CrossEntropyConfig
	dists map[string]distribution

	iteration int
	consumed  int // history entries already folded into the distributions
	threshold *float64
}

func newCrossEntropySearch(cfg CrossEntropyConfig) *crossEntropySearch {
	dists := make(map[string]distribution, len(cfg.Space))
	for name, domain := range cfg.Space {
		dists[name] = newDistribution(domain)
	}
	return &crossEntropySearch{cfg: cfg, dists: dists}
}

func (s *crossEntropySearch) Propose(ctx Context, history []Trial) ([]model.Params, error) {
	if fresh := history[s.consumed:]; len(fresh) > 0 {
		if err := s.refit(fresh); err != nil {
			return nil, err
		}
		s.consumed = len(history)
	}
	if s.Exhausted() {
		return nil, nil
	}
	s.iteration++

	batch := make([]model.Params, 0, s.cfg.BatchSize)
	for i := 0; i < s.cfg.BatchSize; i++ {
		params := make(model.Params, len(s.dists))
		for name, dist := range s.dists {
			params[name] = dist.Sample(ctx.Rand)
		}
		batch = append(batch, params)
	}
	return batch, nil
}

func (s *crossEntropySearch) Exhausted() bool {
	return s.iteration >= s.cfg.MaxIterations
}

// EliteThreshold implements Pruner: the worst metric value still admitted to
// the elite subset of the previous iteration.
func (s *crossEntropySearch) EliteThreshold() (float64, bool) {
	if s.threshold == nil {
		return 0, false
	}
	return *s.threshold, true
}

// refit selects the elite subset of the newly finished trials and refits every
// parameter distribution to it.
func (s *crossEntropySearch) refit(fresh []Trial) error {
	scored := make([]Trial, 0, len(fresh))
	for _, t := range fresh {
		if _, ok := t.Metrics[s.cfg.Metric.Name]; ok {
			scored = append(scored, t)
		}
	}
	if len(scored) == 0 {
		return errors.Errorf("no finished trial reported metric %q", s.cfg.Metric.Name)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a := scored[i].Metrics[s.cfg.Metric.Name]
		b := scored[j].Metrics[s.cfg.Metric.Name]
		if s.cfg.Metric.SmallerIsBetter {
			return a < b
		}
		return a > b
	})

	k := int(float64(len(scored))*s.cfg.EliteFraction + 0.5)
	if k < 1 {
		k = 1
	}
	elite := scored[:k]
	worst := elite[len(elite)-1].Metrics[s.cfg.Metric.Name]
	s.threshold = &worst

	for name, dist := range s.dists {
		values := make([]interface{}, 0, len(elite))
		for _, t := range elite {
			if v, ok := t.Params[name]; ok {
				values = append(values, v)
			}
		}
		dist.Fit(values)
		dist.Tighten(s.cfg.VarianceDecay)
	}
	return nil
}
