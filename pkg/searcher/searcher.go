// Package searcher proposes parameter assignments for new jobs from the
// results of finished ones. Methods are driven by the scheduling loop at batch
// boundaries and hold all optimization state themselves.
package searcher

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

// Trial is one finished job as seen by a search method.
type Trial struct {
	Params  model.Params
	Metrics model.Metrics
}

// Context carries the run-scoped inputs of a search method: the seeded RNG and
// the declared parameter space.
type Context struct {
	Rand  *rand.Rand
	Space Space
}

// NewContext creates a search context with a deterministically seeded RNG.
func NewContext(seed int64, space Space) Context {
	return Context{
		Rand:  rand.New(rand.NewSource(seed)),
		Space: space,
	}
}

// Method is the interface of optimization methods. Propose is called with the
// full finished-trial history once a batch boundary is reached and returns the
// next parameter assignments to run; an empty proposal from an exhausted
// method terminates the search. Implementations use pointer receivers so
// interface equality is pointer equality.
type Method interface {
	Propose(ctx Context, history []Trial) ([]model.Params, error)
	Exhausted() bool
}

// Pruner is implemented by iterative methods that can bound how bad an
// in-flight job is allowed to look before it is worth cancelling. The returned
// threshold is the worst metric value among the current elite subset; the
// second return is false until a first elite selection exists.
type Pruner interface {
	EliteThreshold() (threshold float64, ok bool)
}

// MetricConfig names the optimized metric and its direction.
type MetricConfig struct {
	Name            string `json:"name"`
	SmallerIsBetter bool   `json:"smaller_is_better"`
}

// Validate implements the check.Validatable interface.
func (c MetricConfig) Validate() []error {
	if c.Name == "" {
		return []error{errors.New("metric name must be set")}
	}
	return nil
}

// Config selects and configures a search method; exactly one member must be set.
type Config struct {
	Seed         int64               `json:"seed"`
	Grid         *GridConfig         `json:"grid,omitempty"`
	CrossEntropy *CrossEntropyConfig `json:"cross_entropy,omitempty"`
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	count := 0
	if c.Grid != nil {
		count++
	}
	if c.CrossEntropy != nil {
		count++
	}
	if count != 1 {
		return []error{errors.Errorf("exactly one search method must be configured, got %d", count)}
	}
	return nil
}

// Space returns the parameter space of whichever method is configured.
func (c Config) Space() Space {
	switch {
	case c.Grid != nil:
		return c.Grid.Space
	case c.CrossEntropy != nil:
		return c.CrossEntropy.Space
	default:
		return nil
	}
}

// Metric returns the optimized metric, if the configured method has one.
func (c Config) Metric() (MetricConfig, bool) {
	if c.CrossEntropy != nil {
		return c.CrossEntropy.Metric, true
	}
	return MetricConfig{}, false
}

// NewMethod constructs the configured search method.
func NewMethod(c Config) (Method, error) {
	switch {
	case c.Grid != nil:
		return newGridSearch(*c.Grid), nil
	case c.CrossEntropy != nil:
		return newCrossEntropySearch(*c.CrossEntropy), nil
	default:
		return nil, errors.New("no search method configured")
	}
}
