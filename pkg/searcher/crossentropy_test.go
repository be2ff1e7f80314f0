package searcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

func ceConfig(space Space) CrossEntropyConfig {
	return CrossEntropyConfig{
		Space:         space,
		Metric:        MetricConfig{Name: "loss", SmallerIsBetter: true},
		BatchSize:     20,
		EliteFraction: 0.25,
		VarianceDecay: 0.9,
		MaxIterations: 10,
	}
}

func TestCrossEntropyBatchSize(t *testing.T) {
	space := Space{
		"x": Domain{TruncatedNormal: &TruncatedNormalDomain{Mean: 0, Stddev: 2, Minval: -5, Maxval: 5}},
	}
	method := newCrossEntropySearch(ceConfig(space))
	ctx := NewContext(1, space)

	batch, err := method.Propose(ctx, nil)
	require.NoError(t, err)
	require.Len(t, batch, 20)
	for _, params := range batch {
		require.NoError(t, ValidateParams(space, params))
	}
}

func TestCrossEntropyConvergesOnConvexObjective(t *testing.T) {
	// Minimize (x - 2)^2 over [-5, 5]; the mean should walk toward 2 and the
	// deviation should shrink every iteration.
	space := Space{
		"x": Domain{TruncatedNormal: &TruncatedNormalDomain{Mean: 0, Stddev: 2, Minval: -5, Maxval: 5}},
	}
	cfg := ceConfig(space)
	method := newCrossEntropySearch(cfg)
	ctx := NewContext(42, space)

	var history []Trial
	prevStddev := method.dists["x"].(*truncNormalDist).stddev
	for i := 0; i < cfg.MaxIterations; i++ {
		batch, err := method.Propose(ctx, history)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, params := range batch {
			x := params["x"].(float64)
			history = append(history, Trial{
				Params:  params,
				Metrics: model.Metrics{"loss": (x - 2) * (x - 2)},
			})
		}
		stddev := method.dists["x"].(*truncNormalDist).stddev
		if i > 0 {
			require.LessOrEqual(t, stddev, prevStddev, "deviation grew at iteration %d", i)
		}
		prevStddev = stddev
	}

	// One last refit to fold in the final batch.
	_, err := method.Propose(ctx, history)
	require.NoError(t, err)
	require.True(t, method.Exhausted())
	require.InDelta(t, 2.0, method.dists["x"].(*truncNormalDist).mean, 0.5)
}

func TestCrossEntropyEliteThreshold(t *testing.T) {
	space := Space{
		"x": Domain{Discrete: &DiscreteDomain{Vals: []interface{}{1.0, 2.0, 3.0, 4.0}}},
	}
	cfg := ceConfig(space)
	method := newCrossEntropySearch(cfg)
	ctx := NewContext(7, space)

	_, ok := method.EliteThreshold()
	require.False(t, ok, "no threshold before the first refit")

	history := []Trial{
		{Params: model.Params{"x": 1.0}, Metrics: model.Metrics{"loss": 0.1}},
		{Params: model.Params{"x": 2.0}, Metrics: model.Metrics{"loss": 0.2}},
		{Params: model.Params{"x": 3.0}, Metrics: model.Metrics{"loss": 0.3}},
		{Params: model.Params{"x": 4.0}, Metrics: model.Metrics{"loss": 0.4}},
	}
	_, err := method.Propose(ctx, history)
	require.NoError(t, err)

	// elite_fraction 0.25 of 4 trials keeps exactly the best one.
	threshold, ok := method.EliteThreshold()
	require.True(t, ok)
	require.Equal(t, 0.1, threshold)
}

func TestCrossEntropyDiscreteRefit(t *testing.T) {
	d := newDiscreteDist([]interface{}{"a", "b", "c"})
	d.Fit([]interface{}{"b", "b", "b", "c"})
	require.Greater(t, d.probs[1], d.probs[2])
	require.Greater(t, d.probs[2], d.probs[0])
	// Smoothing keeps unseen categories reachable.
	require.Greater(t, d.probs[0], 0.0)
}

func TestCrossEntropyRefitWithoutMetric(t *testing.T) {
	space := Space{
		"x": Domain{TruncatedNormal: &TruncatedNormalDomain{Mean: 0, Stddev: 1, Minval: -1, Maxval: 1}},
	}
	method := newCrossEntropySearch(ceConfig(space))
	ctx := NewContext(0, space)

	history := []Trial{
		{Params: model.Params{"x": 0.0}, Metrics: model.Metrics{"accuracy": 0.9}},
	}
	_, err := method.Propose(ctx, history)
	require.ErrorContains(t, err, "loss")
}

func TestCrossEntropyIntegerLogSamples(t *testing.T) {
	space := Space{
		"n": Domain{TruncatedNormal: &TruncatedNormalDomain{
			Mean: 32, Stddev: 4, Minval: 8, Maxval: 128, Log: true, Integer: true,
		}},
	}
	method := newCrossEntropySearch(ceConfig(space))
	ctx := NewContext(3, space)

	batch, err := method.Propose(ctx, nil)
	require.NoError(t, err)
	for _, params := range batch {
		n, ok := params["n"].(int)
		require.True(t, ok, "integer domain must sample ints, got %T", params["n"])
		require.GreaterOrEqual(t, n, 8)
		require.LessOrEqual(t, n, 128)
	}
}

func TestCrossEntropyConfigValidate(t *testing.T) {
	cfg := CrossEntropyConfig{
		BatchSize:     1,
		EliteFraction: 1.5,
		VarianceDecay: 0,
		MaxIterations: 0,
	}
	require.Len(t, cfg.Validate(), 5)
}
