package pointcloud

import (
	"context"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/recon/utils"
)

// StatisticalOutliers returns, for every point, whether the mean distance to its k nearest
// neighbors exceeds the global mean of that statistic plus stdRatio standard deviations.
func StatisticalOutliers(ctx context.Context, d *Dense, k int, stdRatio float64) ([]bool, error) {
	n := d.Len()
	outlier := make([]bool, n)
	if n <= k || k <= 0 {
		return outlier, nil
	}
	tree := NewKDTree(d.Positions)
	meanDists := make(stats.Float64Data, n)
	if err := utils.ParallelForEachIndex(ctx, n, func(i int) {
		nbs := tree.KNearestExcluding(d.Positions, i, k)
		var sum float64
		for _, nb := range nbs {
			sum += nb.Distance
		}
		if len(nbs) > 0 {
			meanDists[i] = sum / float64(len(nbs))
		}
	}); err != nil {
		return nil, err
	}
	mean, err := stats.Mean(meanDists)
	if err != nil {
		return nil, errors.Wrap(err, "mean neighbor distance")
	}
	std, err := stats.StandardDeviation(meanDists)
	if err != nil {
		return nil, errors.Wrap(err, "neighbor distance deviation")
	}
	threshold := mean + stdRatio*std
	for i, md := range meanDists {
		outlier[i] = md > threshold
	}
	return outlier, nil
}

// RemoveStatisticalOutliers drops the points flagged by StatisticalOutliers.
func RemoveStatisticalOutliers(ctx context.Context, d *Dense, k int, stdRatio float64) (*Dense, error) {
	outlier, err := StatisticalOutliers(ctx, d, k, stdRatio)
	if err != nil {
		return nil, err
	}
	return d.Filter(func(i int) bool { return !outlier[i] }), nil
}
