package store

import (
	"fmt"
	"strings"
)

// Statistic names a value derivable from a Series.
type Statistic string

const (
	StatisticMean   Statistic = "mean"
	StatisticMedian Statistic = "median"
	StatisticMin    Statistic = "min"
	StatisticMax    Statistic = "max"
)

// SupportedStatistics lists every recognized statistic.
var SupportedStatistics = []Statistic{StatisticMean, StatisticMedian, StatisticMin, StatisticMax}

// ParseStatistic matches s case-insensitively against the supported statistics.
func ParseStatistic(s string) (Statistic, error) {
	for _, stat := range SupportedStatistics {
		if strings.EqualFold(s, string(stat)) {
			return stat, nil
		}
	}
	return "", fmt.Errorf("%w: %q (expected mean, median, min or max)", ErrNotRecognized, s)
}
