package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Repository is the contract the transport layer consumes.
type Repository interface {
	RegisterMetric(name string) (bool, error)
	ListMetricNames() []string
	InsertSample(name string, value float64) (bool, error)
	Series(name string) ([]float64, error)
	Len(name string) (int, error)
	Minimum(name string) (float64, error)
	Maximum(name string) (float64, error)
	Median(name string) (float64, error)
	Mean(name string) (float64, error)
	Statistic(name string, stat string) (float64, error)
}

// Observer is notified after successful mutations. Calls happen outside
// any Series lock and must not block for long.
type Observer interface {
	MetricRegistered(name string)
	SampleInserted(name string, value float64, count int)
}

// Config holds MetricStore options.
type Config struct {
	ValuePolicy ValuePolicy
	Observers   []Observer
}

// DefaultConfig returns the pass-through configuration.
func DefaultConfig() Config {
	return Config{ValuePolicy: ValuePolicyAllow}
}

// MetricStore maps metric names to sorted Series.
//
// The registry is a sync.Map so that lookups of existing metrics never
// contend with registrations, and LoadOrStore gives the check-and-set
// needed for one Series per name. Each Series carries its own lock, so
// operations on different metrics never wait on each other.
type MetricStore struct {
	registry  sync.Map // string -> *Series
	count     atomic.Int64
	policy    ValuePolicy
	observers []Observer
	logger    zerolog.Logger
}

// Ensure MetricStore implements Repository
var _ Repository = (*MetricStore)(nil)

// New creates an empty MetricStore.
func New(config Config, logger zerolog.Logger) (*MetricStore, error) {
	policy, err := ParseValuePolicy(string(config.ValuePolicy))
	if err != nil {
		return nil, err
	}

	return &MetricStore{
		policy:    policy,
		observers: append([]Observer(nil), config.Observers...),
		logger:    logger.With().Str("component", "metric_store").Logger(),
	}, nil
}

// Policy returns the active value policy.
func (s *MetricStore) Policy() ValuePolicy {
	return s.policy
}

// RegisterMetric creates an empty Series under name. It returns false
// without error if the name already exists.
func (s *MetricStore) RegisterMetric(name string) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: metric name cannot be empty", ErrInvalidArgument)
	}

	if _, loaded := s.registry.LoadOrStore(name, newSeries()); loaded {
		s.logger.Debug().Str("metric", name).Msg("Metric already exists")
		return false, nil
	}
	s.count.Add(1)

	s.logger.Debug().Str("metric", name).Msg("Metric registered")
	for _, o := range s.observers {
		o.MetricRegistered(name)
	}
	return true, nil
}

// ListMetricNames returns every registered name in ascending order.
func (s *MetricStore) ListMetricNames() []string {
	names := make([]string, 0, s.count.Load())
	s.registry.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// InsertSample adds value to the named Series, keeping it sorted. It
// returns false without error if the metric is not registered.
func (s *MetricStore) InsertSample(name string, value float64) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: metric name cannot be empty", ErrInvalidArgument)
	}

	series, ok := s.lookup(name)
	if !ok {
		return false, nil
	}

	if err := s.policy.check(value); err != nil {
		return false, err
	}

	count := series.insert(value)

	for _, o := range s.observers {
		o.SampleInserted(name, value, count)
	}
	return true, nil
}

// Series returns a sorted copy of the samples stored for name.
func (s *MetricStore) Series(name string) ([]float64, error) {
	series, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return series.snapshot(), nil
}

// Len returns the number of samples stored for name.
func (s *MetricStore) Len(name string) (int, error) {
	series, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return series.len(), nil
}

// Minimum returns the smallest sample, or 0 for an empty Series.
func (s *MetricStore) Minimum(name string) (float64, error) {
	series, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return series.min(), nil
}

// Maximum returns the largest sample, or 0 for an empty Series.
func (s *MetricStore) Maximum(name string) (float64, error) {
	series, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return series.max(), nil
}

// Median returns the middle sample, the mean of the two middle samples
// for an even count, or 0 for an empty Series.
func (s *MetricStore) Median(name string) (float64, error) {
	series, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return series.median(), nil
}

// Mean returns the arithmetic mean, or 0 for an empty Series.
func (s *MetricStore) Mean(name string) (float64, error) {
	series, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return series.mean(), nil
}

// Statistic computes the statistic named by stat (case-insensitive).
func (s *MetricStore) Statistic(name string, stat string) (float64, error) {
	parsed, err := ParseStatistic(stat)
	if err != nil {
		return 0, err
	}

	switch parsed {
	case StatisticMean:
		return s.Mean(name)
	case StatisticMedian:
		return s.Median(name)
	case StatisticMin:
		return s.Minimum(name)
	default:
		return s.Maximum(name)
	}
}

func (s *MetricStore) lookup(name string) (*Series, bool) {
	v, ok := s.registry.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Series), true
}

func (s *MetricStore) get(name string) (*Series, error) {
	series, ok := s.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return series, nil
}
