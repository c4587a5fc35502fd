package store

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValuePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ValuePolicy
		wantErr bool
	}{
		{in: "", want: ValuePolicyAllow},
		{in: "allow", want: ValuePolicyAllow},
		{in: "reject_nan", want: ValuePolicyRejectNaN},
		{in: "reject_non_finite", want: ValuePolicyRejectNonFinite},
		{in: "REJECT_NAN", wantErr: true},
		{in: "drop", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseValuePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValuePolicy_Allow(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.RegisterMetric("m")

	for _, v := range []float64{1, math.Inf(1), math.NaN(), math.Inf(-1), 0} {
		ok, err := s.InsertSample("m", v)
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := s.Series("m")
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, []float64{math.Inf(-1), 0, 1, math.Inf(1)}, got[1:])

	maximum, err := s.Maximum("m")
	require.NoError(t, err)
	assert.True(t, math.IsInf(maximum, 1))
}

func TestValuePolicy_RejectNaN(t *testing.T) {
	s, err := New(Config{ValuePolicy: ValuePolicyRejectNaN}, zerolog.Nop())
	require.NoError(t, err)
	_, _ = s.RegisterMetric("m")

	ok, err := s.InsertSample("m", math.NaN())
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	ok, err = s.InsertSample("m", math.Inf(1))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Len("m")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValuePolicy_RejectNonFinite(t *testing.T) {
	s, err := New(Config{ValuePolicy: ValuePolicyRejectNonFinite}, zerolog.Nop())
	require.NoError(t, err)
	_, _ = s.RegisterMetric("m")

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		ok, err := s.InsertSample("m", v)
		assert.False(t, ok)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	}

	ok, err := s.InsertSample("m", 2.5)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Series("m")
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5}, got)
}

func TestValuePolicy_UnknownMetricBeforePolicy(t *testing.T) {
	s, err := New(Config{ValuePolicy: ValuePolicyRejectNonFinite}, zerolog.Nop())
	require.NoError(t, err)

	ok, err := s.InsertSample("missing", math.NaN())
	require.NoError(t, err)
	assert.False(t, ok)
}
