package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/epidata-io/covid-etl/internal/config"
	"github.com/epidata-io/covid-etl/internal/model"
)

func i64(v int64) *int64 { return &v }

func testCfg() config.ValidateConfig {
	return config.ValidateConfig{
		ActiveTolerancePct: 0.03,
		ActiveToleranceMin: 100,
		SpikeStddevMult:    4.0,
		SpikeMinFloor:      500,
		SpikeWindowDays:    14,
	}
}

func dayFact(day int, counts model.Counts) model.ReconciledFact {
	return model.ReconciledFact{
		CountryCode: "USA",
		Date:        time.Date(2021, 3, day, 0, 0, 0, 0, time.UTC),
		Counts:      counts,
	}
}

func TestValidate_Clean(t *testing.T) {
	v := New(testCfg())
	fact := dayFact(1, model.Counts{
		TotalCases:     i64(1000),
		TotalDeaths:    i64(50),
		TotalRecovered: i64(800),
		ActiveCases:    i64(150),
		NewCases:       i64(20),
	})
	out := v.Validate(fact, nil, nil)
	assert.Empty(t, out.Flags)
	assert.False(t, out.Rejected())
}

func TestValidate_StructuralRejection(t *testing.T) {
	v := New(testCfg())

	noCode := dayFact(1, model.Counts{TotalCases: i64(100)})
	noCode.CountryCode = ""
	out := v.Validate(noCode, nil, nil)
	assert.True(t, out.Rejected())

	noDate := dayFact(1, model.Counts{TotalCases: i64(100)})
	noDate.Date = time.Time{}
	out = v.Validate(noDate, nil, nil)
	assert.True(t, out.Rejected())
}

func TestValidate_NegativeValue(t *testing.T) {
	v := New(testCfg())
	fact := dayFact(1, model.Counts{NewCases: i64(-5)})
	out := v.Validate(fact, nil, nil)
	assert.True(t, out.HasFlag(model.FlagNegativeValue))
	assert.False(t, out.Rejected())
}

func TestValidate_InconsistentActive(t *testing.T) {
	v := New(testCfg())
	// Expected active is 1000 - 50 - 800 = 150; reported 500 exceeds the
	// tolerance max(100, 3% of 1000).
	fact := dayFact(1, model.Counts{
		TotalCases:     i64(1000),
		TotalDeaths:    i64(50),
		TotalRecovered: i64(800),
		ActiveCases:    i64(500),
	})
	out := v.Validate(fact, nil, nil)
	assert.True(t, out.HasFlag(model.FlagInconsistentActive))
}

func TestValidate_InconsistentActiveWithinTolerance(t *testing.T) {
	v := New(testCfg())
	fact := dayFact(1, model.Counts{
		TotalCases:     i64(1000),
		TotalDeaths:    i64(50),
		TotalRecovered: i64(800),
		ActiveCases:    i64(220),
	})
	out := v.Validate(fact, nil, nil)
	assert.False(t, out.HasFlag(model.FlagInconsistentActive))
}

func TestValidate_ActiveSkippedWhenFieldsMissing(t *testing.T) {
	v := New(testCfg())
	fact := dayFact(1, model.Counts{
		TotalCases:  i64(1000),
		ActiveCases: i64(99999),
	})
	out := v.Validate(fact, nil, nil)
	assert.Empty(t, out.Flags)
}

func TestValidate_CumulativeDecrease(t *testing.T) {
	v := New(testCfg())

	// Sequence 100, 150, 120: the third day drops below the preceding
	// value and gets flagged but keeps its value.
	prior := dayFact(2, model.Counts{TotalCases: i64(150)})
	fact := dayFact(3, model.Counts{TotalCases: i64(120)})
	out := v.Validate(fact, &prior, nil)

	assert.True(t, out.HasFlag(model.FlagCumulativeDecrease))
	assert.False(t, out.Rejected())
	assert.Equal(t, int64(120), *out.TotalCases)
}

func TestValidate_NoDecreaseWhenRising(t *testing.T) {
	v := New(testCfg())
	prior := dayFact(1, model.Counts{TotalCases: i64(100)})
	fact := dayFact(2, model.Counts{TotalCases: i64(150)})
	out := v.Validate(fact, &prior, nil)
	assert.False(t, out.HasFlag(model.FlagCumulativeDecrease))
}

func TestValidate_AnomalousSpike(t *testing.T) {
	v := New(testCfg())

	// Steady baseline around 100 new cases a day, then 20000.
	var history []model.ReconciledFact
	for day := 1; day <= 7; day++ {
		history = append(history, dayFact(day, model.Counts{NewCases: i64(int64(95 + day))}))
	}
	fact := dayFact(8, model.Counts{NewCases: i64(20000)})
	out := v.Validate(fact, nil, history)
	assert.True(t, out.HasFlag(model.FlagAnomalousSpike))
}

func TestValidate_SpikeFloorProtectsQuietBaseline(t *testing.T) {
	v := New(testCfg())

	// Near-zero baseline: 400 is above mean + 4 stddev but under the
	// absolute floor of 500, so it passes.
	var history []model.ReconciledFact
	for day := 1; day <= 7; day++ {
		history = append(history, dayFact(day, model.Counts{NewCases: i64(2)}))
	}
	fact := dayFact(8, model.Counts{NewCases: i64(400)})
	out := v.Validate(fact, nil, history)
	assert.False(t, out.HasFlag(model.FlagAnomalousSpike))
}

func TestValidate_SpikeNeedsBaseline(t *testing.T) {
	v := New(testCfg())

	history := []model.ReconciledFact{
		dayFact(6, model.Counts{NewCases: i64(10)}),
		dayFact(7, model.Counts{NewCases: i64(12)}),
	}
	fact := dayFact(8, model.Counts{NewCases: i64(50000)})
	out := v.Validate(fact, nil, history)
	assert.False(t, out.HasFlag(model.FlagAnomalousSpike))
}

func TestValidate_SpikeWindowExcludesOldDays(t *testing.T) {
	v := New(testCfg())

	// All baseline days fall outside the trailing 14-day window.
	var history []model.ReconciledFact
	for day := 1; day <= 5; day++ {
		history = append(history, dayFact(day, model.Counts{NewCases: i64(10)}))
	}
	fact := dayFact(25, model.Counts{NewCases: i64(50000)})
	out := v.Validate(fact, nil, history)
	assert.False(t, out.HasFlag(model.FlagAnomalousSpike))
}

func TestValidate_FlagsAccumulate(t *testing.T) {
	v := New(testCfg())
	prior := dayFact(1, model.Counts{TotalCases: i64(2000)})
	fact := dayFact(2, model.Counts{
		TotalCases:     i64(1000),
		TotalDeaths:    i64(50),
		TotalRecovered: i64(800),
		ActiveCases:    i64(500),
		NewDeaths:      i64(-3),
	})
	out := v.Validate(fact, &prior, nil)

	assert.True(t, out.HasFlag(model.FlagNegativeValue))
	assert.True(t, out.HasFlag(model.FlagInconsistentActive))
	assert.True(t, out.HasFlag(model.FlagCumulativeDecrease))
	assert.False(t, out.Rejected())
}
