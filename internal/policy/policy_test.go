package policy

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storaged/storaged/pkg/utils"
)

func TestKeyRoundTrip(t *testing.T) {
	for _, kind := range []Kind{Notify, Clean} {
		for _, tier := range Tiers {
			k, ti, ok := ParseKey(Key(kind, tier))
			require.True(t, ok, Key(kind, tier))
			assert.Equal(t, kind, k)
			assert.Equal(t, tier, ti)
		}
	}
	assert.Equal(t, "clean_l", Key(Clean, Low))
	assert.Equal(t, "notify_h", Key(Notify, High))

	_, _, ok := ParseKey("clean_x")
	assert.False(t, ok)
}

func TestParseDefaultSpacePolicy(t *testing.T) {
	const total = int64(128) << 30
	th := Parse(DefaultSpacePolicy, total, nil)

	assert.Equal(t, 6, th.Len())
	assert.Equal(t, int64(500)*mebibyte, th.Get(Notify, Low))
	assert.Equal(t, int64(2)*gibibyte, th.Get(Notify, Medium))
	assert.Equal(t, total*10/100, th.Get(Notify, High))
	assert.Equal(t, int64(750)*mebibyte, th.Get(Clean, Low))
	assert.Equal(t, total*5/100, th.Get(Clean, Medium))
	assert.Equal(t, total*12/100, th.Get(Clean, High))
}

func TestParseDefaultInodePolicy(t *testing.T) {
	th := Parse(DefaultInodePolicy, 1_000_000, nil)

	assert.Equal(t, int64(25000), th.Get(Notify, Low))
	assert.Equal(t, int64(100000), th.Get(Notify, Medium))
	assert.Equal(t, int64(100000), th.Get(Notify, High))
	assert.Equal(t, int64(37500), th.Get(Clean, Low))
	assert.Equal(t, int64(50000), th.Get(Clean, Medium))
	assert.Equal(t, int64(120000), th.Get(Clean, High))
}

func TestParsePercentageIsFloor(t *testing.T) {
	totals := []int64{0, 1, 7, 99, 1000, 12345, 1<<40 + 17}
	for _, total := range totals {
		for p := int64(0); p <= 100; p++ {
			th := Parse(fmt.Sprintf("clean_h:%d%%", p), total, nil)
			require.True(t, th.Has(Clean, High))
			assert.Equal(t, total*p/100, th.Get(Clean, High), "total=%d p=%d", total, p)
		}
	}
}

func TestParsePercentageLargeTotal(t *testing.T) {
	total := int64(1) << 62
	th := Parse("notify_h:100%", total, nil)
	assert.Equal(t, total, th.Get(Notify, High))
}

func TestParseUnitSuffixes(t *testing.T) {
	for _, n := range []int64{0, 1, 3, 750, 4096} {
		th := Parse(fmt.Sprintf("clean_l:%dM/clean_m:%dG", n, n), 0, nil)
		assert.Equal(t, n*1_048_576, th.Get(Clean, Low))
		assert.Equal(t, n*1_073_741_824, th.Get(Clean, Medium))
	}
}

func TestParseSkipsInvalidEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.DEBUG,
		Output: &buf,
		Format: utils.FormatJSON,
	})
	require.NoError(t, err)

	policy := "notify_l:-5M/notify_m:101%/notify_h:-1%/clean_l:abc/clean_m:/bogus:5/clean_h:12%/noseparator"
	th := Parse(policy, 1000, logger)

	assert.False(t, th.Has(Notify, Low))
	assert.False(t, th.Has(Notify, Medium))
	assert.False(t, th.Has(Notify, High))
	assert.False(t, th.Has(Clean, Low))
	assert.False(t, th.Has(Clean, Medium))
	require.True(t, th.Has(Clean, High))
	assert.Equal(t, int64(120), th.Get(Clean, High))
	assert.Equal(t, 1, th.Len())

	assert.Contains(t, buf.String(), "skipping policy entry")
	assert.Contains(t, buf.String(), "bogus:5")
}

func TestParseOverflow(t *testing.T) {
	th := Parse("clean_l:9223372036854775807G", 0, nil)
	assert.False(t, th.Has(Clean, Low))
}

func TestParseEmptyPolicy(t *testing.T) {
	th := Parse("", 1000, nil)
	assert.Equal(t, 0, th.Len())
	_, triggered := th.Select(Clean, 0)
	assert.False(t, triggered)
}

func TestSelect(t *testing.T) {
	th := Parse("clean_l:50/clean_m:100/clean_h:200", 0, nil)

	tests := []struct {
		free      int64
		want      Tier
		triggered bool
	}{
		{0, Low, true},
		{49, Low, true},
		{50, Medium, true},
		{99, Medium, true},
		{100, High, true},
		{199, High, true},
		{200, High, false},
		{5000, High, false},
	}
	for _, tt := range tests {
		tier, ok := th.Select(Clean, tt.free)
		assert.Equal(t, tt.triggered, ok, "free=%d", tt.free)
		if ok {
			assert.Equal(t, tt.want, tier, "free=%d", tt.free)
		}
		assert.Equal(t, tt.triggered, th.Below(Clean, tt.free))
	}
}

func TestSelectFirstMatchWinsWhenUnordered(t *testing.T) {
	th := Parse("clean_l:300/clean_m:100/clean_h:200", 0, nil)
	assert.False(t, th.Monotonic(Clean))

	tier, ok := th.Select(Clean, 150)
	require.True(t, ok)
	assert.Equal(t, Low, tier)
}

func TestMonotonic(t *testing.T) {
	assert.True(t, Parse("clean_l:1/clean_m:2/clean_h:3", 0, nil).Monotonic(Clean))
	assert.True(t, Parse("clean_l:1/clean_h:3", 0, nil).Monotonic(Clean))
	assert.True(t, Parse("", 0, nil).Monotonic(Notify))
	assert.False(t, Parse("notify_m:5/notify_h:4", 0, nil).Monotonic(Notify))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "space", Space.String())
	assert.Equal(t, "inode", Inode.String())
}
