// Package policy parses storage alert-policy strings into absolute
// thresholds.
//
// A policy string is a "/" separated list of key:value entries:
//
//	notify_l:500M/notify_m:2G/notify_h:10%/clean_l:750M/clean_m:5%/clean_h:12%
//
// A value is a bare count, a count with an M or G suffix (mebibytes,
// gibibytes) or a percentage of the total quantity the policy is
// evaluated against. Entries that cannot be parsed are logged and
// skipped; the remaining entries still apply.
package policy

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// Tier is a severity band. Low is the most urgent: it has the smallest
// threshold.
type Tier int

const (
	Low Tier = iota
	Medium
	High

	numTiers = 3
)

// Tiers lists the severity bands from most to least urgent.
var Tiers = [numTiers]Tier{Low, Medium, High}

func (t Tier) String() string {
	switch t {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) suffix() string {
	switch t {
	case Low:
		return "l"
	case Medium:
		return "m"
	default:
		return "h"
	}
}

// Kind says whether a threshold drives notification or cleanup.
type Kind int

const (
	Notify Kind = iota
	Clean

	numKinds = 2
)

func (k Kind) String() string {
	if k == Clean {
		return "clean"
	}
	return "notify"
}

// Resource is the quantity a policy is evaluated against.
type Resource int

const (
	Space Resource = iota
	Inode
)

// String returns the resource name used in published events.
func (r Resource) String() string {
	if r == Inode {
		return "inode"
	}
	return "space"
}

const (
	mebibyte = 1 << 20
	gibibyte = 1 << 30
)

// Default policies applied when no parameter is configured.
const (
	DefaultSpacePolicy = "notify_l:500M/notify_m:2G/notify_h:10%/clean_l:750M/clean_m:5%/clean_h:12%"
	DefaultInodePolicy = "notify_l:25000/notify_m:100000/notify_h:10%/clean_l:37500/clean_m:5%/clean_h:12%"
)

// Key returns the policy-string key for kind and tier, e.g. "clean_l".
func Key(kind Kind, tier Tier) string {
	return kind.String() + "_" + tier.suffix()
}

// ParseKey maps a policy-string key back to its kind and tier.
func ParseKey(key string) (Kind, Tier, bool) {
	for _, k := range [numKinds]Kind{Notify, Clean} {
		for _, t := range Tiers {
			if Key(k, t) == key {
				return k, t, true
			}
		}
	}
	return 0, 0, false
}

// Thresholds is the parsed form of one policy string. Entries absent
// from the policy read as zero, which never triggers for a non-negative
// free quantity.
type Thresholds struct {
	values  [numKinds][numTiers]int64
	present [numKinds][numTiers]bool
}

// Get returns the threshold for kind and tier, or zero if unset.
func (t Thresholds) Get(kind Kind, tier Tier) int64 {
	return t.values[kind][tier]
}

// Has reports whether the policy configured kind and tier.
func (t Thresholds) Has(kind Kind, tier Tier) bool {
	return t.present[kind][tier]
}

// Set stores a threshold.
func (t *Thresholds) Set(kind Kind, tier Tier, v int64) {
	t.values[kind][tier] = v
	t.present[kind][tier] = true
}

// Len returns the number of configured entries.
func (t Thresholds) Len() int {
	n := 0
	for k := range t.present {
		for _, ok := range t.present[k] {
			if ok {
				n++
			}
		}
	}
	return n
}

// Select returns the first tier, low to high, whose threshold free is
// below. The boolean is false when free is at or above every threshold.
func (t Thresholds) Select(kind Kind, free int64) (Tier, bool) {
	for _, tier := range Tiers {
		if free < t.values[kind][tier] {
			return tier, true
		}
	}
	return High, false
}

// Below reports whether free is under the high threshold of kind, i.e.
// whether any tier is triggered.
func (t Thresholds) Below(kind Kind, free int64) bool {
	_, ok := t.Select(kind, free)
	return ok
}

// Monotonic reports whether the configured tiers of kind satisfy
// low <= medium <= high. Unset tiers are ignored.
func (t Thresholds) Monotonic(kind Kind) bool {
	prev := int64(-1)
	for _, tier := range Tiers {
		if !t.present[kind][tier] {
			continue
		}
		v := t.values[kind][tier]
		if v < prev {
			return false
		}
		prev = v
	}
	return true
}

// Parse converts policy into absolute thresholds relative to total.
// Invalid entries are reported to logger and skipped. logger may be nil.
func Parse(policy string, total int64, logger *utils.StructuredLogger) Thresholds {
	var out Thresholds
	for _, entry := range strings.Split(policy, "/") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kind, tier, value, err := parseEntry(entry, total)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping policy entry", map[string]interface{}{
					"entry": entry,
					"error": err,
				})
			}
			continue
		}
		out.Set(kind, tier, value)
	}
	return out
}

func parseEntry(entry string, total int64) (Kind, Tier, int64, error) {
	key, raw, ok := strings.Cut(entry, ":")
	if !ok {
		return 0, 0, 0, errors.Newf(errors.ErrCodeInvalidPolicy, "missing ':' in %q", entry)
	}
	kind, tier, ok := ParseKey(strings.TrimSpace(key))
	if !ok {
		return 0, 0, 0, errors.Newf(errors.ErrCodeInvalidPolicy, "unknown key %q", key)
	}
	value, err := ParseValue(strings.TrimSpace(raw), total)
	if err != nil {
		return 0, 0, 0, err
	}
	return kind, tier, value, nil
}

// ParseValue converts one policy value into an absolute quantity.
func ParseValue(raw string, total int64) (int64, error) {
	if raw == "" {
		return 0, errors.NewError(errors.ErrCodeInvalidPolicy, "empty value")
	}

	multiplier := int64(1)
	percent := false
	digits := raw
	switch raw[len(raw)-1] {
	case 'M':
		multiplier = mebibyte
		digits = raw[:len(raw)-1]
	case 'G':
		multiplier = gibibyte
		digits = raw[:len(raw)-1]
	case '%':
		percent = true
		digits = raw[:len(raw)-1]
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeInvalidPolicy, "invalid number %q", raw).WithCause(err)
	}
	if n < 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidPolicy, "negative value %q", raw)
	}

	if percent {
		if n > 100 {
			return 0, errors.Newf(errors.ErrCodeInvalidPolicy, "percentage out of range %q", raw)
		}
		if total < 0 {
			total = 0
		}
		// total*n can exceed int64 for large totals.
		v := new(big.Int).Mul(big.NewInt(total), big.NewInt(n))
		v.Quo(v, big.NewInt(100))
		return v.Int64(), nil
	}

	if n > 0 && multiplier > 1 && n > (1<<63-1)/multiplier {
		return 0, errors.Newf(errors.ErrCodeInvalidPolicy, "value overflows %q", raw)
	}
	return n * multiplier, nil
}
