package scenario

import (
	"strings"
	"unicode/utf16"

	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
)

const (
	seedModulus = 1001
	seedOffset  = 13
	MinSeed     = 50
	MaxSeed     = 990

	maxIDSuffix = 20

	// FallbackFlag is seeded when no band selects anything.
	FallbackFlag = "Low Activity Wallet"
)

// Picker supplies uniform integers in [0, n).
type Picker interface {
	IntN(n int) int
}

// NormalizeAddress trims the address and rejects empty input.
func NormalizeAddress(address string) (string, error) {
	a := strings.TrimSpace(address)
	if a == "" {
		return "", errors.NewValidationError(errors.CodeEmptyWallet, "wallet address is required")
	}
	return a, nil
}

// SeedScore deterministically maps a wallet address to a starting score in
// [MinSeed, MaxSeed]. Each UTF-16 code unit c at index i contributes
// c*(i+13), accumulated modulo 1001.
func SeedScore(address string) int {
	s := 0
	for i, c := range utf16.Encode([]rune(address)) {
		s = (s + int(c)*(i+seedOffset)) % seedModulus
	}
	if s < MinSeed {
		return MinSeed
	}
	if s > MaxSeed {
		return MaxSeed
	}
	return s
}

// SeedFlags picks the templates a wallet starts with, by score band:
// below 350 one critical and two high, below 650 two medium, below 850 one
// low or info. When nothing is selected the wallet gets FallbackFlag.
func SeedFlags(seed int, catalog *flag.Catalog, r Picker) []flag.Template {
	bySeverity := func(sev ...flag.Severity) []flag.Template {
		return catalog.Filter(func(t flag.Template) bool {
			for _, s := range sev {
				if t.Severity == s {
					return true
				}
			}
			return false
		})
	}

	var out []flag.Template
	switch {
	case seed < 350:
		out = append(out, pick(bySeverity(flag.SeverityCritical), 1, r)...)
		out = append(out, pick(bySeverity(flag.SeverityHigh), 2, r)...)
	case seed < 650:
		out = pick(bySeverity(flag.SeverityMedium), 2, r)
	case seed < 850:
		out = pick(bySeverity(flag.SeverityLow, flag.SeverityInfo), 1, r)
	}

	if len(out) == 0 {
		if t, err := catalog.Lookup(FallbackFlag); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// pick returns up to k distinct templates chosen uniformly.
func pick(ts []flag.Template, k int, r Picker) []flag.Template {
	ts = append([]flag.Template(nil), ts...)
	if k > len(ts) {
		k = len(ts)
	}
	for i := 0; i < k; i++ {
		j := i + r.IntN(len(ts)-i)
		ts[i], ts[j] = ts[j], ts[i]
	}
	return ts[:k]
}

// CustomScenarioID derives the scenario id for a wallet: every UTF-16 code
// unit that is not an ASCII word character becomes '_', and the result is
// cut to 20 units.
func CustomScenarioID(address string) string {
	units := utf16.Encode([]rune(address))
	var b strings.Builder
	for i, c := range units {
		if i == maxIDSuffix {
			break
		}
		if isWordUnit(c) {
			b.WriteByte(byte(c))
		} else {
			b.WriteByte('_')
		}
	}
	return "custom_wallet_" + b.String()
}

// ScenarioTag is the tag carried by flags seeded for a custom scenario.
func ScenarioTag(scenarioID string) string {
	return "custom_scenario_" + scenarioID
}

func isWordUnit(c uint16) bool {
	return c == '_' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}
