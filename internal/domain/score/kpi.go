package score

import "math"

const (
	InitialReliability = 96.2
	MinReliability     = 80.0
	MaxReliability     = 99.9
	ReliabilityStep    = 0.1

	InitialLatencyMs = 120.0
	MinLatencyMs     = 50.0
	MaxLatencyMs     = 500.0
	LatencyStepMs    = 10.0
)

// KPIs is a point-in-time view of the derived indicators.
type KPIs struct {
	AverageScore     float64 `json:"averageScore"`
	ReliabilityIndex float64 `json:"reliabilityIndex"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
}

// Indicators holds the random-walk indicators. The walk is advanced by the
// drift task.
type Indicators struct {
	reliability float64
	latency     float64
}

func NewIndicators() *Indicators {
	return &Indicators{reliability: InitialReliability, latency: InitialLatencyMs}
}

// Walk moves both indicators one step. u1 and u2 are uniform samples in [0,1).
func (k *Indicators) Walk(u1, u2 float64) {
	k.reliability = clampFloat(k.reliability+(u1*2-1)*ReliabilityStep, MinReliability, MaxReliability)
	k.latency = clampFloat(k.latency+(u2*2-1)*LatencyStepMs, MinLatencyMs, MaxLatencyMs)
}

// Snapshot combines the indicators with the ledger's average.
func (k *Indicators) Snapshot(l *Ledger) KPIs {
	return KPIs{
		AverageScore:     l.Average(),
		ReliabilityIndex: k.reliability,
		AvgLatencyMs:     k.latency,
	}
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
