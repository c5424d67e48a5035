package scenario

import (
	"sort"
	"time"
)

// DefaultID is the scenario used when none, or an unknown one, is requested.
const DefaultID = "default_start"

// StagedFlag is a flag emitted a fixed delay after the scenario starts.
type StagedFlag struct {
	Name  string
	Delay time.Duration
}

// Shock is a one-off score adjustment applied after a delay.
type Shock struct {
	Delta int
	Delay time.Duration
	Title string
}

// Definition describes a scripted scenario.
type Definition struct {
	ID    string
	Label string
	// Score is the fixed starting score. Zero means the initial score minus
	// a small random offset.
	Score int
	// Lead delays every staged flag.
	Lead  time.Duration
	Flags []StagedFlag
	Shock *Shock
	// Scripted scenarios run drift only; the random flag emitter stays off.
	Scripted bool
}

func staged(name string, ms int) StagedFlag {
	return StagedFlag{Name: name, Delay: time.Duration(ms) * time.Millisecond}
}

var definitions = map[string]Definition{
	DefaultID: {
		ID: DefaultID, Label: "Default simulation", Score: 950,
		Flags: []StagedFlag{
			staged("High Volume Anomaly", 1000),
			staged("Anomalous System Access", 4000),
		},
	},
	"scorelab_onboarding_risk": {
		ID: "scorelab_onboarding_risk", Label: "Onboarding risk analysis for a new wallet", Score: 750, Scripted: true,
		Flags: []StagedFlag{
			staged("New Account High Activity", 500),
			staged("Unusual Transaction Pattern", 2500),
			staged("High Volume Anomaly", 4500),
		},
	},
	"sigilmesh_identity_verification": {
		ID: "sigilmesh_identity_verification", Label: "Identity verification with NFT credentials", Score: 800, Scripted: true,
		Flags: []StagedFlag{
			staged("Identity Mismatch", 1000),
			staged("Biometric Anomaly", 3000),
		},
	},
	"veritas_trusted_wallet_contested": {
		ID: "veritas_trusted_wallet_contested", Label: "Trusted wallet with contested activity", Score: 920, Scripted: true,
		Lead: 5 * time.Second,
		Flags: []StagedFlag{
			staged("Mixer Usage Detected", 0),
			staged("Funds from Known Hack", 1500),
			staged("Smart Contract Vulnerability Detected", 2500),
		},
	},
	"guardianai_system_anomaly": {
		ID: "guardianai_system_anomaly", Label: "Proactive system threat detection", Score: 880, Scripted: true,
		Flags: []StagedFlag{
			staged("Anomalous System Access", 1000),
			staged("Potential Phishing Attempt", 3500),
			staged("Data Exfiltration Attempt", 5000),
		},
	},
	"chainbridge_pix_crypto_tx": {
		ID: "chainbridge_pix_crypto_tx", Label: "Pix to crypto transaction risk", Score: 820, Scripted: true,
		Flags: []StagedFlag{
			staged("High Risk Source of Funds (Pix)", 1000),
			staged("Unverified Crypto Wallet", 2500),
			staged("Large Cross-Border Transaction", 4000),
		},
	},
	"aistudio_model_simulation": {
		ID: "aistudio_model_simulation", Label: "Custom risk model validation", Score: 900, Scripted: true,
		Flags: []StagedFlag{
			staged("Model Overfitting Alert", 1500),
			staged("Data Skew Detected in Simulation", 3000),
			staged("Inconsistent Flag Logic", 4500),
		},
	},
	"sybil_attack_detected": {
		ID: "sybil_attack_detected", Label: "Sybil attack pattern", Score: 600, Scripted: true,
		Flags: []StagedFlag{staged("Sybil Attack Pattern Detected", 500)},
		Shock: &Shock{Delta: -300, Delay: time.Second, Title: "Sybil Attack"},
	},
	"nexus_overview_demo": {
		ID: "nexus_overview_demo", Label: "Cross-vector risk orchestration", Score: 930, Scripted: true,
		Flags: []StagedFlag{
			staged("High Volume Anomaly", 1000),
			staged("Cross-Product Risk Correlation", 2500),
			staged("Anomalous System Access", 4000),
		},
	},
}

// Lookup returns the built-in scenario with the given id.
func Lookup(id string) (Definition, bool) {
	d, ok := definitions[id]
	return d, ok
}

// IDs lists the built-in scenario ids in lexical order.
func IDs() []string {
	ids := make([]string, 0, len(definitions))
	for id := range definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
