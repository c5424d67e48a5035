package scenario

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
)

// Product is a catalog product with a demonstration scenario.
type Product struct {
	ID           string
	Name         string
	ScenarioID   string
	RelatedFlags []string
	CoreModules  []string
}

const (
	scoreLabCore = "ScoreLab Core"
	dfc          = "Dynamic Flag Council (DFC)"
	platformName = "FoundLab Core"
)

// RelatedFlagsStart and RelatedFlagsStep place a product's related flags
// after its scripted ones.
const (
	RelatedFlagsStart = 6 * time.Second
	RelatedFlagsStep  = 1500 * time.Millisecond
)

var products = []Product{
	{
		ID: "scorelab", Name: "ScoreLab", ScenarioID: "scorelab_onboarding_risk",
		RelatedFlags: []string{"High Volume Anomaly", "Unusual Transaction Pattern", "New Account High Activity", "Darknet Marketplace Link"},
		CoreModules:  []string{scoreLabCore, "Score Engine", "Anomaly Detector", dfc, "Reputation Kernel"},
	},
	{
		ID: "sigilmesh", Name: "SigilMesh", ScenarioID: "sigilmesh_identity_verification",
		RelatedFlags: []string{"Identity Mismatch", "Forged Credentials Alert", "Biometric Anomaly", "Reputation NFT Tampered"},
		CoreModules:  []string{"SigilMesh (NFT Engine)", "Badges Engine", "Reputation Mapper", "KYC/AI Module", "Metadata Loader"},
	},
	{
		ID: "veritas", Name: "Veritas Protocol", ScenarioID: "veritas_trusted_wallet_contested",
		RelatedFlags: []string{"Sanctioned Address Interaction", "Mixer Usage Detected", "Funds from Known Hack", "Smart Contract Vulnerability Detected"},
		CoreModules:  []string{"Chainalysis Connector", "Bitquery Connector", "Explorer Scanner", "Token Provenance", "Score Engine", "Compliance Ruleset", "Sherlock Validator"},
	},
	{
		ID: "guardianai", Name: "Guardian AI", ScenarioID: "guardianai_system_anomaly",
		RelatedFlags: []string{"Anomalous System Access", "Potential Phishing Attempt", "Malware Signature Detected", "Data Exfiltration Attempt"},
		CoreModules:  []string{"Flag Loader", "Score Engine", "Watchdog Listener", "Anomaly Detector", "Sentinela", "Malicious Pattern DB", "Dynamic Feedback Loop"},
	},
	{
		ID: "chainbridge", Name: "ChainBridge", ScenarioID: "chainbridge_pix_crypto_tx",
		RelatedFlags: []string{"High Risk Source of Funds (Pix)", "Unverified Crypto Wallet", "Large Cross-Border Transaction", "Velocity Anomaly"},
		CoreModules:  []string{"Token Provenance", scoreLabCore, "Compliance Orchestrator", "GasMonitor", "KYC/AI Module", "Public API", "Open Finance Connector"},
	},
	{
		ID: "aistudio", Name: "AI Studio", ScenarioID: "aistudio_model_simulation",
		RelatedFlags: []string{"Model Overfitting Alert", "Data Skew Detected in Simulation", "API Quota Exceeded for External Data", "Inconsistent Flag Logic"},
		CoreModules:  []string{scoreLabCore, dfc, "Mirror Engine", "Score Engine", "Web Dashboard", "Public API", "Metadata Loader", "Flag Loader", "Reputational Sandbox"},
	},
	{
		ID: "nexusplatform", Name: platformName, ScenarioID: "nexus_overview_demo",
		RelatedFlags: []string{"High Volume Anomaly", "Sanctioned Address Interaction", "Anomalous System Access", "Sybil Attack Pattern Detected", "Cross-Product Risk Correlation"},
		CoreModules:  []string{scoreLabCore, "Score Engine", dfc, "Compliance Orchestrator", "Web Dashboard", "Public API", "Reputation Kernel", "Watchdog Listener", "Reputation Archive"},
	},
}

// Products returns the product catalog.
func Products() []Product {
	return append([]Product(nil), products...)
}

// ProductForScenario returns the product demonstrated by a scenario.
func ProductForScenario(id string) (Product, bool) {
	for _, p := range products {
		if p.ScenarioID == id {
			return p, true
		}
	}
	return Product{}, false
}

func (p Product) relates(flagName string) bool {
	for _, n := range p.RelatedFlags {
		if n == flagName {
			return true
		}
	}
	return false
}

var platformModules = map[string]bool{
	scoreLabCore:         true,
	"Anomaly Detector":   true,
	dfc:                  true,
	"Sherlock Validator": true,
}

var headlineModules = map[string]bool{
	scoreLabCore:       true,
	"Anomaly Detector": true,
	dfc:                true,
	"Veritas Protocol": true,
	"Guardian AI":      true,
}

// RelevantModules names the platform components most involved with the
// critical and high severity flags among flags, in discovery order.
func RelevantModules(flags []flag.Flag) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(m string) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}

	for _, f := range flags {
		if !f.Severity.IsSevere() {
			continue
		}
		for _, p := range products {
			if !p.relates(f.Name) {
				continue
			}
			switch {
			case p.Name == platformName:
				for _, m := range p.CoreModules {
					if platformModules[m] {
						add(m)
					}
				}
			case len(p.CoreModules) > 0:
				add(p.CoreModules[0])
				if len(p.CoreModules) > 1 && p.CoreModules[0] != scoreLabCore {
					add(p.CoreModules[1])
				}
			default:
				add(p.Name)
			}
		}
	}

	headline := false
	for _, m := range out {
		if headlineModules[m] {
			headline = true
			break
		}
	}
	if !headline {
		add(scoreLabCore)
		add(dfc)
	}
	return out
}

// DescribeModules renders a short sentence naming the modules.
func DescribeModules(mods []string) string {
	switch len(mods) {
	case 0:
		return "the FoundLab platform"
	case 1:
		return "modules such as " + mods[0]
	case 2:
		return fmt.Sprintf("modules such as %s and %s", mods[0], mods[1])
	default:
		return fmt.Sprintf("modules such as %s and other FoundLab components", strings.Join(mods[:2], ", "))
	}
}
