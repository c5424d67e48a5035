package flag

import (
	"fmt"
	"strings"

	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
)

// Severity ranks how serious a risk flag is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	default:
		return false
	}
}

// IsSevere reports whether the severity counts towards block impact analysis.
func (s Severity) IsSevere() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Template is the immutable definition of a flag kind.
type Template struct {
	Name     string
	Weight   int
	Severity Severity
	Prompt   string
	// Anomaly marks templates produced by the anomaly detector. They stop
	// being emitted while that module is degraded.
	Anomaly bool
}

// Catalog holds flag templates keyed by name, preserving definition order.
type Catalog struct {
	templates []Template
	byName    map[string]int
}

// NewCatalog validates templates and builds a catalog. Names must be unique,
// weights negative and severities known.
func NewCatalog(templates []Template) (*Catalog, error) {
	c := &Catalog{
		templates: make([]Template, 0, len(templates)),
		byName:    make(map[string]int, len(templates)),
	}
	for _, t := range templates {
		if strings.TrimSpace(t.Name) == "" {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, "flag template name is required")
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, errors.NewValidationError(errors.CodeInvalidInput,
				fmt.Sprintf("duplicate flag template %q", t.Name))
		}
		if t.Weight >= 0 {
			return nil, errors.NewValidationError(errors.CodeInvalidInput,
				fmt.Sprintf("flag template %q must have a negative weight", t.Name))
		}
		if !t.Severity.IsValid() {
			return nil, errors.NewValidationError(errors.CodeInvalidInput,
				fmt.Sprintf("flag template %q has unknown severity %q", t.Name, t.Severity))
		}
		c.byName[t.Name] = len(c.templates)
		c.templates = append(c.templates, t)
	}
	return c, nil
}

// Lookup returns the template with the given name.
func (c *Catalog) Lookup(name string) (Template, error) {
	i, ok := c.byName[name]
	if !ok {
		return Template{}, errors.NewValidationError(errors.CodeUnknownFlag,
			fmt.Sprintf("unknown flag template %q", name)).
			WithDetails(map[string]interface{}{"flag": name})
	}
	return c.templates[i], nil
}

func (c *Catalog) All() []Template {
	return append([]Template(nil), c.templates...)
}

// Filter returns the templates accepted by keep, in catalog order.
func (c *Catalog) Filter(keep func(Template) bool) []Template {
	var out []Template
	for _, t := range c.templates {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.templates)
}

const maxWords = " (Max. 50 words)"

// DefaultTemplates is the built-in flag catalog.
var DefaultTemplates = []Template{
	{Name: "High Volume Anomaly", Weight: -30, Severity: SeverityMedium, Anomaly: true,
		Prompt: "Concisely explain the risk associated with a high-volume anomaly in financial transactions." + maxWords},
	{Name: "Sanctioned Address Interaction", Weight: -150, Severity: SeverityCritical,
		Prompt: "Explain the critical risk of interacting with a sanctioned blockchain address." + maxWords},
	{Name: "Mixer Usage Detected", Weight: -70, Severity: SeverityHigh,
		Prompt: "Explain the risk of funds that have passed through a cryptocurrency mixer." + maxWords},
	{Name: "Unusual Transaction Pattern", Weight: -40, Severity: SeverityMedium, Anomaly: true,
		Prompt: "Explain the risk of an unusual or atypical transaction pattern." + maxWords},
	{Name: "Darknet Marketplace Link", Weight: -120, Severity: SeverityCritical,
		Prompt: "Explain the severe risk of funds linked to a darknet marketplace." + maxWords},
	{Name: "Identity Mismatch", Weight: -60, Severity: SeverityHigh,
		Prompt: "Explain the risk of an identity mismatch during a KYC process." + maxWords},
	{Name: "Forged Credentials Alert", Weight: -90, Severity: SeverityHigh,
		Prompt: "Explain the high risk associated with detecting forged credentials." + maxWords},
	{Name: "Anomalous System Access", Weight: -50, Severity: SeverityMedium,
		Prompt: "Explain the security risk of anomalous access to a corporate system." + maxWords},
	{Name: "Potential Phishing Attempt", Weight: -40, Severity: SeverityMedium,
		Prompt: "Explain the risk of an identified potential phishing attempt." + maxWords},
	{Name: "New Account High Activity", Weight: -25, Severity: SeverityLow,
		Prompt: "Explain the moderate risk of a new account showing high transactional activity." + maxWords},
	{Name: "Funds from Known Hack", Weight: -100, Severity: SeverityCritical,
		Prompt: "Explain the critical risk of receiving funds linked to a known hack." + maxWords},
	{Name: "Biometric Anomaly", Weight: -55, Severity: SeverityMedium,
		Prompt: "Explain the risk associated with a biometric anomaly during authentication." + maxWords},
	{Name: "Malware Signature Detected", Weight: -80, Severity: SeverityHigh,
		Prompt: "Explain the high risk of a known malware signature detected on a system." + maxWords},
	{Name: "Sybil Attack Pattern Detected", Weight: -200, Severity: SeverityCritical,
		Prompt: "Explain the critical risk of a detected Sybil attack pattern." + maxWords},
	{Name: "Reputation NFT Tampered", Weight: -110, Severity: SeverityCritical,
		Prompt: "Explain the critical risk of a reputation NFT showing signs of tampering." + maxWords},
	{Name: "Smart Contract Vulnerability Detected", Weight: -95, Severity: SeverityHigh,
		Prompt: "Explain the high risk of an exploitable vulnerability detected in a smart contract." + maxWords},
	{Name: "Data Exfiltration Attempt", Weight: -85, Severity: SeverityHigh,
		Prompt: "Explain the high risk of an identified data exfiltration attempt." + maxWords},
	{Name: "High Risk Source of Funds (Pix)", Weight: -75, Severity: SeverityHigh,
		Prompt: "Explain the risk of receiving Pix funds from a source classified as high risk." + maxWords},
	{Name: "Unverified Crypto Wallet", Weight: -35, Severity: SeverityMedium,
		Prompt: "Explain the risk of transacting with an unverified crypto-asset wallet." + maxWords},
	{Name: "Large Cross-Border Transaction", Weight: -45, Severity: SeverityMedium,
		Prompt: "Explain the potential compliance risk in a large cross-border transaction." + maxWords},
	{Name: "Velocity Anomaly", Weight: -40, Severity: SeverityMedium, Anomaly: true,
		Prompt: "Explain the risk indicated by an anomaly in transaction velocity." + maxWords},
	{Name: "Model Overfitting Alert", Weight: -20, Severity: SeverityLow,
		Prompt: "Explain the implication of a model overfitting alert in AI Studio." + maxWords},
	{Name: "Data Skew Detected in Simulation", Weight: -15, Severity: SeverityLow,
		Prompt: "Explain the problem of data skew detected during an AI Studio simulation." + maxWords},
	{Name: "API Quota Exceeded for External Data", Weight: -10, Severity: SeverityInfo,
		Prompt: "Explain the operational impact of exceeding the API quota for external data in AI Studio." + maxWords},
	{Name: "Inconsistent Flag Logic", Weight: -25, Severity: SeverityLow,
		Prompt: "Explain the risk of inconsistent flag logic configured in AI Studio." + maxWords},
	{Name: "Cross-Product Risk Correlation", Weight: -65, Severity: SeverityMedium,
		Prompt: "Explain the significance of a cross-product risk correlation detected by FoundLab Core." + maxWords},
	{Name: "Low Activity Wallet", Weight: -5, Severity: SeverityInfo,
		Prompt: "Briefly describe a wallet with low historical activity." + maxWords},
}

// DefaultCatalog builds the built-in catalog. It panics on an invalid
// built-in table, which is a programming error.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTemplates)
	if err != nil {
		panic(err)
	}
	return c
}
