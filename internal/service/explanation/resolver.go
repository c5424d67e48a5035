package explanation

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
)

// Fixed explanation texts.
const (
	Loading      = "Loading explanation..."
	Failure      = "Failed to generate explanation. Check the logs for details."
	Unconfigured = "The explanation service is not configured. This is a placeholder explanation " +
		"for the risk associated with this flag. In a real deployment a detailed description " +
		"would be generated."
	limitedSuffix = " (DFC degraded: flag contextualization may be limited.)"
	limitedPrefix = "The DFC is degraded, so explain in a rawer, less contextualized way: "
)

// Request carries what a resolver needs to explain one flag.
type Request struct {
	FlagID   string
	FlagName string
	Severity flag.Severity
	// BasePrompt is the template prompt, Prompt the one actually sent.
	BasePrompt string
	Prompt     string
}

// NewRequest builds a request for f. When limited is set the prompt asks for
// a less contextualized answer.
func NewRequest(f flag.Flag, t flag.Template, limited bool) Request {
	return Request{
		FlagID:     f.ID,
		FlagName:   f.Name,
		Severity:   f.Severity,
		BasePrompt: t.Prompt,
		Prompt:     Prompt(t.Prompt, limited),
	}
}

// Prompt returns the prompt to send for base.
func Prompt(base string, limited bool) string {
	if limited {
		return limitedPrefix + base
	}
	return base
}

// Placeholder is the deterministic explanation used when no resolver is
// configured.
func Placeholder(limited bool) string {
	if limited {
		return Unconfigured + limitedSuffix
	}
	return Unconfigured
}

// Resolver produces a natural-language explanation for a flag.
type Resolver interface {
	Explain(ctx context.Context, req Request) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, req Request) (string, error)

func (f ResolverFunc) Explain(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Simulated answers locally from the prompt text after an optional delay.
type Simulated struct {
	Delay time.Duration
}

func (s Simulated) Explain(ctx context.Context, req Request) (string, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Sprintf("Simulated explanation: %s... (API not used)", prefix(req.BasePrompt, 100)), nil
}

func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
