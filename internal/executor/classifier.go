package executor

import (
	"context"
	"errors"
	"net"
	"regexp"
	"syscall"

	"github.com/tributary-ai/llm-router-resilience/internal/providers"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// Classifier assigns an error class to a failed provider call
type Classifier interface {
	Classify(err error) types.ErrorClass
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(err error) types.ErrorClass

func (f ClassifierFunc) Classify(err error) types.ErrorClass {
	return f(err)
}

// statusCode matches an HTTP status only where a message reports one, at the
// start or after "status", "code" or "http", so token counts such as "500
// tokens" are not read as statuses
func statusCode(codes string) string {
	return `(?:^|\b(?:status(?: code)?|code|http(?:/\d(?:\.\d)?)?)[ =:]*)(?:` + codes + `)\b`
}

type patternRule struct {
	class   types.ErrorClass
	pattern *regexp.Regexp
}

// PatternClassifier checks typed errors and status codes first and only
// falls back to matching the error message
type PatternClassifier struct {
	rules []patternRule
}

// NewPatternClassifier returns the default classifier. Rules are tried in
// order so quota wins over rate limit for "insufficient_quota" 429s.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{
		rules: []patternRule{
			{types.ErrorTimeout, regexp.MustCompile(`(?i)time(d)?[ -]?out|deadline exceeded|ETIMEDOUT`)},
			{types.ErrorQuotaExceeded, regexp.MustCompile(`(?i)quota|billing|insufficient[ _]credit|payment required`)},
			{types.ErrorRateLimit, regexp.MustCompile(`(?i)rate[ _-]?limit|too many requests|` + statusCode(`429`))},
			{types.ErrorAuthentication, regexp.MustCompile(`(?i)unauthori[sz]ed|authentication|invalid[ _-]?(x-)?api[ _-]?key|forbidden|` + statusCode(`40[13]`))},
			{types.ErrorServer, regexp.MustCompile(`(?i)internal server error|bad gateway|service unavailable|overloaded|server error|` + statusCode(`5\d\d`))},
			{types.ErrorNetwork, regexp.MustCompile(`(?i)ECONNREFUSED|ECONNRESET|ENOTFOUND|connection (refused|reset)|no such host|network|broken pipe|unexpected EOF`)},
			{types.ErrorModel, regexp.MustCompile(`(?i)model|context length|content[ _-]?(policy|filter)|invalid request|max_tokens`)},
		},
	}
}

// AddRule appends a message rule evaluated after the built-in ones
func (c *PatternClassifier) AddRule(class types.ErrorClass, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, patternRule{class: class, pattern: re})
	return nil
}

func (c *PatternClassifier) Classify(err error) types.ErrorClass {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorTimeout
	}

	var pe *types.ProviderError
	if errors.As(err, &pe) {
		if pe.Class != "" {
			return pe.Class
		}
		if pe.StatusCode != 0 {
			return providers.ClassForStatus(pe.StatusCode)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrorTimeout
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return types.ErrorNetwork
	}

	msg := err.Error()
	for _, rule := range c.rules {
		if rule.pattern.MatchString(msg) {
			return rule.class
		}
	}
	return types.ErrorUnknown
}
