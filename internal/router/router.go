// Package router decides which bound agent, if any, should handle a
// free-text message.
//
// Decisions go through ordered tiers, each consulted only when the
// previous is inconclusive: a zero/one-binding shortcut, an explicit
// "use <name>" directive, a keyword heuristic over binding names and
// descriptions, and finally an LLM classifier bounded by a deadline.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// DecisionType tags a routing outcome.
type DecisionType string

const (
	// DecisionMatched means exactly one agent should handle the message.
	DecisionMatched DecisionType = "matched"

	// DecisionAmbiguous means no single agent could be chosen; the
	// channel boundary asks the user to clarify.
	DecisionAmbiguous DecisionType = "ambiguous"

	// DecisionNotRequest means the message is not an agent request at
	// all (a greeting, small talk); the channel boundary shows help.
	DecisionNotRequest DecisionType = "not_request"
)

// Decision is the router's transient output, consumed by channel
// adapters.
type Decision struct {
	Type      DecisionType `json:"type"`
	AgentName string       `json:"agent_name,omitempty"`

	// PromptText is the effective prompt: the remainder after an
	// explicit directive, or the full message otherwise.
	PromptText string `json:"prompt_text,omitempty"`
}

// AgentNotFoundError reports an explicit "use <name>" selection that
// matched no binding. It is distinct from ambiguity so the user gets an
// actionable error listing valid names.
type AgentNotFoundError struct {
	Name       string
	ValidNames []string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("router: no agent named %q (valid: %s)", e.Name, strings.Join(e.ValidNames, ", "))
}

// Classifier is the LLM fallback consulted when keyword scoring is
// inconclusive.
type Classifier interface {
	// Classify returns one of "AGENT:<name>", "AMBIGUOUS", or
	// "NOT_REQUEST" for the message given the candidate bindings.
	Classify(ctx context.Context, message string, bindings []*models.Binding, conversationContext string) (string, error)
}

// Keyword scoring weights and the margin a winner needs over the
// runner-up before the heuristic fires.
const (
	nameWordScore        = 10
	descriptionWordScore = 1
	winMarginFactor      = 2
)

var directiveRe = regexp.MustCompile(`(?is)^use\s+(\S+)\s*(.*)$`)

// Router routes messages to bindings.
type Router struct {
	classifier        Classifier
	classifierTimeout time.Duration
	logger            *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClassifier sets the LLM fallback. Without one, inconclusive
// keyword scoring yields Ambiguous directly.
func WithClassifier(c Classifier, timeout time.Duration) Option {
	return func(r *Router) {
		r.classifier = c
		if timeout > 0 {
			r.classifierTimeout = timeout
		}
	}
}

// New creates a Router.
func New(logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		classifierTimeout: 4 * time.Second,
		logger:            logger.With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route decides which binding should handle the message.
//
// It returns an *AgentNotFoundError when an explicit directive names an
// unknown agent; that tier never falls through. Classifier failures
// never surface as errors: they degrade to Ambiguous.
func (r *Router) Route(ctx context.Context, message string, bindings []*models.Binding, conversationContext string) (Decision, error) {
	message = strings.TrimSpace(message)

	// Tier 1: zero/one binding shortcut.
	if len(bindings) == 0 {
		return Decision{Type: DecisionAmbiguous}, nil
	}
	if len(bindings) == 1 {
		return Decision{Type: DecisionMatched, AgentName: bindings[0].Name, PromptText: message}, nil
	}

	// Tier 2: explicit "use <name>" directive.
	if m := directiveRe.FindStringSubmatch(message); m != nil {
		name, rest := m[1], strings.TrimSpace(m[2])
		for _, b := range bindings {
			if strings.EqualFold(b.Name, name) {
				prompt := rest
				if prompt == "" {
					prompt = message
				}
				return Decision{Type: DecisionMatched, AgentName: b.Name, PromptText: prompt}, nil
			}
		}
		return Decision{}, &AgentNotFoundError{Name: name, ValidNames: bindingNames(bindings)}
	}

	// Tier 3: keyword heuristic.
	if d, ok := r.scoreKeywords(message, bindings); ok {
		return d, nil
	}

	// Tier 4: classifier fallback.
	return r.classify(ctx, message, bindings, conversationContext), nil
}

// scoreKeywords scores each binding against the lower-cased message and
// reports a match only when the top score is positive and at least
// twice the runner-up.
func (r *Router) scoreKeywords(message string, bindings []*models.Binding) (Decision, bool) {
	lower := strings.ToLower(message)

	type scored struct {
		binding *models.Binding
		score   int
	}
	scores := make([]scored, 0, len(bindings))
	for _, b := range bindings {
		score := 0
		for _, word := range strings.Fields(strings.ToLower(b.Name)) {
			if len(word) > 2 && strings.Contains(lower, word) {
				score += nameWordScore
			}
		}
		for _, word := range strings.Fields(strings.ToLower(b.Description)) {
			if len(word) > 3 && strings.Contains(lower, word) {
				score += descriptionWordScore
			}
		}
		scores = append(scores, scored{binding: b, score: score})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	top, second := scores[0], scores[1]
	if top.score > 0 && top.score >= second.score*winMarginFactor {
		return Decision{Type: DecisionMatched, AgentName: top.binding.Name, PromptText: message}, true
	}
	return Decision{}, false
}

// classify consults the LLM fallback under a deadline. Every failure
// mode degrades to Ambiguous.
func (r *Router) classify(ctx context.Context, message string, bindings []*models.Binding, conversationContext string) Decision {
	if r.classifier == nil {
		return Decision{Type: DecisionAmbiguous}
	}

	ctx, cancel := context.WithTimeout(ctx, r.classifierTimeout)
	defer cancel()

	raw, err := r.classifier.Classify(ctx, message, bindings, conversationContext)
	if err != nil {
		r.logger.Warn("classifier unavailable, degrading to ambiguous", "error", err)
		return Decision{Type: DecisionAmbiguous}
	}

	switch answer := strings.TrimSpace(raw); {
	case answer == "NOT_REQUEST":
		return Decision{Type: DecisionNotRequest}
	case answer == "AMBIGUOUS":
		return Decision{Type: DecisionAmbiguous}
	case strings.HasPrefix(answer, "AGENT:"):
		name := strings.TrimSpace(strings.TrimPrefix(answer, "AGENT:"))
		for _, b := range bindings {
			if strings.EqualFold(b.Name, name) {
				return Decision{Type: DecisionMatched, AgentName: b.Name, PromptText: message}
			}
		}
		r.logger.Warn("classifier returned unknown agent, degrading to ambiguous", "agent", name)
		return Decision{Type: DecisionAmbiguous}
	default:
		r.logger.Warn("unparsable classifier response, degrading to ambiguous", "response", raw)
		return Decision{Type: DecisionAmbiguous}
	}
}

func bindingNames(bindings []*models.Binding) []string {
	names := make([]string, len(bindings))
	for i, b := range bindings {
		names[i] = b.Name
	}
	return names
}
