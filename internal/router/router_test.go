package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func binding(name, description string) *models.Binding {
	return &models.Binding{
		ID:      "id-" + name,
		Name:    name,
		AgentID: "agent-" + name,
		Channel: models.ChannelSlack,
		Enabled: true,

		Description: description,
	}
}

// classifierFunc adapts a function to the Classifier interface.
type classifierFunc func(ctx context.Context, message string, bindings []*models.Binding, conversationContext string) (string, error)

func (f classifierFunc) Classify(ctx context.Context, message string, bindings []*models.Binding, conversationContext string) (string, error) {
	return f(ctx, message, bindings, conversationContext)
}

func TestRouteShortcuts(t *testing.T) {
	ctx := context.Background()
	r := New(testLogger())

	t.Run("no bindings is ambiguous", func(t *testing.T) {
		d, err := r.Route(ctx, "do something", nil, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionAmbiguous {
			t.Errorf("Type = %q, want %q", d.Type, DecisionAmbiguous)
		}
	})

	t.Run("single binding matches without inspection", func(t *testing.T) {
		d, err := r.Route(ctx, "hello there", []*models.Binding{binding("coder", "")}, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionMatched || d.AgentName != "coder" {
			t.Errorf("Decision = %+v, want matched coder", d)
		}
		if d.PromptText != "hello there" {
			t.Errorf("PromptText = %q, want full message", d.PromptText)
		}
	})
}

func TestRouteExplicitDirective(t *testing.T) {
	ctx := context.Background()
	r := New(testLogger())
	bindings := []*models.Binding{binding("agentA", ""), binding("agentB", "")}

	t.Run("directive short-circuits other tiers", func(t *testing.T) {
		d, err := r.Route(ctx, "use agentB do X", bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionMatched || d.AgentName != "agentB" {
			t.Errorf("Decision = %+v, want matched agentB", d)
		}
		if d.PromptText != "do X" {
			t.Errorf("PromptText = %q, want %q", d.PromptText, "do X")
		}
	})

	t.Run("case-insensitive name match", func(t *testing.T) {
		d, err := r.Route(ctx, "USE AGENTA review this", bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.AgentName != "agentA" {
			t.Errorf("AgentName = %q, want %q", d.AgentName, "agentA")
		}
	})

	t.Run("empty remainder falls back to full message", func(t *testing.T) {
		d, err := r.Route(ctx, "use agentB", bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.PromptText != "use agentB" {
			t.Errorf("PromptText = %q, want full original message", d.PromptText)
		}
	})

	t.Run("unknown name is a distinct error", func(t *testing.T) {
		_, err := r.Route(ctx, "use deployer ship it", bindings, "")
		var nf *AgentNotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("err = %v, want AgentNotFoundError", err)
		}
		if nf.Name != "deployer" {
			t.Errorf("Name = %q, want %q", nf.Name, "deployer")
		}
		if len(nf.ValidNames) != 2 {
			t.Errorf("ValidNames = %v, want both binding names", nf.ValidNames)
		}
	})
}

func TestRouteKeywordHeuristic(t *testing.T) {
	ctx := context.Background()
	r := New(testLogger())

	t.Run("clear winner matches", func(t *testing.T) {
		bindings := []*models.Binding{binding("coder", ""), binding("reviewer", "")}
		d, err := r.Route(ctx, "please ask reviewer to look at this", bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionMatched || d.AgentName != "reviewer" {
			t.Errorf("Decision = %+v, want matched reviewer", d)
		}
	})

	t.Run("margin boundary", func(t *testing.T) {
		// name hit = 10 points, description word hit = 1 point.
		// 10 vs 5 passes the 2x margin, 10 vs 6 does not.
		pass := []*models.Binding{
			binding("alpha", ""),
			binding("zzz", "one two three lemon melon grape mango berry"),
		}
		// "alpha" scores 10; second binding collects exactly 5
		// description words (>3 chars).
		d, err := r.Route(ctx, "alpha lemon melon grape mango berry", pass, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionMatched || d.AgentName != "alpha" {
			t.Errorf("Decision = %+v, want matched alpha at 10 vs 5", d)
		}

		fail := []*models.Binding{
			binding("alpha", ""),
			binding("zzz", "lemon melon grape mango berry peach"),
		}
		d, err = r.Route(ctx, "alpha lemon melon grape mango berry peach", fail, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionAmbiguous {
			t.Errorf("Type = %q, want ambiguous at 10 vs 6", d.Type)
		}
	})

	t.Run("no signal falls through", func(t *testing.T) {
		bindings := []*models.Binding{binding("coder", ""), binding("reviewer", "")}
		d, err := r.Route(ctx, "what is the weather", bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionAmbiguous {
			t.Errorf("Type = %q, want ambiguous without classifier", d.Type)
		}
	})
}

func TestRouteClassifierFallback(t *testing.T) {
	ctx := context.Background()
	bindings := []*models.Binding{binding("coder", ""), binding("reviewer", "")}
	neutral := "what is the weather"

	t.Run("agent answer", func(t *testing.T) {
		c := classifierFunc(func(context.Context, string, []*models.Binding, string) (string, error) {
			return "AGENT:coder", nil
		})
		r := New(testLogger(), WithClassifier(c, time.Second))
		d, err := r.Route(ctx, neutral, bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionMatched || d.AgentName != "coder" {
			t.Errorf("Decision = %+v, want matched coder", d)
		}
	})

	t.Run("not a request", func(t *testing.T) {
		c := classifierFunc(func(context.Context, string, []*models.Binding, string) (string, error) {
			return "NOT_REQUEST", nil
		})
		r := New(testLogger(), WithClassifier(c, time.Second))
		d, _ := r.Route(ctx, neutral, bindings, "")
		if d.Type != DecisionNotRequest {
			t.Errorf("Type = %q, want %q", d.Type, DecisionNotRequest)
		}
	})

	t.Run("hallucinated agent degrades to ambiguous", func(t *testing.T) {
		c := classifierFunc(func(context.Context, string, []*models.Binding, string) (string, error) {
			return "AGENT:ghostwriter", nil
		})
		r := New(testLogger(), WithClassifier(c, time.Second))
		d, _ := r.Route(ctx, neutral, bindings, "")
		if d.Type != DecisionAmbiguous {
			t.Errorf("Type = %q, want ambiguous on hallucination", d.Type)
		}
	})

	t.Run("transport error degrades to ambiguous", func(t *testing.T) {
		c := classifierFunc(func(context.Context, string, []*models.Binding, string) (string, error) {
			return "", errors.New("connection refused")
		})
		r := New(testLogger(), WithClassifier(c, time.Second))
		d, err := r.Route(ctx, neutral, bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v, classifier failures must not propagate", err)
		}
		if d.Type != DecisionAmbiguous {
			t.Errorf("Type = %q, want ambiguous on error", d.Type)
		}
	})

	t.Run("timeout degrades to ambiguous", func(t *testing.T) {
		c := classifierFunc(func(ctx context.Context, _ string, _ []*models.Binding, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		r := New(testLogger(), WithClassifier(c, 20*time.Millisecond))
		start := time.Now()
		d, err := r.Route(ctx, neutral, bindings, "")
		if err != nil {
			t.Fatalf("Route error: %v", err)
		}
		if d.Type != DecisionAmbiguous {
			t.Errorf("Type = %q, want ambiguous on timeout", d.Type)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Route took %v, want bounded by classifier timeout", elapsed)
		}
	})

	t.Run("unparsable response degrades to ambiguous", func(t *testing.T) {
		c := classifierFunc(func(context.Context, string, []*models.Binding, string) (string, error) {
			return "I think maybe the coder agent?", nil
		})
		r := New(testLogger(), WithClassifier(c, time.Second))
		d, _ := r.Route(ctx, neutral, bindings, "")
		if d.Type != DecisionAmbiguous {
			t.Errorf("Type = %q, want ambiguous on unparsable response", d.Type)
		}
	})
}
