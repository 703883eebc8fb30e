package render

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Personalizer rewrites an already rendered body for one person.
type Personalizer interface {
	Personalize(ctx context.Context, person models.Person, channel models.Channel, body string) (string, error)
}

// Generator is the text generation call a GenAIPersonalizer needs;
// *genai.Client satisfies it.
type Generator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const personalizeSystemPrompt = `You edit short outreach messages. Rewrite the message so it reads naturally for the recipient while keeping its meaning, its facts and any links unchanged. Keep roughly the same length. Do not add a subject line, placeholders or a signature that is not already present. Reply with the rewritten message only.`

// GenAIPersonalizer personalizes bodies with a language model.
type GenAIPersonalizer struct {
	gen Generator
}

// NewGenAIPersonalizer creates a personalizer backed by gen.
func NewGenAIPersonalizer(gen Generator) *GenAIPersonalizer {
	return &GenAIPersonalizer{gen: gen}
}

// Personalize asks the model for a rewrite of body.
func (p *GenAIPersonalizer) Personalize(ctx context.Context, person models.Person, channel models.Channel, body string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: %s\n", channel)
	fmt.Fprintf(&b, "Recipient: %s\n", person.FullName())
	if person.CompanyName != "" {
		fmt.Fprintf(&b, "Company: %s\n", person.CompanyName)
	}
	b.WriteString("Message:\n")
	b.WriteString(body)

	out, err := p.gen.Complete(ctx, personalizeSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("personalize: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("personalize: empty response")
	}
	if len(out) > models.MaxMessageBodyLength {
		return "", fmt.Errorf("personalize: response too long (%d chars)", len(out))
	}
	return out, nil
}

// Rendered is a step's final text for one person.
type Rendered struct {
	Subject      string
	Body         string
	Personalized bool
	// Missing lists variables that rendered empty.
	Missing []string
}

// Renderer applies the variable transform and optional personalization.
type Renderer struct {
	personalizer Personalizer
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithPersonalizer enables personalization for steps that request it.
func WithPersonalizer(p Personalizer) Option {
	return func(r *Renderer) { r.personalizer = p }
}

// NewRenderer creates a Renderer.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render produces the subject and body for step. Personalization failures
// fall back to the plain rendered body.
func (r *Renderer) Render(ctx context.Context, person models.Person, step models.InstanceStep) Rendered {
	vars := Variables(person)
	out := Rendered{
		Subject: Transform(step.Subject, vars),
		Body:    Transform(step.Body, vars),
		Missing: MissingVariables(step.Subject+"\n"+step.Body, vars),
	}
	if len(out.Missing) > 0 {
		slog.Warn("Renderer.Render: variables without value", "stepID", step.ID, "personID", person.ID, "missing", out.Missing)
	}
	if !step.Personalize || r.personalizer == nil {
		return out
	}
	body, err := r.personalizer.Personalize(ctx, person, step.Channel, out.Body)
	if err != nil {
		slog.Warn("Renderer.Render: personalization failed, using template body", "stepID", step.ID, "error", err)
		return out
	}
	out.Body = body
	out.Personalized = true
	return out
}
