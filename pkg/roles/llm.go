package roles

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gameforge/pkg/diag"
	"gameforge/pkg/gamekit"
	"gameforge/pkg/llm"
	"gameforge/pkg/logx"
	"gameforge/pkg/retrieval"
	"gameforge/pkg/templates"
)

// ErrPromptRejected is returned when the refiner refuses a request.
var ErrPromptRejected = errors.New("prompt rejected")

// LLMOptions configure the model-backed stages.
type LLMOptions struct {
	MaxTokens          int
	Temperature        float32
	ContextTokenBudget int
}

// stage bundles what every model-backed stage needs.
type stage struct {
	client   llm.LLMClient
	renderer *templates.Renderer
	counter  *llm.TokenCounter
	runtime  gamekit.Runtime
	opts     LLMOptions
	logger   *logx.Logger
}

func newStage(name string, client llm.LLMClient, renderer *templates.Renderer, counter *llm.TokenCounter, rt gamekit.Runtime, opts LLMOptions) stage {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = llm.DefaultMaxTokens
	}
	return stage{client: client, renderer: renderer, counter: counter, runtime: rt, opts: opts, logger: logx.NewLogger(name)}
}

func (s stage) references(matches []retrieval.Match) string {
	return retrieval.FormatContext(matches, s.counter, s.opts.ContextTokenBudget)
}

func (s stage) complete(ctx context.Context, prompt string) (string, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	req.MaxTokens = s.opts.MaxTokens
	req.Temperature = s.opts.Temperature
	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s completion failed: %w", s.logger.Component(), err)
	}
	return resp.Content, nil
}

// LLMPlanner asks a model for a JSON design document.
type LLMPlanner struct{ stage }

func NewLLMPlanner(client llm.LLMClient, renderer *templates.Renderer, counter *llm.TokenCounter, rt gamekit.Runtime, opts LLMOptions) *LLMPlanner {
	return &LLMPlanner{newStage("planner", client, renderer, counter, rt, opts)}
}

// Plan returns a validated design. Unparseable output is reported as a
// CompileOrSyntaxError so the repair loop can try again.
func (p *LLMPlanner) Plan(ctx context.Context, in PlanInput) (DesignDocument, error) {
	data := &templates.TemplateData{
		Prompt:      in.Request.Prompt,
		Constraints: in.Request.Constraints,
		Contract:    gamekit.Describe(p.runtime),
		References:  p.references(in.References),
		Schema:      DesignSchema,
		Prior:       in.Prior,
		PriorSource: in.PriorSource,
	}
	if in.Prior != nil {
		data.PriorAttempt = in.Attempt - 1
	}
	prompt, err := p.renderer.Render(templates.PlannerTemplate, data)
	if err != nil {
		return DesignDocument{}, err
	}

	out, err := p.complete(ctx, prompt)
	if err != nil {
		return DesignDocument{}, err
	}
	doc, err := ParseDesign(out)
	if err != nil {
		p.logger.Warn("attempt %d: planner returned an invalid design: %v", in.Attempt, err)
		return DesignDocument{}, diag.Wrap(diag.CompileOrSyntaxError, err, "planner output is not a valid design document")
	}
	return doc, nil
}

// LLMEngineer asks a model for the candidate source.
type LLMEngineer struct{ stage }

func NewLLMEngineer(client llm.LLMClient, renderer *templates.Renderer, counter *llm.TokenCounter, rt gamekit.Runtime, opts LLMOptions) *LLMEngineer {
	return &LLMEngineer{newStage("engineer", client, renderer, counter, rt, opts)}
}

func (e *LLMEngineer) Implement(ctx context.Context, in EngineerInput) (string, error) {
	data := &templates.TemplateData{
		Design:         string(in.Design.JSON()),
		Contract:       gamekit.Describe(e.runtime),
		References:     e.references(in.References),
		Prior:          in.Prior,
		PriorSource:    in.PriorSource,
		PreviousSource: in.PreviousSource,
	}
	for _, r := range in.Rejections {
		data.Rejections = append(data.Rejections, r.String())
	}
	prompt, err := e.renderer.Render(templates.EngineerTemplate, data)
	if err != nil {
		return "", err
	}
	out, err := e.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return ExtractCode(out), nil
}

var fenceRe = regexp.MustCompile("(?s)```[\\w+-]*[ \\t]*\\n(.*?)```")

// ExtractCode returns the longest fenced block in a reply, or the whole reply
// when it has none.
func ExtractCode(reply string) string {
	best := ""
	for _, m := range fenceRe.FindAllStringSubmatch(reply, -1) {
		if len(m[1]) > len(best) {
			best = m[1]
		}
	}
	if best == "" {
		best = reply
	}
	return strings.TrimSpace(best) + "\n"
}

// LLMRefiner turns a raw prompt into a concrete game brief.
type LLMRefiner struct{ stage }

func NewLLMRefiner(client llm.LLMClient, renderer *templates.Renderer) *LLMRefiner {
	opts := LLMOptions{MaxTokens: 1024, Temperature: llm.TemperatureDeterministic}
	return &LLMRefiner{newStage("refiner", client, renderer, nil, nil, opts)}
}

func (r *LLMRefiner) Refine(ctx context.Context, prompt string) (string, error) {
	rendered, err := r.renderer.Render(templates.RefineTemplate, &templates.TemplateData{Prompt: prompt})
	if err != nil {
		return "", err
	}
	out, err := r.complete(ctx, rendered)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if reason, ok := strings.CutPrefix(out, "REJECT:"); ok {
		return "", fmt.Errorf("%w: %s", ErrPromptRejected, strings.TrimSpace(reason))
	}
	return out, nil
}
