package prompts

import (
	"fmt"
	"strings"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
)

// feedbackLimit caps how much of each prior feedback entry is replayed
// into the iterate prompt.
const feedbackLimit = 500

// TaskContext bundles everything a stage template can reference.
type TaskContext struct {
	Task      *domain.Task
	Actor     *domain.Actor // optional
	Project   *domain.Project
	SessionID string

	// Iteration feedback for the iterate template. CurrentFeedbackID
	// is excluded from the rendered history.
	Feedback          []*domain.FeedbackEntry
	CurrentFeedbackID int64
}

// templateData is the flattened view handed to text/template.
type templateData struct {
	TaskID             string
	Title              string
	Description        string
	RawTitle           string
	RawDescription     string
	RefinedTitle       string
	RefinedDescription string
	Plan               string
	Priority           string
	ActorName          string
	ActorDescription   string
	ProjectMemory      string
	SessionID          string
	CurrentFeedback    string
	Feedback           []string
}

// Renderer turns a stage name and task context into prompt text.
// Rendering is pure: identical input produces identical output.
type Renderer struct {
	loader *Loader
}

// NewRenderer creates a renderer backed by the given loader
func NewRenderer(loader *Loader) *Renderer {
	return &Renderer{loader: loader}
}

// Render renders the template for a stage or auxiliary prompt name
// (refine, plan, execute, loop, talk, iterate).
func (r *Renderer) Render(name string, ctx TaskContext) (string, error) {
	if ctx.Task == nil {
		return "", fmt.Errorf("task is required")
	}

	tmpl, err := r.loader.Get(name)
	if err != nil {
		return "", err
	}

	data := templateData{
		TaskID:             ctx.Task.ID,
		Title:              ctx.Task.Title(),
		Description:        ctx.Task.Description(),
		RawTitle:           ctx.Task.RawTitle,
		RawDescription:     ctx.Task.RawDescription,
		RefinedTitle:       ctx.Task.RefinedTitle,
		RefinedDescription: ctx.Task.RefinedDescription,
		Plan:               ctx.Task.Plan,
		Priority:           string(ctx.Task.Priority),
		SessionID:          ctx.SessionID,
		Feedback:           priorFeedback(ctx.Feedback, ctx.CurrentFeedbackID),
	}
	for _, e := range ctx.Feedback {
		if e.ID == ctx.CurrentFeedbackID {
			data.CurrentFeedback = e.Content
		}
	}
	if ctx.Actor != nil {
		data.ActorName = ctx.Actor.Name
		data.ActorDescription = ctx.Actor.Description
	}
	if ctx.Project != nil && len(ctx.Project.Memory) > 0 {
		data.ProjectMemory = string(ctx.Project.Memory)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", name, err)
	}
	return buf.String(), nil
}

// RenderStage renders the pipeline template for a task's current stage
func (r *Renderer) RenderStage(stage domain.Stage, ctx TaskContext) (string, error) {
	if stage == domain.StageNone {
		return "", fmt.Errorf("task has no stage")
	}
	return r.Render(string(stage), ctx)
}

// priorFeedback returns earlier feedback entries oldest-first, excluding
// the current one and truncating each to the replay limit.
func priorFeedback(entries []*domain.FeedbackEntry, currentID int64) []string {
	var out []string
	for _, e := range entries {
		if e.ID == currentID {
			continue
		}
		content := e.Content
		if len(content) > feedbackLimit {
			content = content[:feedbackLimit]
		}
		out = append(out, content)
	}
	return out
}
