// Package planner orchestrates the phases that turn a natural-language task
// into a structured execution plan: optional file analysis, optional external
// search, optional container preparation and command probing, then plan
// generation.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
	"github.com/EXCALOFRIO/FlowCode/internal/core/pool"
	"github.com/EXCALOFRIO/FlowCode/internal/core/ports"
	"github.com/EXCALOFRIO/FlowCode/internal/core/repair"
)

// Phase names the planner's states. Transitions are strictly forward.
type Phase string

const (
	PhaseIdentifyingFiles Phase = "identifying_files"
	PhaseAnalyzingFiles   Phase = "analyzing_files"
	PhaseEvaluatingNeeds  Phase = "evaluating_external_needs"
	PhaseSearching        Phase = "searching_externally"
	PhasePreparing        Phase = "preparing_container"
	PhaseRunningCommands  Phase = "running_commands"
	PhaseGenerating       Phase = "generating_plan"
	PhaseDone             Phase = "done"
)

// consecutiveFailureLimit aborts the command loop once this many commands
// fail in a row with zero successes so far.
const consecutiveFailureLimit = 3

// Request is one planning run.
type Request struct {
	Task     string   `json:"task"`
	Files    []string `json:"files,omitempty"`    // uploaded files available for analysis
	Feedback string   `json:"feedback,omitempty"` // regenerates the plan wholesale
}

// Planner wires the LLM, the container pool and the repair heuristics into
// the planning state machine.
type Planner struct {
	LLM        ports.LLM
	Runtime    ports.ContainerRuntime
	Pool       *pool.Pool
	Searcher   ports.Searcher
	UploadsDir string
}

type fileSelection struct {
	NeedsFiles bool     `json:"needs_files"`
	Files      []string `json:"files"`
}

type externalNeeds struct {
	NeedsExternal bool     `json:"needs_external"`
	Queries       []string `json:"queries"`
}

type commandProbe struct {
	Commands []string `json:"commands"`
}

type planDraft struct {
	Steps []struct {
		Title       string `json:"title"`
		Explanation string `json:"explanation"`
	} `json:"steps"`
}

var (
	fileSelectionSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"needs_files": {"type": "boolean"},
			"files": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["needs_files"]
	}`)

	externalNeedsSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"needs_external": {"type": "boolean"},
			"queries": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["needs_external"]
	}`)

	commandProbeSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"commands": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["commands"]
	}`)

	// planFunction is the forced tool call that collects the final plan.
	planFunction = ports.FunctionDeclaration{
		Name:        "create_task_plan",
		Description: "Record the ordered step-by-step plan for completing the task.",
		Parameters:  planSchema,
	}

	planSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"explanation": {"type": "string"}
					},
					"required": ["title", "explanation"]
				}
			}
		},
		"required": ["steps"]
	}`)
)

// Plan runs the full state machine for one request. It always returns a
// well-formed plan: a failure during generation degrades to the fallback
// plan instead of propagating.
func (p *Planner) Plan(ctx context.Context, req Request) domain.Plan {
	planID := uuid.NewString()
	result := domain.Plan{ID: planID}

	var phase Phase
	enter := func(next Phase) {
		phase = next
		log.Printf("planner: %s", phase)
	}

	var notes []string

	enter(PhaseIdentifyingFiles)
	selection := p.identifyFiles(ctx, req)
	if selection.NeedsFiles && len(selection.Files) > 0 {
		enter(PhaseAnalyzingFiles)
		result.RequiredFileAnalysis = true
		result.AnalyzedFiles = selection.Files
		notes = append(notes, p.analyzeFiles(ctx, req, selection.Files)...)
	}

	enter(PhaseEvaluatingNeeds)
	needs := p.evaluateExternalNeeds(ctx, req)
	if needs.NeedsExternal && len(needs.Queries) > 0 && p.Searcher != nil {
		enter(PhaseSearching)
		result.RequiredExternal = true
		result.SearchQueries = needs.Queries
		notes = append(notes, p.searchExternally(ctx, needs.Queries)...)
	}

	if p.Pool != nil && p.Runtime != nil {
		enter(PhasePreparing)
		if probeNotes, ok := p.probeContainer(ctx, req); ok {
			notes = append(notes, probeNotes...)
		}
	}

	enter(PhaseGenerating)
	draft, err := p.generate(ctx, req, notes)
	if err != nil {
		log.Printf("planner: %s failed: %v", phase, err)
		return domain.FallbackPlan(planID)
	}

	for i, step := range draft.Steps {
		result.Steps = append(result.Steps, domain.PlanStep{
			Number:      i + 1,
			Title:       step.Title,
			Explanation: step.Explanation,
		})
	}
	if len(result.Steps) == 0 {
		return domain.FallbackPlan(planID)
	}
	enter(PhaseDone)
	return result
}

func (p *Planner) identifyFiles(ctx context.Context, req Request) fileSelection {
	var out fileSelection
	if len(req.Files) == 0 {
		return out
	}
	prompt := fmt.Sprintf(
		"Task: %s\n\nUploaded files available: %s\n\nDecide whether any of these files must be inspected to plan the task, and list those that do.",
		req.Task, strings.Join(req.Files, ", "),
	)
	if err := p.askJSON(ctx, prompt, fileSelectionSchema, &out); err != nil {
		log.Printf("planner: identify files: %v", err)
		return fileSelection{}
	}
	return out
}

func (p *Planner) analyzeFiles(ctx context.Context, req Request, files []string) []string {
	if p.Runtime == nil || p.Pool == nil {
		return nil
	}
	cont, _, err := p.Pool.Acquire(ctx, domain.CreateOptions{})
	if err != nil {
		log.Printf("planner: acquire container for file analysis: %v", err)
		return nil
	}

	var notes []string
	for _, name := range files {
		res, execErr := p.Runtime.Exec(ctx, cont.ID, domain.Direct("cat", p.UploadsDir+"/"+name))
		if execErr != nil || !res.Success {
			continue
		}
		content := res.Output
		if content == "" {
			continue
		}
		prompt := fmt.Sprintf("Task: %s\n\nSummarize what matters about this file for planning.\n\nFile %s:\n%s", req.Task, name, clip(content, 8000))
		summary, err := p.LLM.Generate(ctx, ports.GenerateRequest{Prompt: prompt, Temperature: 0.2})
		if err != nil {
			log.Printf("planner: analyze %s: %v", name, err)
			continue
		}
		notes = append(notes, fmt.Sprintf("analysis of %s: %s", name, summary))
	}
	return notes
}

func (p *Planner) evaluateExternalNeeds(ctx context.Context, req Request) externalNeeds {
	var out externalNeeds
	prompt := fmt.Sprintf(
		"Task: %s\n\nDecide whether completing a step-by-step plan for this task requires information from outside the workspace (documentation, package names, current versions). If so, list concrete search queries.",
		req.Task,
	)
	if err := p.askJSON(ctx, prompt, externalNeedsSchema, &out); err != nil {
		log.Printf("planner: evaluate external needs: %v", err)
		return externalNeeds{}
	}
	return out
}

func (p *Planner) searchExternally(ctx context.Context, queries []string) []string {
	var notes []string
	for _, q := range queries {
		answer, err := p.Searcher.Search(ctx, q)
		if err != nil {
			log.Printf("planner: search %q: %v", q, err)
			continue
		}
		notes = append(notes, fmt.Sprintf("search %q: %s", q, answer))
	}
	return notes
}

// probeContainer asks the model for candidate probe commands, runs them in
// the workspace container with one repair attempt per failure, and returns
// observations. The loop aborts after consecutiveFailureLimit failures in a
// row with no prior success.
func (p *Planner) probeContainer(ctx context.Context, req Request) ([]string, bool) {
	var probe commandProbe
	prompt := fmt.Sprintf(
		"Task: %s\n\nList up to five non-destructive shell commands that would reveal the workspace state relevant to planning this task (e.g. ls, cat, which). Return an empty list when none help.",
		req.Task,
	)
	if err := p.askJSON(ctx, prompt, commandProbeSchema, &probe); err != nil || len(probe.Commands) == 0 {
		return nil, false
	}

	cont, _, err := p.Pool.Acquire(ctx, domain.CreateOptions{})
	if err != nil {
		log.Printf("planner: acquire container: %v", err)
		return nil, false
	}

	log.Printf("planner: %s", PhaseRunningCommands)
	repairer := repair.Repairer{Runtime: p.Runtime, UploadsDir: p.UploadsDir}

	var notes []string
	successes := 0
	consecutiveFailures := 0
	for _, raw := range probe.Commands {
		cmd := domain.Shell(raw)
		res, execErr := p.Runtime.Exec(ctx, cont.ID, cmd)
		if execErr == nil && res.Success {
			successes++
			consecutiveFailures = 0
			notes = append(notes, fmt.Sprintf("command %q: %s", raw, clip(res.Output, 2000)))
			continue
		}

		errText := res.Error
		if execErr != nil {
			errText = execErr.Error()
		}
		attempt := repairer.Repair(ctx, cont.ID, cmd, errText)
		if attempt.Result.Success {
			successes++
			consecutiveFailures = 0
			notes = append(notes, fmt.Sprintf("command %q (repaired as %q): %s", raw, attempt.Fixed, clip(attempt.Result.Output, 2000)))
			continue
		}

		consecutiveFailures++
		notes = append(notes, fmt.Sprintf("command %q failed: %s", raw, attempt.Result.Error))
		if successes == 0 && consecutiveFailures >= consecutiveFailureLimit {
			log.Printf("planner: aborting command probe after %d consecutive failures", consecutiveFailures)
			break
		}
	}
	return notes, true
}

func (p *Planner) generate(ctx context.Context, req Request, notes []string) (planDraft, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", req.Task)
	if req.Feedback != "" {
		fmt.Fprintf(&sb, "\nUser feedback on the previous plan: %s\n", req.Feedback)
	}
	if len(notes) > 0 {
		sb.WriteString("\nContext gathered:\n")
		for _, note := range notes {
			fmt.Fprintf(&sb, "- %s\n", clip(note, 4000))
		}
	}
	sb.WriteString("\nProduce an ordered step-by-step plan to complete the task inside the existing workspace container. Do not include steps that create containers or build images.")

	// The plan is collected through a forced function call so the model
	// cannot answer with prose.
	text, err := p.LLM.Generate(ctx, ports.GenerateRequest{
		System:        systemPrompt,
		Prompt:        sb.String(),
		Temperature:   0.2,
		Functions:     []ports.FunctionDeclaration{planFunction},
		ForceFunction: planFunction.Name,
	})
	if err != nil {
		return planDraft{}, err
	}
	doc, ok := ExtractJSON(text)
	if !ok {
		return planDraft{}, fmt.Errorf("no JSON found in model response")
	}
	var draft planDraft
	if err := json.Unmarshal([]byte(doc), &draft); err != nil {
		return planDraft{}, fmt.Errorf("decode plan arguments: %w", err)
	}
	return draft, nil
}

// askJSON sends a schema-constrained prompt and decodes the response,
// recovering JSON from fenced or prose-wrapped replies before giving up.
func (p *Planner) askJSON(ctx context.Context, prompt string, schema json.RawMessage, out any) error {
	text, err := p.LLM.Generate(ctx, ports.GenerateRequest{
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: 0.2,
		Schema:      schema,
	})
	if err != nil {
		return err
	}
	doc, ok := ExtractJSON(text)
	if !ok {
		return fmt.Errorf("no JSON found in model response")
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	return nil
}

const systemPrompt = "You are a planning assistant for tasks executed inside an existing workspace container. " +
	"Never propose creating containers or building images; one managed container already exists. " +
	"Use absolute paths rooted at /workspace."

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
