package domain

// PlanStep is one ordered step of an execution plan.
type PlanStep struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
}

// Plan is the structured result of one planning run. A plan is regenerated
// wholesale on user feedback; there are no partial-patch semantics.
type Plan struct {
	ID                   string     `json:"id"`
	Steps                []PlanStep `json:"steps"`
	RequiredExternal     bool       `json:"required_external"`
	RequiredFileAnalysis bool       `json:"required_file_analysis"`
	AnalyzedFiles        []string   `json:"analyzed_files,omitempty"`
	SearchQueries        []string   `json:"search_queries,omitempty"`
}

// FallbackPlan is the degraded plan returned when plan generation fails.
// Callers always receive a well-formed plan shape.
func FallbackPlan(id string) Plan {
	return Plan{
		ID: id,
		Steps: []PlanStep{
			{
				Number:      1,
				Title:       "Execute the task",
				Explanation: "Plan generation failed; run the requested task manually inside the workspace container.",
			},
		},
	}
}
