package taskgraph

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/conclave/internal/agent"
)

type planDoc struct {
	Tasks               []Task `yaml:"tasks"`
	ImplementationTasks []Task `yaml:"implementation_tasks"`
}

// ParsePlan reads a task plan from agent output. The YAML may be bare or
// inside a ```yaml fence, and may be a list or a map with a tasks key.
// Unknown categories fall back to service and unknown sizes to M. Tasks
// without an id or title, and plans that fail ValidatePlan, are failures;
// for the latter Data still holds the decoded tasks.
func ParsePlan(raw string) agent.Parsed[[]Task] {
	body := agent.ExtractFenced(raw, "yaml")
	if body == "" {
		return agent.ValidationFailure[[]Task]("empty plan")
	}

	var tasks []Task
	if err := yaml.Unmarshal([]byte(body), &tasks); err != nil {
		var doc planDoc
		if derr := yaml.Unmarshal([]byte(body), &doc); derr != nil {
			return agent.ValidationFailure[[]Task](fmt.Sprintf("parse task YAML: %v", err))
		}
		tasks = doc.Tasks
		if len(tasks) == 0 {
			tasks = doc.ImplementationTasks
		}
	}
	if len(tasks) == 0 {
		return agent.ValidationFailure[[]Task]("plan contains no tasks")
	}

	var errs []string
	for i := range tasks {
		t := &tasks[i]
		t.ID = strings.TrimSpace(t.ID)
		t.Title = strings.TrimSpace(t.Title)
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("task %d: missing id", i+1))
		}
		if t.Title == "" {
			errs = append(errs, fmt.Sprintf("task %d (%s): missing title", i+1, t.ID))
		}
		t.Category = Category(strings.ToLower(string(t.Category)))
		if !t.Category.Valid() {
			t.Category = CategoryService
		}
		t.Size = Size(strings.ToUpper(string(t.Size)))
		if !t.Size.Valid() {
			t.Size = SizeMedium
		}
	}
	if len(errs) > 0 {
		return agent.ValidationFailure[[]Task](errs...)
	}

	if err := ValidatePlan(tasks); err != nil {
		// Keep the tasks so callers can tell a cycle from other problems.
		return agent.Parsed[[]Task]{Data: tasks, Errors: []string{err.Error()}}
	}
	return agent.Success(tasks)
}

// PlanWarnings lists advisory problems that do not reject a plan.
func PlanWarnings(tasks []Task) []string {
	var out []string
	for _, t := range tasks {
		if t.Size == SizeLarge {
			out = append(out, fmt.Sprintf("task %s is size L and should be decomposed further", t.ID))
		}
		if len(t.AcceptanceCriteria) == 0 {
			out = append(out, fmt.Sprintf("task %s has no acceptance criteria", t.ID))
		}
	}
	return out
}
