package orchestrator

import (
	"fmt"
	"strings"
)

type section struct {
	title string
	body  string
}

// briefs describe the work each agent phase asks for, and which earlier
// artifacts it builds on.
var briefs = map[Phase]struct {
	inputs []Phase
	steps  []string
}{
	PhaseIdeation: {
		steps: []string{
			"State the core value proposition.",
			"Break the request into concrete features and capabilities.",
			"Propose an MVP scope.",
			"List technical considerations and open risks.",
		},
	},
	PhasePrioritization: {
		inputs: []Phase{PhaseIdeation},
		steps: []string{
			"Score each feature on value against effort.",
			"Draw the MVP boundary.",
			"Produce an ordered backlog with dependencies between items.",
			"Flag scope risks.",
		},
	},
	PhaseRequirements: {
		inputs: []Phase{PhasePrioritization},
		steps: []string{
			"Write user stories (As a ..., I want ..., so that ...).",
			"Give every story testable acceptance criteria.",
			"Document business rules and edge cases.",
		},
	},
	PhaseDesign: {
		inputs: []Phase{PhaseRequirements},
		steps: []string{
			"Describe screens and components.",
			"Define the user flows and interaction patterns.",
			"Note accessibility requirements and design decisions.",
		},
	},
	PhaseArchitecture: {
		inputs: []Phase{PhaseRequirements, PhaseDesign},
		steps: []string{
			"Define the system architecture and component boundaries.",
			"Design API contracts and data models.",
			"Record architectural decisions with their alternatives.",
		},
	},
	PhaseSimplification: {
		inputs: []Phase{PhaseDevelopment},
		steps: []string{
			"Remove duplication and dead code.",
			"Extract reusable pieces where it reduces size.",
			"Improve naming and readability without changing behaviour.",
			"Return the complete simplified code.",
		},
	},
	PhaseTesting: {
		inputs: []Phase{PhaseSimplification, PhaseRequirements},
		steps: []string{
			"Write tests covering every acceptance criterion.",
			"Include edge cases and failure paths.",
			"Describe fixtures and summarise coverage.",
		},
	},
	PhaseDocumentation: {
		inputs: []Phase{PhaseSimplification, PhaseArchitecture},
		steps: []string{
			"Document the API and configuration options.",
			"Provide usage examples.",
			"Write a troubleshooting section and a changelog entry.",
		},
	},
	PhaseDeployment: {
		inputs: []Phase{PhaseSimplification, PhaseDocumentation},
		steps: []string{
			"Define the CI/CD pipeline and deployment scripts.",
			"Describe monitoring and alerting.",
			"Write the rollout and rollback plan.",
		},
	},
}

// PhaseInstructions renders the task for an agent phase.
func PhaseInstructions(p Project, phase Phase) string {
	b := briefs[phase]
	var sections []section
	if len(b.inputs) == 0 {
		sections = append(sections, section{"Feature Request", p.Feature})
	}
	for _, in := range b.inputs {
		if a := p.Artifacts[in]; a != "" {
			sections = append(sections, section{title(in), a})
		}
	}
	if len(sections) == 0 {
		sections = append(sections, section{"Feature Request", p.Feature})
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Phase: %s\n", phase)
	for _, s := range sections {
		fmt.Fprintf(&out, "\n## %s\n%s\n", s.title, strings.TrimSpace(s.body))
	}
	out.WriteString("\n## Your Task\n")
	for i, step := range b.steps {
		fmt.Fprintf(&out, "%d. %s\n", i+1, step)
	}
	return out.String()
}

func title(p Phase) string {
	s := strings.ReplaceAll(string(p), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// DecompositionPrompt asks the tech lead to break the architecture into a
// task plan.
const decompositionIntro = "Break the architecture below into atomic implementation tasks."

func DecompositionPrompt(p Project, feedback []string) string {
	var b strings.Builder
	b.WriteString(decompositionIntro + "\n\n")
	fmt.Fprintf(&b, "## Feature\n%s\n\n", strings.TrimSpace(p.Feature))
	if r := p.Artifacts[PhaseRequirements]; r != "" {
		fmt.Fprintf(&b, "## Requirements\n%s\n\n", strings.TrimSpace(r))
	}
	fmt.Fprintf(&b, "## Architecture\n%s\n\n", strings.TrimSpace(p.Artifacts[PhaseArchitecture]))
	b.WriteString(`## Response Format
Respond with YAML only, inside a yaml fence:

` + "```yaml" + `
tasks:
  - id: T1
    title: Short imperative title
    description: What to build
    category: model|api|service|integration|ui|database|config|test|docs|infra
    size: S|M|L
    acceptance_criteria:
      - Verifiable statement
    depends_on: []
    target_files: []
` + "```" + `

Each task must be completable in one sitting. Dependencies must not form a cycle.
`)
	if len(feedback) > 0 {
		b.WriteString("\n## Problems With Your Previous Plan\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// GateContext is the project material every voter receives.
func GateContext(p Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Project\n%s (%s)\n\n## Feature\n%s\n", p.ID, p.Phase, strings.TrimSpace(p.Feature))
	if r := p.Artifacts[PhaseRequirements]; r != "" && p.Phase != PhaseRequirementsReview {
		fmt.Fprintf(&b, "\n## Requirements\n%s\n", truncate(strings.TrimSpace(r), 4000))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
