package voting

import (
	"fmt"
	"strings"
)

const voteFormat = `{
    "vote": "approve" or "reject",
    "confidence": "high", "medium", or "low",
    "reasoning": "Brief explanation of your decision",
    "concerns": [{"issue": "specific concern", "severity": "critical|high|medium|low|info"}],
    "suggestions": ["actionable improvement suggestions"]
}`

// VotePrompt is the instruction text sent to one voter.
func VotePrompt(gate GateConfig, voter VoterConfig, artifact string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are participating in a quality gate review: %s\n\n", gate.Name)
	b.WriteString("## Your Task\nEvaluate the following artifact from your specific perspective.\n")
	if voter.Instructions != "" {
		fmt.Fprintf(&b, "\n## Your Perspective\n%s\n", voter.Instructions)
	}
	if voter.Blocking {
		b.WriteString("Your reject blocks this gate regardless of other votes.\n")
	}
	fmt.Fprintf(&b, "\n## Gate Trigger\n%s\n", gate.Trigger)
	if gate.Criteria != "" {
		fmt.Fprintf(&b, "\n## Approval Criteria\n%s\n", gate.Criteria)
	}
	fmt.Fprintf(&b, "\n## Artifact to Review\n%s\n", artifact)
	fmt.Fprintf(&b, "\n## Response Format\nRespond ONLY with valid JSON in this exact format:\n%s\n", voteFormat)
	b.WriteString("\nMark a concern critical only if the artifact must not proceed. Be constructive in feedback.\n")
	return b.String()
}

// RevisionPrompt asks the revision role to rework a rejected artifact.
func RevisionPrompt(feedback, artifact string) string {
	return fmt.Sprintf("Your previous work did not pass the quality gate.\n\n"+
		"## Feedback from reviewers:\n%s\n\n"+
		"## Original work:\n%s\n\n"+
		"## Task:\nPlease revise your work addressing the feedback above.", feedback, artifact)
}
