// Package agent defines the capability the pipeline calls out to for every
// piece of generated work: phase artifacts, votes, revisions, task output.
//
// A Capability is role-agnostic. The role travels in the Request, so one
// configured model serves every voter and phase agent:
//
//	art, err := cap.Invoke(ctx, agent.Request{
//	    Role:         "security_reviewer",
//	    Instructions: "Vote on the artifact below.",
//	    Context:      artifactText,
//	})
//
// Output that other components read is parsed into a Parsed value first,
// which is either Success(data) or ValidationFailure(errors).
package agent
