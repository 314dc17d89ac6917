package workflows

import (
	"context"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker returns a worker for taskQueue with the pipeline workflow and
// acts registered. The caller runs and stops it.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(PipelineWorkflow)
	w.RegisterActivity(acts)
	return w
}

// WorkflowID is the workflow id of a project's pipeline. One pipeline
// runs per project at a time.
func WorkflowID(projectID string) string {
	return "pipeline-" + projectID
}

// StartPipeline starts PipelineWorkflow. A new project without an id gets
// one here so the workflow id is known up front.
func StartPipeline(ctx context.Context, c client.Client, taskQueue string, in PipelineInput) (client.WorkflowRun, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.ProjectID == "" {
		in.ProjectID = "proj-" + uuid.NewString()[:8]
	}
	return c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.ProjectID),
		TaskQueue: taskQueue,
	}, PipelineWorkflow, in)
}

// AbortPipeline signals a running pipeline to abort after its current phase.
func AbortPipeline(ctx context.Context, c client.Client, projectID string) error {
	return c.SignalWorkflow(ctx, WorkflowID(projectID), "", AbortSignal, nil)
}
