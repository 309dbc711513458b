package agents

import (
	"context"

	"auditchat/internal/dataset"
	"auditchat/internal/logging"
)

// StageSpec binds a stage to its failure policy. A fatal stage aborts the
// request; a non-fatal one degrades it and lets later stages run.
type StageSpec struct {
	Stage Stage
	Fatal bool
}

// DefaultStages is the standard audit progression. Planning and analysis
// are load-bearing; reporting failures still leave usable analysis behind.
func DefaultStages() []StageSpec {
	return []StageSpec{
		{Stage: StagePlan, Fatal: true},
		{Stage: StageAnalyze, Fatal: true},
		{Stage: StageReport, Fatal: false},
	}
}

// Sink receives stage lifecycle notifications as they happen. Completed
// stage results are pushed immediately, never batched until the end.
type Sink interface {
	StageStarted(req *Request, stage Stage)
	StageCompleted(req *Request, result StageResult)
}

// Outcome summarizes a finished request. Results holds every stage result
// accumulated before the terminal state, including failed ones.
type Outcome struct {
	Status    RequestState  `json:"status"`
	Results   []StageResult `json:"results"`
	Degraded  bool          `json:"degraded,omitempty"`
	Cancelled bool          `json:"-"`
}

// Pipeline drives a request through its stages in order.
type Pipeline struct {
	runner *Runner
	stages []StageSpec
}

// NewPipeline builds a pipeline over the default stage progression.
func NewPipeline(runner *Runner) *Pipeline {
	return &Pipeline{runner: runner, stages: DefaultStages()}
}

// Execute runs every stage against the given dataset snapshot. The snapshot
// is pinned for the whole request so a mid-flight sync cannot shift the
// ground under later stages. Cancelling ctx aborts the pending stage call
// and marks the outcome cancelled; sinks see nothing after that point.
func (p *Pipeline) Execute(ctx context.Context, req *Request, meta *dataset.DatasetMetadata, sink Sink) Outcome {
	req.State = StateRunning
	degraded := false

	for i, spec := range p.stages {
		if ctx.Err() != nil {
			req.State = StateFailed
			logging.PipelineWarn("Request %s cancelled before stage %s", req.ID, spec.Stage)
			return Outcome{Status: StateFailed, Results: req.Results, Degraded: degraded, Cancelled: true}
		}

		req.StageIndex = i
		if sink != nil {
			sink.StageStarted(req, spec.Stage)
		}

		result := p.runner.Run(ctx, req, spec.Stage, meta)
		if ctx.Err() != nil && !result.Success {
			req.State = StateFailed
			logging.PipelineWarn("Request %s cancelled during stage %s", req.ID, spec.Stage)
			return Outcome{Status: StateFailed, Results: req.Results, Degraded: degraded, Cancelled: true}
		}

		req.Results = append(req.Results, result)
		if sink != nil {
			sink.StageCompleted(req, result)
		}

		if !result.Success {
			if spec.Fatal {
				req.State = StateFailed
				logging.PipelineError("Request %s failed at fatal stage %s: %s", req.ID, spec.Stage, result.Error)
				return Outcome{Status: StateFailed, Results: req.Results, Degraded: degraded}
			}
			degraded = true
			logging.PipelineWarn("Request %s degraded: non-fatal stage %s failed: %s", req.ID, spec.Stage, result.Error)
		}
	}

	req.State = StateSucceeded
	return Outcome{Status: StateSucceeded, Results: req.Results, Degraded: degraded}
}
