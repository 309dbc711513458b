package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"auditchat/internal/auditerr"
	"auditchat/internal/dataset"
	"auditchat/internal/llm"
	"auditchat/internal/logging"
	"auditchat/internal/store"
)

// RequestState is a pipeline request's lifecycle position.
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateRunning   RequestState = "running"
	StateSucceeded RequestState = "succeeded"
	StateFailed    RequestState = "failed"
)

// Request is one user question moving through the staged pipeline. The
// pipeline owns it exclusively until the terminal event is handed off.
type Request struct {
	ID         string
	ClientID   string
	Seq        uint64
	Category   string
	Message    string
	CreatedAt  time.Time
	StageIndex int
	Results    []StageResult
	State      RequestState
}

// NewRequest builds a pending request.
func NewRequest(clientID string, seq uint64, category, message string) *Request {
	return &Request{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Seq:       seq,
		Category:  category,
		Message:   message,
		CreatedAt: time.Now().UTC(),
		State:     StatePending,
	}
}

// StageResult is the immutable outcome of one stage run.
type StageResult struct {
	RequestID string       `json:"request_id"`
	Stage     Stage        `json:"stage"`
	Payload   StagePayload `json:"payload"`
	Logs      string       `json:"logs,omitempty"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	ElapsedMS int64        `json:"elapsed_ms"`
}

// Runner executes single pipeline stages against a published dataset
// snapshot. A timeout or transport failure becomes a failed StageResult,
// never a fault that escapes the stage.
type Runner struct {
	client       llm.Client
	contexts     *ContextBuilder
	stageTimeout time.Duration
}

// NewRunner wires the reasoning client and the dataset read path.
func NewRunner(client llm.Client, st *store.DatasetStore, contextBudget int, stageTimeout time.Duration) *Runner {
	if stageTimeout <= 0 {
		stageTimeout = 90 * time.Second
	}
	return &Runner{
		client:       client,
		contexts:     NewContextBuilder(st, contextBudget),
		stageTimeout: stageTimeout,
	}
}

// Run executes one named stage and normalizes the service's answer.
func (r *Runner) Run(ctx context.Context, req *Request, stage Stage, meta *dataset.DatasetMetadata) StageResult {
	start := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, r.stageTimeout)
	defer cancel()

	system := personaFor(stage)
	user := r.buildPrompt(stageCtx, req, stage, meta)

	logging.Pipeline("Stage %s starting for request %s (category %q)", stage, req.ID, req.Category)
	raw, err := r.client.CompleteWithSystem(stageCtx, system, user)
	elapsed := time.Since(start)

	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		serr := &auditerr.StageError{Stage: string(stage), Timeout: timedOut, Err: err}
		logging.PipelineError("Stage %s failed for request %s after %v: %v", stage, req.ID, elapsed, err)
		return StageResult{
			RequestID: req.ID,
			Stage:     stage,
			Payload:   TextPayload(""),
			Logs:      fmt.Sprintf("[%s] failed after %v", stage, elapsed.Round(time.Millisecond)),
			Success:   false,
			Error:     serr.Error(),
			ElapsedMS: elapsed.Milliseconds(),
		}
	}

	payload := ParsePayload(stage, raw)
	if payload.Kind == KindReport && payload.Report.ReportID == "" {
		payload.Report.ReportID = NewReportID(time.Now())
	}

	logLine := fmt.Sprintf("[%s] completed in %v (model=%s)", stage, elapsed.Round(time.Millisecond), r.client.GetModel())
	if payload.Kind == KindText {
		logLine += "; structured parse fell back to free text"
	}
	logging.Pipeline("Stage %s completed for request %s in %v (payload=%s)", stage, req.ID, elapsed, payload.Kind)

	return StageResult{
		RequestID: req.ID,
		Stage:     stage,
		Payload:   payload,
		Logs:      logLine,
		Success:   true,
		ElapsedMS: elapsed.Milliseconds(),
	}
}

// NewReportID formats report identifiers like AR202501151200.
func NewReportID(t time.Time) string {
	return "AR" + t.Format("200601021504")
}

func (r *Runner) buildPrompt(ctx context.Context, req *Request, stage Stage, meta *dataset.DatasetMetadata) string {
	scope := ScopeFor(req.Category)
	var sb strings.Builder

	fmt.Fprintf(&sb, "Audit category: %s\n", req.Category)
	fmt.Fprintf(&sb, "Audit scope: %s. %s.\n", scope.Name, scope.Objective)
	fmt.Fprintf(&sb, "Focus areas: %s\n\n", strings.Join(scope.FocusAreas, "; "))
	sb.WriteString("Available data:\n")
	sb.WriteString(r.contexts.SchemaSummary(meta, req.Category))
	sb.WriteString("\n")

	switch stage {
	case StagePlan:
		fmt.Fprintf(&sb, "\nUser request: %s\n\nDraft the audit plan.", req.Message)
	case StageAnalyze:
		if profile := r.contexts.DataProfile(ctx, meta, req.Category); profile != "" {
			sb.WriteString("\nData samples:\n")
			sb.WriteString(profile)
		}
		fmt.Fprintf(&sb, "\nPrior stage outputs:\n%s\n", r.contexts.PriorResults(req.Results))
		fmt.Fprintf(&sb, "\nUser request: %s\n\nPerform the analysis the plan calls for.", req.Message)
	case StageReport:
		fmt.Fprintf(&sb, "\nPrior stage outputs:\n%s\n", r.contexts.PriorResults(req.Results))
		fmt.Fprintf(&sb, "\nUser request: %s\n\nWrite the final audit report.", req.Message)
	}
	return sb.String()
}
