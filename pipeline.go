package evolve

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// PipelineEventKind identifies one of the eight cross-step event kinds.
type PipelineEventKind string

const (
	EventStepStart         PipelineEventKind = "step_start"
	EventStepComplete      PipelineEventKind = "step_complete"
	EventStepError         PipelineEventKind = "step_error"
	EventItemRetry         PipelineEventKind = "item_retry"
	EventWorkerComplete    PipelineEventKind = "worker_complete"
	EventVerifierComplete  PipelineEventKind = "verifier_complete"
	EventCandidateComplete PipelineEventKind = "candidate_complete"
	EventJudgeComplete     PipelineEventKind = "judge_complete"
)

// PipelineEvent is emitted to the pipeline's event callback as steps and
// units progress. StepName and StepIndex are always set; the remaining
// fields depend on the kind.
type PipelineEvent struct {
	Kind          PipelineEventKind `json:"kind"`
	PipelineRunID string            `json:"pipeline_run_id"`
	StepName      string            `json:"step_name"`
	StepIndex     int               `json:"step_index"`

	// ItemCount is set on step_start.
	ItemCount int `json:"item_count,omitempty"`
	// DurationMS and the counts are set on step_complete.
	DurationMS    int64 `json:"duration_ms,omitempty"`
	SuccessCount  int   `json:"success_count,omitempty"`
	ErrorCount    int   `json:"error_count,omitempty"`
	FilteredCount int   `json:"filtered_count,omitempty"`
	// Error is set on step_error.
	Error string `json:"error,omitempty"`

	// Per-unit fields.
	ItemIndex      int      `json:"item_index,omitempty"`
	CandidateIndex int      `json:"candidate_index,omitempty"`
	Attempt        int      `json:"attempt,omitempty"`
	Meta           BaseMeta `json:"meta,omitzero"`
}

// pipelineContext threads pipeline identity into operator metadata and
// per-unit events. A nil context is inert, so operators emit uniformly.
type pipelineContext struct {
	runID     string
	stepIndex int
	stepName  string
	emit      func(PipelineEvent)
}

// event fills in the pipeline identity and forwards to the callback.
// Safe on a nil receiver: standalone operator calls carry no context.
func (p *pipelineContext) event(ev PipelineEvent) {
	if p == nil || p.emit == nil {
		return
	}
	ev.PipelineRunID = p.runID
	ev.StepIndex = p.stepIndex
	ev.StepName = p.stepName
	p.emit(ev)
}

// StepResult summarises one completed pipeline step.
type StepResult struct {
	Name          string          `json:"name"`
	Index         int             `json:"index"`
	Kind          Operation       `json:"kind"`
	Duration      time.Duration   `json:"duration"`
	SuccessCount  int             `json:"success_count"`
	ErrorCount    int             `json:"error_count"`
	FilteredCount int             `json:"filtered_count"`
	Results       SwarmResultList `json:"results,omitempty"`
}

// PipelineResult is the outcome of one Pipeline.Run call. Output is the
// final step's SwarmResultList, or a ReduceResult when the pipeline ends
// with Reduce.
type PipelineResult struct {
	PipelineRunID string          `json:"pipeline_run_id"`
	Steps         []StepResult    `json:"steps"`
	Output        any             `json:"output"`
	Reduce        *ReduceResult   `json:"-"`
	Results       SwarmResultList `json:"-"`
	TotalDuration time.Duration   `json:"total_duration"`
}

// pipelineStep is one configured step.
type pipelineStep struct {
	kind   Operation
	name   string
	mapCfg MapConfig
	filter FilterConfig
	reduce ReduceConfig
}

// Pipeline chains Map, Filter and Reduce into a directed workflow over a
// borrowed Swarm. Steps execute with a phase barrier: step k+1 observes no
// item until step k has completed entirely. The pipeline is reusable; each
// Run allocates a fresh pipeline_run_id threaded into every child meta.
type Pipeline struct {
	swarm *Swarm
	steps []pipelineStep

	mu      sync.Mutex
	onEvent func(PipelineEvent)
}

// NewPipeline creates a pipeline over a swarm. The swarm is borrowed for
// the duration of each Run; the pipeline never owns it.
func NewPipeline(swarm *Swarm) *Pipeline {
	return &Pipeline{swarm: swarm}
}

// OnEvent registers the cross-step event callback. Events are emitted in a
// consistent per-item order: worker before verifier for a given attempt,
// candidates before judge within a best-of.
func (p *Pipeline) OnEvent(cb func(PipelineEvent)) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = cb
	return p
}

// Map appends a map step.
func (p *Pipeline) Map(cfg MapConfig) *Pipeline {
	p.steps = append(p.steps, pipelineStep{kind: OpMap, name: stepName(cfg.Name, OpMap, len(p.steps)), mapCfg: cfg})
	return p
}

// Filter appends a filter step.
func (p *Pipeline) Filter(cfg FilterConfig) *Pipeline {
	p.steps = append(p.steps, pipelineStep{kind: OpFilter, name: stepName(cfg.Name, OpFilter, len(p.steps)), filter: cfg})
	return p
}

// Reduce appends a terminal reduce step and seals the pipeline.
func (p *Pipeline) Reduce(cfg ReduceConfig) *TerminalPipeline {
	p.steps = append(p.steps, pipelineStep{kind: OpReduce, name: stepName(cfg.Name, OpReduce, len(p.steps)), reduce: cfg})
	return &TerminalPipeline{Pipeline: p}
}

// TerminalPipeline is a pipeline sealed by a Reduce step. Its Run returns
// the reduce output as the pipeline output.
type TerminalPipeline struct {
	*Pipeline
}

func stepName(name string, op Operation, index int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s-%d", op, index)
}

// Run feeds items through the step chain. Each step consumes the previous
// step's success partition; per-item failures flow through as results and
// only infrastructure failures emit step_error and terminate the pipeline.
func (p *Pipeline) Run(ctx context.Context, items []FileMap) (PipelineResult, error) {
	if len(p.steps) == 0 {
		return PipelineResult{}, fmt.Errorf("pipeline: no steps configured")
	}

	p.mu.Lock()
	emit := p.onEvent
	p.mu.Unlock()

	runID := newHexID()
	start := time.Now()
	result := PipelineResult{PipelineRunID: runID}

	current := items
	for k, step := range p.steps {
		pipe := &pipelineContext{runID: runID, stepIndex: k, stepName: step.name, emit: emit}
		pipe.event(PipelineEvent{Kind: EventStepStart, ItemCount: len(current)})
		stepStart := time.Now()

		var results SwarmResultList
		var reduce *ReduceResult
		var err error
		switch step.kind {
		case OpMap:
			cfg := step.mapCfg
			cfg.pipe = pipe
			results, err = p.swarm.Map(ctx, current, cfg)
		case OpFilter:
			cfg := step.filter
			cfg.pipe = pipe
			results, err = p.swarm.Filter(ctx, current, cfg)
		case OpReduce:
			cfg := step.reduce
			cfg.pipe = pipe
			var r ReduceResult
			r, err = p.swarm.Reduce(ctx, current, cfg)
			reduce = &r
		}
		if err != nil {
			pipe.event(PipelineEvent{Kind: EventStepError, Error: err.Error()})
			return result, fmt.Errorf("pipeline step %s: %w", step.name, err)
		}

		stepResult := StepResult{
			Name:     step.name,
			Index:    k,
			Kind:     step.kind,
			Duration: time.Since(stepStart),
		}
		if reduce != nil {
			if reduce.Status == StatusSuccess {
				stepResult.SuccessCount = 1
			} else {
				stepResult.ErrorCount = 1
			}
			result.Reduce = reduce
			result.Output = *reduce
		} else {
			stepResult.Results = results
			stepResult.SuccessCount = len(results.Success())
			stepResult.ErrorCount = len(results.Errors())
			stepResult.FilteredCount = len(results.Filtered())
			result.Results = results
			result.Output = results
			current = successInputs(results)
		}
		result.Steps = append(result.Steps, stepResult)

		pipe.event(PipelineEvent{
			Kind:          EventStepComplete,
			DurationMS:    stepResult.Duration.Milliseconds(),
			SuccessCount:  stepResult.SuccessCount,
			ErrorCount:    stepResult.ErrorCount,
			FilteredCount: stepResult.FilteredCount,
		})
	}

	result.TotalDuration = time.Since(start)
	return result, nil
}

// successInputs converts a step's success partition into the next step's
// input items: each result's output files, with validated data serialised
// as result.json when no file carries it already.
func successInputs(results SwarmResultList) []FileMap {
	var items []FileMap
	for _, r := range results.Success() {
		item := make(FileMap, len(r.Files)+1)
		for name, content := range r.Files {
			item[name] = content
		}
		if r.Data != nil {
			if _, ok := item["result.json"]; !ok {
				if b, err := json.MarshalIndent(r.Data, "", "  "); err == nil {
					item["result.json"] = b
				}
			}
		}
		items = append(items, item)
	}
	return items
}
