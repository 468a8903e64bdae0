package evolve

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MapConfig configures one Map call.
type MapConfig struct {
	// Name labels the operation in observability metadata.
	Name string
	// Prompt is the task given to every worker.
	Prompt string
	// Schema declares the expected shape of each worker's result.json.
	Schema *SchemaDescriptor
	// SchemaMode selects strict or loose validation (default loose).
	SchemaMode ValidationMode
	// Skills override the swarm default for this operation.
	Skills []string
	// Timeout bounds each unit's sandbox dialogue.
	Timeout time.Duration
	// Verify schedules a verifier after each worker. Mutually exclusive
	// with BestOf.
	Verify *VerifyConfig
	// BestOf runs N candidates per item and a judge that picks a winner.
	// Mutually exclusive with Verify.
	BestOf *BestOfConfig
	// Retry overrides the swarm's default retry configuration.
	Retry *RetryConfig

	// pipe threads pipeline identity into unit metadata and events.
	pipe *pipelineContext
}

// FilterConfig configures one Filter call: a Map whose results are then
// gated by a local condition.
type FilterConfig struct {
	Name       string
	Prompt     string
	Schema     *SchemaDescriptor
	SchemaMode ValidationMode
	Skills     []string
	Timeout    time.Duration
	Verify     *VerifyConfig
	BestOf     *BestOfConfig
	Retry      *RetryConfig

	// Condition is a pure, synchronous predicate evaluated locally on the
	// validated data — not a remote operation, so no permit is held while
	// it runs. A false result marks the item filtered, not failed.
	Condition func(data any) bool

	pipe *pipelineContext
}

// ReduceConfig configures one Reduce call: a single session that sees all
// upstream outputs. BestOf is not supported for reduce.
type ReduceConfig struct {
	Name       string
	Prompt     string
	Schema     *SchemaDescriptor
	SchemaMode ValidationMode
	Skills     []string
	Timeout    time.Duration
	Verify     *VerifyConfig
	Retry      *RetryConfig

	pipe *pipelineContext
}

// VerifyConfig configures the verify decorator: an LLM judge that accepts
// or rejects each worker result, optionally feeding back guidance for a
// re-run.
type VerifyConfig struct {
	// Criteria the verifier checks the worker's outputs against.
	Criteria string
	// MaxAttempts is the total worker-attempt budget (default 1: a
	// rejection fails the item without re-running).
	MaxAttempts int
	// Skills for the verifier unit; defaults to the operator skills.
	Skills []string
}

// BestOfConfig configures the best-of decorator: N independent candidates
// and one judge that picks a winner with reasoning.
type BestOfConfig struct {
	// N is the candidate count.
	N int
	// JudgeCriteria tells the judge how to compare candidates.
	JudgeCriteria string
	// Skills for candidate units; defaults to the operator skills.
	Skills []string
	// JudgeSkills for the judge unit; defaults to Skills, then operator
	// skills, then the swarm default.
	JudgeSkills []string
}

// opSpec is the operator-internal view shared by Map, Filter and Reduce.
type opSpec struct {
	name       string
	prompt     string
	schema     *SchemaDescriptor
	schemaMode ValidationMode
	skills     []string
	timeout    time.Duration
	verify     *VerifyConfig
	bestOf     *BestOfConfig
	retry      *RetryConfig
	pipe       *pipelineContext
}

func (c MapConfig) spec() opSpec {
	return opSpec{
		name: c.Name, prompt: c.Prompt, schema: c.Schema, schemaMode: c.SchemaMode,
		skills: c.Skills, timeout: c.Timeout, verify: c.Verify, bestOf: c.BestOf,
		retry: c.Retry, pipe: c.pipe,
	}
}

func (c FilterConfig) spec() opSpec {
	return opSpec{
		name: c.Name, prompt: c.Prompt, schema: c.Schema, schemaMode: c.SchemaMode,
		skills: c.Skills, timeout: c.Timeout, verify: c.Verify, bestOf: c.BestOf,
		retry: c.Retry, pipe: c.pipe,
	}
}

func (c ReduceConfig) spec() opSpec {
	return opSpec{
		name: c.Name, prompt: c.Prompt, schema: c.Schema, schemaMode: c.SchemaMode,
		skills: c.Skills, timeout: c.Timeout, verify: c.Verify,
		retry: c.Retry, pipe: c.pipe,
	}
}

// baseMeta builds the metadata envelope for one unit of an operator call.
func (s *Swarm) baseMeta(spec opSpec, opID string, op Operation, role Role, itemIndex int) BaseMeta {
	meta := BaseMeta{
		OperationID:   opID,
		Operation:     op,
		Role:          role,
		ItemIndex:     itemIndex,
		SwarmName:     s.name,
		OperationName: spec.name,
	}
	if spec.pipe != nil {
		meta.PipelineRunID = spec.pipe.runID
		meta.PipelineStepIndex = spec.pipe.stepIndex
	}
	return meta
}

// retryFor resolves the effective retry configuration for an operator.
func (s *Swarm) retryFor(spec opSpec) RetryConfig {
	if spec.retry != nil {
		return *spec.retry
	}
	return s.retry
}

// Map runs the prompt once per input item in parallel sessions, bounded by
// the swarm semaphore. Results are returned in input order; per-item
// failures are recovered into StatusError results and never abort the
// batch. Verify and BestOf may not be combined: MutualExclusion, zero
// units scheduled.
func (s *Swarm) Map(ctx context.Context, items []FileMap, cfg MapConfig) (SwarmResultList, error) {
	return s.mapOp(ctx, OpMap, items, cfg.spec())
}

// Filter is Map followed by a local gate: items whose validated data fails
// the condition become StatusFiltered — removed from Success but retained
// in Filtered.
func (s *Swarm) Filter(ctx context.Context, items []FileMap, cfg FilterConfig) (SwarmResultList, error) {
	if cfg.Condition == nil {
		return nil, fmt.Errorf("filter: condition required")
	}
	results, err := s.mapOp(ctx, OpFilter, items, cfg.spec())
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].Status == StatusSuccess && !cfg.Condition(results[i].Data) {
			results[i].Status = StatusFiltered
		}
	}
	return results, nil
}

// mapOp is the shared fan-out for Map and Filter.
func (s *Swarm) mapOp(ctx context.Context, op Operation, items []FileMap, spec opSpec) (SwarmResultList, error) {
	if spec.verify != nil && spec.bestOf != nil {
		return nil, &ErrMutualExclusion{A: "verify", B: "best_of"}
	}
	opID := newHexID()

	results := make(SwarmResultList, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, item FileMap) {
			defer wg.Done()
			results[idx] = s.runItem(ctx, op, item, idx, spec, opID)
		}(i, item)
	}
	wg.Wait()
	return results, nil
}

// runItem executes one operator item: a retry-wrapped worker (with its
// verify loop) or a best-of tournament.
func (s *Swarm) runItem(ctx context.Context, op Operation, item FileMap, idx int, spec opSpec, opID string) SwarmResult {
	if spec.bestOf != nil {
		result, _ := s.bestOfItem(ctx, item, idx, spec, opID)
		return result
	}

	retryCfg := s.retryFor(spec)
	return executeWithRetry(ctx, retryCfg, func(errorRetry int) SwarmResult {
		if errorRetry > 0 {
			spec.pipe.event(PipelineEvent{
				Kind:      EventItemRetry,
				ItemIndex: idx,
				Attempt:   errorRetry,
			})
		}
		return s.workerWithVerify(ctx, op, item, idx, spec, opID, errorRetry)
	})
}

// workerWithVerify runs one worker attempt and, when configured, its
// verify loop: rejection feedback is appended to the prompt and the worker
// re-runs, up to the verify attempt budget. verify_retry counts rejections
// independently of error_retry.
func (s *Swarm) workerWithVerify(ctx context.Context, op Operation, item FileMap, idx int, spec opSpec, opID string, errorRetry int) SwarmResult {
	maxAttempts := 1
	if spec.verify != nil && spec.verify.MaxAttempts > 1 {
		maxAttempts = spec.verify.MaxAttempts
	}

	prompt := spec.prompt
	var lastWorker SwarmResult
	var lastDecision VerifyDecision
	var lastVerifyMeta BaseMeta

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		meta := s.baseMeta(spec, opID, op, RoleWorker, idx)
		meta.ErrorRetry = errorRetry
		meta.VerifyRetry = attempt - 1

		out := s.runUnit(ctx, unitRequest{
			Prompt:     prompt,
			Context:    item,
			Schema:     spec.schema,
			SchemaMode: spec.schemaMode,
			Skills:     s.skillsFor(spec.skills),
			Timeout:    spec.timeout,
			Meta:       meta,
		})
		worker := outcomeResult(out, meta)
		spec.pipe.event(PipelineEvent{Kind: EventWorkerComplete, ItemIndex: idx, Meta: meta})

		if worker.Status == StatusError || spec.verify == nil {
			return worker
		}
		lastWorker = worker

		verifyMeta := s.baseMeta(spec, opID, OpVerify, RoleVerifier, idx)
		verifyMeta.ErrorRetry = errorRetry
		verifyMeta.VerifyRetry = attempt - 1
		decision, err := s.runVerifier(ctx, spec, prompt, worker, verifyMeta)
		spec.pipe.event(PipelineEvent{Kind: EventVerifierComplete, ItemIndex: idx, Meta: verifyMeta})
		if err != nil {
			worker.Status = StatusError
			worker.Error = fmt.Sprintf("verifier failed: %v", err)
			return worker
		}
		lastDecision = decision
		lastVerifyMeta = verifyMeta

		if decision.Passed {
			worker.Verify = &VerifyInfo{
				Passed:    true,
				Reasoning: decision.Reasoning,
				Attempts:  attempt,
				Meta:      verifyMeta,
			}
			return worker
		}
		if attempt < maxAttempts {
			feedback := decision.Feedback
			if feedback == "" {
				feedback = decision.Reasoning
			}
			prompt = spec.prompt + "\n\nA previous attempt was rejected by a reviewer. Feedback:\n" + feedback
		}
	}

	exhausted := lastWorker
	exhausted.Status = StatusError
	exhausted.Error = (&ErrVerifyExhausted{Attempts: maxAttempts, Reasoning: lastDecision.Reasoning}).Error()
	exhausted.Verify = &VerifyInfo{
		Passed:    false,
		Reasoning: lastDecision.Reasoning,
		Attempts:  maxAttempts,
		Meta:      lastVerifyMeta,
	}
	return exhausted
}

// Reduce uploads every item under context/item_<index>/ and runs one
// session over the combined inputs. Retry and verify apply to this single
// session; BestOf is not supported.
func (s *Swarm) Reduce(ctx context.Context, items []FileMap, cfg ReduceConfig) (ReduceResult, error) {
	spec := cfg.spec()
	opID := newHexID()

	combined := make(FileMap)
	for i, item := range items {
		prefix := "item_" + strconv.Itoa(i) + "/"
		for name, content := range item {
			combined[prefix+name] = content
		}
	}

	retryCfg := s.retryFor(spec)
	result := executeWithRetry(ctx, retryCfg, func(errorRetry int) SwarmResult {
		if errorRetry > 0 {
			spec.pipe.event(PipelineEvent{Kind: EventItemRetry, ItemIndex: 0, Attempt: errorRetry})
		}
		return s.workerWithVerify(ctx, OpReduce, combined, 0, spec, opID, errorRetry)
	})

	return ReduceResult{
		Status:    result.Status,
		Data:      result.Data,
		Files:     result.Files,
		SandboxID: result.SandboxID,
		Error:     result.Error,
		RawData:   result.RawData,
		Meta:      result.Meta,
		Verify:    result.Verify,
	}, nil
}
