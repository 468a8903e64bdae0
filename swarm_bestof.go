package evolve

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// judgePromptTemplate frames the judge unit's task. Candidate outputs are
// laid out under context/candidate_<i>/ and the judge returns a winner
// index with reasoning.
const judgePromptTemplate = `You are judging %d independent attempts at the same task.

Original task:
%s

Judging criteria:
%s

Each attempt's outputs are under context/candidate_<index>/ (indices 0 to %d).
Compare them against the criteria and pick exactly one winner.

Write output/result.json as a single JSON document:
{"winner": <index>, "reasoning": "why this candidate wins"}`

// BestOf runs N independent candidates for one item and a judge that picks
// the winner. The judge never starts before every candidate has terminated.
// The caller's retry configuration governs candidates only; the judge uses
// the default status-based policy. Verify may not be combined with BestOf.
func (s *Swarm) BestOf(ctx context.Context, item FileMap, cfg MapConfig) (BestOfResult, error) {
	spec := cfg.spec()
	if spec.bestOf == nil {
		return BestOfResult{}, fmt.Errorf("best_of: BestOf configuration required")
	}
	if spec.verify != nil {
		return BestOfResult{}, &ErrMutualExclusion{A: "verify", B: "best_of"}
	}
	opID := newHexID()
	result, candidates := s.bestOfItem(ctx, item, 0, spec, opID)
	return BestOfResult{SwarmResult: result, Candidates: candidates}, nil
}

// bestOfItem runs the candidate fan-out and judge for one operator item.
// Returns the item's final result plus all candidate results.
func (s *Swarm) bestOfItem(ctx context.Context, item FileMap, idx int, spec opSpec, opID string) (SwarmResult, SwarmResultList) {
	n := spec.bestOf.N
	if n < 1 {
		n = 1
	}

	// Phase 1: candidates. Each candidate is independently retry-wrapped;
	// the barrier below is what guarantees the judge ordering invariant.
	candidates := make(SwarmResultList, n)
	retryCfg := s.retryFor(spec)
	var wg sync.WaitGroup
	for c := 0; c < n; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			candidates[c] = executeWithRetry(ctx, retryCfg, func(errorRetry int) SwarmResult {
				meta := s.baseMeta(spec, opID, OpBestOfCand, RoleCandidate, idx)
				meta.CandidateIndex = c
				meta.ErrorRetry = errorRetry
				out := s.runUnit(ctx, unitRequest{
					Prompt:     spec.prompt,
					Context:    item,
					Schema:     spec.schema,
					SchemaMode: spec.schemaMode,
					Skills:     s.skillsFor(spec.bestOf.Skills, spec.skills),
					Timeout:    spec.timeout,
					Meta:       meta,
				})
				result := outcomeResult(out, meta)
				spec.pipe.event(PipelineEvent{
					Kind:           EventCandidateComplete,
					ItemIndex:      idx,
					CandidateIndex: c,
					Meta:           meta,
				})
				return result
			})
		}(c)
	}
	wg.Wait()

	// Phase 2: judge, over whatever candidates produced. All-error means
	// there is nothing to judge.
	if len(candidates.Success()) == 0 {
		meta := s.baseMeta(spec, opID, OpBestOfJudge, RoleJudge, idx)
		return SwarmResult{
			Status: StatusError,
			Error:  "best_of: all candidates failed",
			Meta:   meta,
		}, candidates
	}

	judgeMeta := s.baseMeta(spec, opID, OpBestOfJudge, RoleJudge, idx)
	decision, err := s.runJudge(ctx, spec, candidates, judgeMeta)
	spec.pipe.event(PipelineEvent{Kind: EventJudgeComplete, ItemIndex: idx, Meta: judgeMeta})
	if err != nil {
		// A failed judge fails the whole item. No silent degradation to
		// "pick the first candidate".
		return SwarmResult{
			Status: StatusError,
			Error:  (&ErrJudgeFailed{Err: err}).Error(),
			Meta:   judgeMeta,
		}, candidates
	}

	winner := candidates[decision.Winner]
	winner.BestOf = &BestOfInfo{
		WinnerIndex:    decision.Winner,
		JudgeReasoning: decision.Reasoning,
		JudgeMeta:      judgeMeta,
	}
	return winner, candidates
}

// runJudge schedules the judge unit with every candidate's outputs under
// context/candidate_<i>/ and decodes its decision. The judge retries on
// the default policy regardless of the caller's RetryOn.
func (s *Swarm) runJudge(ctx context.Context, spec opSpec, candidates SwarmResultList, meta BaseMeta) (judgeDecision, error) {
	judgeContext := make(FileMap)
	for c, candidate := range candidates {
		prefix := "candidate_" + strconv.Itoa(c) + "/"
		for name, content := range candidate.Files {
			judgeContext[prefix+name] = content
		}
		if candidate.Data != nil {
			if _, ok := judgeContext[prefix+"result.json"]; !ok {
				judgeContext[prefix+"result.json"] = dataJSON(candidate.Data)
			}
		}
		if candidate.Status != StatusSuccess {
			judgeContext[prefix+"FAILED.txt"] = []byte("this candidate failed: " + candidate.Error)
		}
	}

	prompt := fmt.Sprintf(judgePromptTemplate, len(candidates), spec.prompt, spec.bestOf.JudgeCriteria, len(candidates)-1)
	skills := s.skillsFor(spec.bestOf.JudgeSkills, spec.bestOf.Skills, spec.skills)

	var decision judgeDecision
	result := executeWithRetry(ctx, DefaultJudgeRetry, func(int) SwarmResult {
		out := s.runUnit(ctx, unitRequest{
			Prompt:     prompt,
			Context:    judgeContext,
			Schema:     SchemaFor[judgeDecision](),
			SchemaMode: ValidationLoose,
			Skills:     skills,
			Timeout:    spec.timeout,
			Meta:       meta,
		})
		judged := outcomeResult(out, meta)
		if judged.Status != StatusSuccess {
			return judged
		}
		d, ok := out.Data.(judgeDecision)
		if !ok {
			judged.Status = StatusError
			judged.Error = fmt.Sprintf("judge verdict has unexpected type %T", out.Data)
			return judged
		}
		if d.Winner < 0 || d.Winner >= len(candidates) || candidates[d.Winner].Status != StatusSuccess {
			judged.Status = StatusError
			judged.Error = fmt.Sprintf("judge picked invalid winner %d", d.Winner)
			return judged
		}
		decision = d
		return judged
	})
	if result.Status != StatusSuccess {
		return judgeDecision{}, fmt.Errorf("%s", result.Error)
	}
	return decision, nil
}
