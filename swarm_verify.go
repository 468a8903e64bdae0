package evolve

import (
	"context"
	"fmt"
)

// verifierPromptTemplate frames the verifier unit's task. The verifier
// sees the worker's outputs under context/ and returns a VerifyDecision.
const verifierPromptTemplate = `You are reviewing another agent's completed work.

Original task:
%s

Acceptance criteria:
%s

The agent's outputs are the files under context/. Judge whether they satisfy
the acceptance criteria. Be specific about what is missing or wrong.

Write output/result.json as a single JSON document:
{"passed": true|false, "reasoning": "...", "feedback": "concrete guidance for a retry, if failed"}`

// runVerifier schedules one verifier unit against a worker's outputs and
// decodes its VerifyDecision.
func (s *Swarm) runVerifier(ctx context.Context, spec opSpec, workerPrompt string, worker SwarmResult, meta BaseMeta) (VerifyDecision, error) {
	verifyContext := make(FileMap, len(worker.Files)+1)
	for name, content := range worker.Files {
		verifyContext[name] = content
	}
	if worker.Data != nil {
		if _, ok := verifyContext["result.json"]; !ok {
			verifyContext["result.json"] = dataJSON(worker.Data)
		}
	}

	out := s.runUnit(ctx, unitRequest{
		Prompt:     fmt.Sprintf(verifierPromptTemplate, workerPrompt, spec.verify.Criteria),
		Context:    verifyContext,
		Schema:     SchemaFor[VerifyDecision](),
		SchemaMode: ValidationLoose,
		Skills:     s.skillsFor(spec.verify.Skills, spec.skills),
		Timeout:    spec.timeout,
		Meta:       meta,
	})
	if out.Err != nil {
		return VerifyDecision{}, out.Err
	}
	if out.SchemaErr != "" {
		return VerifyDecision{}, fmt.Errorf("verdict did not validate: %s", out.SchemaErr)
	}
	decision, ok := out.Data.(VerifyDecision)
	if !ok {
		return VerifyDecision{}, fmt.Errorf("verdict has unexpected type %T", out.Data)
	}
	return decision, nil
}
