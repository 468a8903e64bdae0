package evolve

import (
	"context"
	"strings"
	"testing"
)

// verifyScript drives a worker/verifier sequence: the verifier rejects
// until the configured attempt passes.
func verifyScript(passOnAttempt int, feedback string) func(unitRequest, int) unitOutcome {
	return func(req unitRequest, _ int) unitOutcome {
		switch req.Meta.Role {
		case RoleWorker:
			return unitOutcome{Data: map[string]any{"attempt": float64(req.Meta.VerifyRetry + 1)}}
		case RoleVerifier:
			attempt := req.Meta.VerifyRetry + 1
			if attempt >= passOnAttempt {
				return unitOutcome{Data: VerifyDecision{Passed: true, Reasoning: "looks good"}}
			}
			return unitOutcome{Data: VerifyDecision{Passed: false, Reasoning: "too thin", Feedback: feedback}}
		default:
			return unitOutcome{Err: nil}
		}
	}
}

// --- Scenario: verify retry with feedback ---

func TestSwarm_VerifyRejectThenAccept(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = verifyScript(2, "add more detail")
	swarm := newFakeSwarm(fake, WithPermits(2))

	results, err := swarm.Map(context.Background(), items(1), MapConfig{
		Prompt: "summarize",
		Verify: &VerifyConfig{Criteria: "at least 3 points", MaxAttempts: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2 worker runs + 2 verifier runs.
	if fake.callCount() != 4 {
		t.Fatalf("scheduled %d units, want 4", fake.callCount())
	}

	r := results[0]
	if r.Status != StatusSuccess {
		t.Fatalf("got status %s, want success", r.Status)
	}
	if r.Verify == nil || !r.Verify.Passed {
		t.Fatal("verify info should report passed")
	}
	if r.Verify.Attempts != 2 {
		t.Errorf("verify attempts = %d, want 2", r.Verify.Attempts)
	}
	if r.Meta.VerifyRetry != 1 {
		t.Errorf("verify_retry = %d, want 1", r.Meta.VerifyRetry)
	}

	// The second worker's prompt carries the verifier feedback.
	workers := fake.callsFor(RoleWorker)
	if len(workers) != 2 {
		t.Fatalf("got %d worker runs, want 2", len(workers))
	}
	if strings.Contains(workers[0].Prompt, "add more detail") {
		t.Error("first worker prompt must not contain feedback")
	}
	if !strings.Contains(workers[1].Prompt, "add more detail") {
		t.Errorf("second worker prompt should contain feedback, got %q", workers[1].Prompt)
	}

	// Verifier units carry the verify operation and the worker's outputs.
	verifiers := fake.callsFor(RoleVerifier)
	if len(verifiers) != 2 {
		t.Fatalf("got %d verifier runs, want 2", len(verifiers))
	}
	for _, v := range verifiers {
		if v.Meta.Operation != OpVerify {
			t.Errorf("verifier operation = %s, want verify", v.Meta.Operation)
		}
		if v.Meta.OperationID != r.Meta.OperationID {
			t.Error("verifier must share the call's operation_id")
		}
		if _, ok := v.Context["result.json"]; !ok {
			t.Error("verifier context should include the worker's result")
		}
	}
}

func TestSwarm_VerifyExhaustedBecomesError(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = verifyScript(99, "never enough")
	swarm := newFakeSwarm(fake)

	results, err := swarm.Map(context.Background(), items(1), MapConfig{
		Prompt: "summarize",
		Verify: &VerifyConfig{Criteria: "impossible", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := results[0]
	if r.Status != StatusError {
		t.Fatalf("exhausted verify should be an error, got %s", r.Status)
	}
	if r.Verify == nil || r.Verify.Passed {
		t.Fatal("verify info should report failure")
	}
	if r.Verify.Attempts != 3 {
		t.Errorf("verify attempts = %d, want 3", r.Verify.Attempts)
	}
	if !strings.Contains(r.Error, "3 attempts") {
		t.Errorf("error should mention attempts, got %q", r.Error)
	}
}

func TestSwarm_VerifyPassFirstAttemptSchedulesTwoUnits(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = verifyScript(1, "")
	swarm := newFakeSwarm(fake)

	results, err := swarm.Map(context.Background(), items(1), MapConfig{
		Prompt: "easy",
		Verify: &VerifyConfig{Criteria: "anything", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.callCount() != 2 {
		t.Errorf("pass on first attempt should schedule 2 units, got %d", fake.callCount())
	}
	if results[0].Verify.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", results[0].Verify.Attempts)
	}
}
