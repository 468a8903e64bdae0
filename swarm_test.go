package evolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeExecutor replaces Swarm.execute to count scheduled units and observe
// concurrency without real sandboxes.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []unitRequest
	inFlight int64
	maxSeen  int64

	// handle decides each unit's outcome; nil means empty success.
	handle func(req unitRequest, call int) unitOutcome
}

func (f *fakeExecutor) exec(_ context.Context, req unitRequest) unitOutcome {
	current := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt64(&f.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt64(&f.maxSeen, seen, current) {
			break
		}
	}
	// Hold the permit long enough for overlap to be observable.
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.handle == nil {
		return unitOutcome{SandboxID: fmt.Sprintf("sbx-%d", call)}
	}
	return f.handle(req, call)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) callsFor(role Role) []unitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []unitRequest
	for _, c := range f.calls {
		if c.Meta.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func newFakeSwarm(fake *fakeExecutor, opts ...SwarmOption) *Swarm {
	s := NewSwarm(opts...)
	s.execute = fake.exec
	return s
}

func items(n int) []FileMap {
	out := make([]FileMap, n)
	for i := range out {
		out[i] = Text(map[string]string{"doc.txt": fmt.Sprintf("item %d", i)})
	}
	return out
}

// --- Scenario: minimal success ---

func TestSwarm_MapMinimalSuccess(t *testing.T) {
	fake := &fakeExecutor{}
	swarm := newFakeSwarm(fake, WithPermits(2))

	results, err := swarm.Map(context.Background(), items(2), MapConfig{Prompt: "say hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Status != StatusSuccess {
			t.Errorf("result[%d] status %s, want success", i, r.Status)
		}
		if r.Meta.ItemIndex != i {
			t.Errorf("result[%d] item_index %d", i, r.Meta.ItemIndex)
		}
		if r.Meta.ErrorRetry != 0 {
			t.Errorf("result[%d] should have no retries", i)
		}
	}
	if fake.callCount() != 2 {
		t.Errorf("scheduled %d units, want 2", fake.callCount())
	}
	if fake.maxSeen != 2 {
		t.Errorf("observed max in-flight %d, want 2", fake.maxSeen)
	}
}

// --- Semaphore bound ---

func TestSwarm_SemaphoreBound(t *testing.T) {
	fake := &fakeExecutor{}
	swarm := newFakeSwarm(fake, WithPermits(3))

	results, err := swarm.Map(context.Background(), items(12), MapConfig{Prompt: "work"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results.Success()) != 12 {
		t.Fatalf("got %d successes, want 12", len(results.Success()))
	}
	if fake.maxSeen > 3 {
		t.Errorf("in-flight count reached %d, permits allow 3", fake.maxSeen)
	}
	if fake.maxSeen < 3 {
		t.Errorf("in-flight count peaked at %d; 12 items over 3 permits should saturate", fake.maxSeen)
	}
}

// --- Operation id sharing ---

func TestSwarm_OperationIDSharedWithinCallDistinctAcrossCalls(t *testing.T) {
	fake := &fakeExecutor{}
	swarm := newFakeSwarm(fake, WithPermits(4), WithSwarmName("test-swarm"))
	ctx := context.Background()

	first, _ := swarm.Map(ctx, items(3), MapConfig{Prompt: "a", Name: "op-a"})
	second, _ := swarm.Map(ctx, items(2), MapConfig{Prompt: "b"})

	opID := first[0].Meta.OperationID
	if len(opID) != 16 {
		t.Fatalf("operation_id %q should be 16 hex chars", opID)
	}
	for _, r := range first {
		if r.Meta.OperationID != opID {
			t.Errorf("all units of one call must share operation_id: %q vs %q", r.Meta.OperationID, opID)
		}
		if r.Meta.SwarmName != "test-swarm" || r.Meta.OperationName != "op-a" {
			t.Errorf("meta names not propagated: %+v", r.Meta)
		}
	}
	if second[0].Meta.OperationID == opID {
		t.Error("distinct operator calls must mint distinct operation_ids")
	}
}

// --- Scenario: retry then success ---

func TestSwarm_RetryThenSuccess(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(req unitRequest, call int) unitOutcome {
		if call == 0 {
			return unitOutcome{Err: errors.New("transient sandbox failure")}
		}
		return unitOutcome{}
	}
	swarm := newFakeSwarm(fake, WithPermits(2))

	start := time.Now()
	results, err := swarm.Map(context.Background(), items(1), MapConfig{
		Prompt: "flaky",
		Retry:  &RetryConfig{MaxAttempts: 3, Backoff: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.callCount() != 2 {
		t.Fatalf("got %d attempts, want 2", fake.callCount())
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("got status %s, want success", results[0].Status)
	}
	if results[0].Meta.ErrorRetry != 1 {
		t.Errorf("error_retry = %d, want 1", results[0].Meta.ErrorRetry)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("elapsed %v should include the 10ms backoff", elapsed)
	}
}

func TestSwarm_RetryExhaustedKeepsLastError(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(req unitRequest, call int) unitOutcome {
		return unitOutcome{Err: fmt.Errorf("attempt %d failed", call)}
	}
	swarm := newFakeSwarm(fake, WithPermits(1))

	results, err := swarm.Map(context.Background(), items(1), MapConfig{
		Prompt: "doomed",
		Retry:  &RetryConfig{MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.callCount() != 3 {
		t.Errorf("got %d attempts, want 3", fake.callCount())
	}
	if results[0].Status != StatusError {
		t.Errorf("got status %s, want error", results[0].Status)
	}
	if !strings.Contains(results[0].Error, "attempt 2") {
		t.Errorf("last error should be preserved, got %q", results[0].Error)
	}
	if results[0].Meta.ErrorRetry != 2 {
		t.Errorf("error_retry = %d, want 2", results[0].Meta.ErrorRetry)
	}
}

func TestSwarm_RetryOnPredicateOverridesDefault(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(req unitRequest, call int) unitOutcome {
		return unitOutcome{Err: errors.New("permanent")}
	}
	swarm := newFakeSwarm(fake, WithPermits(1))

	_, err := swarm.Map(context.Background(), items(1), MapConfig{
		Prompt: "no retry",
		Retry: &RetryConfig{
			MaxAttempts: 5,
			RetryOn:     func(r SwarmResult) bool { return !strings.Contains(r.Error, "permanent") },
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.callCount() != 1 {
		t.Errorf("predicate said stop: got %d attempts, want 1", fake.callCount())
	}
}

// --- Permit release during backoff ---

func TestSwarm_PermitReleasedDuringBackoff(t *testing.T) {
	fake := &fakeExecutor{}
	var firstItemAttempts int64
	otherRan := make(chan struct{})
	fake.handle = func(req unitRequest, call int) unitOutcome {
		if req.Meta.ItemIndex == 0 {
			if atomic.AddInt64(&firstItemAttempts, 1) == 1 {
				return unitOutcome{Err: errors.New("fail once")}
			}
			// The retry only succeeds after the other unit proves it
			// could take the permit during our backoff.
			select {
			case <-otherRan:
			default:
				return unitOutcome{Err: errors.New("other unit never slotted in")}
			}
			return unitOutcome{}
		}
		close(otherRan)
		return unitOutcome{}
	}

	// One permit: if the backoff held it, item 1 could never run before
	// item 0's retry and the retry would fail.
	swarm := newFakeSwarm(fake, WithPermits(1))
	results, err := swarm.Map(context.Background(), items(2), MapConfig{
		Prompt: "contend",
		Retry:  &RetryConfig{MaxAttempts: 3, Backoff: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results.Errors()) != 0 {
		t.Errorf("both items should succeed; errors: %v", results.Errors())
	}
}

// --- Filter ---

func TestSwarm_FilterPartitions(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(req unitRequest, call int) unitOutcome {
		return unitOutcome{Data: map[string]any{"value": float64(req.Meta.ItemIndex)}}
	}
	swarm := newFakeSwarm(fake, WithPermits(4))

	results, err := swarm.Filter(context.Background(), items(4), FilterConfig{
		Prompt: "score it",
		Condition: func(data any) bool {
			return data.(map[string]any)["value"].(float64) > 1
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(results.Success()); got != 2 {
		t.Errorf("got %d successes, want 2", got)
	}
	if got := len(results.Filtered()); got != 2 {
		t.Errorf("got %d filtered, want 2", got)
	}
	for _, r := range results.Filtered() {
		if r.Status != StatusFiltered {
			t.Errorf("filtered item has status %s", r.Status)
		}
	}
	if len(results.Errors()) != 0 {
		t.Errorf("no errors expected, got %v", results.Errors())
	}
}

func TestSwarm_FilterRequiresCondition(t *testing.T) {
	swarm := newFakeSwarm(&fakeExecutor{})
	if _, err := swarm.Filter(context.Background(), items(1), FilterConfig{Prompt: "x"}); err == nil {
		t.Error("filter without condition should fail")
	}
}

// --- Reduce ---

func TestSwarm_ReduceCombinesItems(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(req unitRequest, call int) unitOutcome {
		return unitOutcome{Data: map[string]any{"count": float64(len(req.Context))}}
	}
	swarm := newFakeSwarm(fake, WithPermits(2))

	result, err := swarm.Reduce(context.Background(), items(3), ReduceConfig{Prompt: "summarize"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("got status %s, want success", result.Status)
	}
	if fake.callCount() != 1 {
		t.Errorf("reduce should schedule exactly one unit, got %d", fake.callCount())
	}

	req := fake.calls[0]
	if req.Meta.Operation != OpReduce || req.Meta.Role != RoleWorker {
		t.Errorf("reduce meta = %+v", req.Meta)
	}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("item_%d/doc.txt", i)
		if _, ok := req.Context[key]; !ok {
			t.Errorf("combined context missing %s", key)
		}
	}
}

// --- Verify + BestOf exclusion ---

func TestSwarm_VerifyBestOfMutualExclusion(t *testing.T) {
	fake := &fakeExecutor{}
	swarm := newFakeSwarm(fake)

	_, err := swarm.Map(context.Background(), items(1), MapConfig{
		Prompt: "x",
		Verify: &VerifyConfig{Criteria: "good"},
		BestOf: &BestOfConfig{N: 2, JudgeCriteria: "best"},
	})
	var mutual *ErrMutualExclusion
	if !errors.As(err, &mutual) {
		t.Fatalf("got %v, want ErrMutualExclusion", err)
	}
	if fake.callCount() != 0 {
		t.Errorf("mutual exclusion must schedule zero units, got %d", fake.callCount())
	}
}

// --- Errors are data ---

func TestSwarm_PerItemFailuresDoNotAbortBatch(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(req unitRequest, call int) unitOutcome {
		if req.Meta.ItemIndex == 1 {
			return unitOutcome{Err: errors.New("sandbox exploded")}
		}
		return unitOutcome{}
	}
	swarm := newFakeSwarm(fake, WithPermits(3))

	results, err := swarm.Map(context.Background(), items(3), MapConfig{Prompt: "x"})
	if err != nil {
		t.Fatalf("per-item failures must be recovered locally, got %v", err)
	}
	if len(results.Success()) != 2 || len(results.Errors()) != 1 {
		t.Errorf("got %d success / %d error, want 2/1", len(results.Success()), len(results.Errors()))
	}
	if results[1].Status != StatusError || !strings.Contains(results[1].Error, "exploded") {
		t.Errorf("result[1] = %+v", results[1])
	}
}

// --- Schema validation failures surface as error results ---

func TestSwarm_SchemaErrorBecomesErrorStatus(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(req unitRequest, call int) unitOutcome {
		return unitOutcome{SchemaErr: "result.json missing field", RawData: "{}"}
	}
	swarm := newFakeSwarm(fake)

	results, err := swarm.Map(context.Background(), items(1), MapConfig{Prompt: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := results[0]
	if r.Status != StatusError || r.RawData != "{}" {
		t.Errorf("schema failure should carry error status and raw data: %+v", r)
	}
}
