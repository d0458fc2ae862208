package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/trust"
	"github.com/stc-ai/stc-swarm/internal/events"
)

func newTestAggregator(t *testing.T) (*Aggregator, *trust.Manager) {
	t.Helper()

	tm := trust.NewManager(24*time.Hour, nil, testLogger())
	agg := NewAggregator(DefaultAggregatorConfig(), nil, tm, nil, testLogger())
	return agg, tm
}

func trackedTask(id string, replicas int) *common.Task {
	return &common.Task{
		ID:       id,
		Domain:   "Programming",
		Replicas: replicas,
		Status:   common.TaskDispatched,
	}
}

func resultFrom(taskID, nodeID string, shard uint32, payload []byte) common.Result {
	return common.Result{
		TaskID:     taskID,
		NodeID:     nodeID,
		ShardIndex: shard,
		Payload:    payload,
		Digest:     PayloadDigest(payload),
	}
}

// earn gives a node a track record so its vote carries weight.
func earn(tm *trust.Manager, nodeID string, interactions int) {
	for i := 0; i < interactions; i++ {
		tm.ReportOutcome(nodeID, true, 80)
	}
}

func TestAggregator_SingleExecutorFinalizes(t *testing.T) {
	agg, _ := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 1), 1)

	payload := []byte("inference output")
	out, err := agg.Submit(resultFrom("task-1", "node-a", 0, payload))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Status != common.TaskSucceeded {
		t.Fatalf("Single verified result should finalize, got %v", out.Status)
	}
	if out.WinningDigest != PayloadDigest(payload) {
		t.Errorf("Wrong winning digest: %s", out.WinningDigest)
	}
	if string(out.Payload) != string(payload) {
		t.Errorf("Payload should round-trip through storage, got %q", out.Payload)
	}
	if len(out.Winners) != 1 || out.Winners[0] != "node-a" {
		t.Errorf("Expected node-a as winner, got %v", out.Winners)
	}
}

func TestAggregator_UntrackedTask(t *testing.T) {
	agg, _ := newTestAggregator(t)

	_, err := agg.Submit(resultFrom("task-ghost", "node-a", 0, []byte("x")))
	if codeOf(err) != ErrCodeTaskNotFound {
		t.Errorf("Expected TASK_NOT_FOUND, got %v", err)
	}
}

func TestAggregator_DuplicateSuppressed(t *testing.T) {
	agg, _ := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 2), 1)

	res := resultFrom("task-1", "node-a", 0, []byte("output"))
	if _, err := agg.Submit(res); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}

	_, err := agg.Submit(res)
	if codeOf(err) != ErrCodeDuplicateResult {
		t.Errorf("Expected DUPLICATE_RESULT, got %v", err)
	}
}

func TestAggregator_DigestMismatchPenalized(t *testing.T) {
	agg, tm := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 1), 1)
	earn(tm, "node-liar", 10)
	before, _ := tm.GetTrustScore("node-liar")

	res := resultFrom("task-1", "node-liar", 0, []byte("actual"))
	res.Digest = PayloadDigest([]byte("claimed"))

	_, err := agg.Submit(res)
	if codeOf(err) != ErrCodeDigestMismatch {
		t.Fatalf("Expected DIGEST_MISMATCH, got %v", err)
	}

	after, _ := tm.GetTrustScore("node-liar")
	if after >= before {
		t.Errorf("Digest mismatch should cost trust: %v -> %v", before, after)
	}
}

func TestAggregator_QuorumSplitTwoToOne(t *testing.T) {
	agg, tm := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 3), 1)

	// All three voters carry equal, real weight
	earn(tm, "node-a", 10)
	earn(tm, "node-b", 10)
	earn(tm, "node-c", 10)
	scoreBefore, _ := tm.GetTrustScore("node-c")

	good := []byte("agreed output")
	bad := []byte("divergent output")

	out, err := agg.Submit(resultFrom("task-1", "node-a", 0, good))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Status == common.TaskSucceeded {
		t.Fatal("One of three replicas should not finalize")
	}

	if _, err := agg.Submit(resultFrom("task-1", "node-b", 0, good)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	out, err = agg.Submit(resultFrom("task-1", "node-c", 0, bad))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Status != common.TaskSucceeded {
		t.Fatalf("Pair holding 2/3 weight should reach 0.6 quorum, got %v", out.Status)
	}
	if out.WinningDigest != PayloadDigest(good) {
		t.Errorf("Pair's digest should win, got %s", out.WinningDigest)
	}
	if len(out.Winners) != 2 {
		t.Errorf("Expected 2 winners, got %v", out.Winners)
	}
	if len(out.Losers) != 1 || out.Losers[0] != "node-c" {
		t.Errorf("Expected node-c as loser, got %v", out.Losers)
	}

	// The divergent node pays for it
	scoreAfter, _ := tm.GetTrustScore("node-c")
	if scoreAfter >= scoreBefore {
		t.Errorf("Losing the vote should cost trust: %v -> %v", scoreBefore, scoreAfter)
	}
}

func TestAggregator_QuorumNotReachedStaysOpen(t *testing.T) {
	agg, tm := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 2), 1)

	earn(tm, "node-a", 10)
	earn(tm, "node-b", 10)

	if _, err := agg.Submit(resultFrom("task-1", "node-a", 0, []byte("one"))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	out, err := agg.Submit(resultFrom("task-1", "node-b", 0, []byte("two")))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A 50/50 split never reaches the 0.6 quorum
	if out.Status == common.TaskSucceeded {
		t.Fatal("Split vote should not finalize")
	}

	pending, err := agg.Outcome("task-1")
	if err != nil {
		t.Fatalf("Outcome failed: %v", err)
	}
	if pending.Status != common.TaskRunning {
		t.Errorf("Task should stay open, got %v", pending.Status)
	}
}

func TestAggregator_UnknownNodesFallBackToHeadCount(t *testing.T) {
	agg, _ := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 3), 1)

	good := []byte("agreed")
	if _, err := agg.Submit(resultFrom("task-1", "node-a", 0, good)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := agg.Submit(resultFrom("task-1", "node-b", 0, good)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	out, err := agg.Submit(resultFrom("task-1", "node-c", 0, []byte("other")))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// No node has any trust weight yet; 2 of 3 heads still carry quorum
	if out.Status != common.TaskSucceeded {
		t.Fatalf("Head-count fallback should finalize, got %v", out.Status)
	}
	if out.WinningDigest != PayloadDigest(good) {
		t.Errorf("Majority digest should win, got %s", out.WinningDigest)
	}
}

func TestAggregator_MultiShardAssembly(t *testing.T) {
	agg, _ := newTestAggregator(t)

	task := trackedTask("task-shards", 1)
	agg.Track(task, 3)

	// Shards arrive out of order
	if _, err := agg.Submit(resultFrom("task-shards", "node-b", 1, []byte("BBB"))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := agg.Submit(resultFrom("task-shards", "node-c", 2, []byte("CCC"))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	out, err := agg.Submit(resultFrom("task-shards", "node-a", 0, []byte("AAA")))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if out.Status != common.TaskSucceeded {
		t.Fatalf("All shards in should finalize, got %v", out.Status)
	}
	if string(out.Payload) != "AAABBBCCC" {
		t.Errorf("Assembly must follow shard index order, got %q", out.Payload)
	}
	if out.WinningDigest != PayloadDigest([]byte("AAABBBCCC")) {
		t.Errorf("Assembled digest should cover the joined payload")
	}
}

func TestAggregator_ShardIndexOutOfRange(t *testing.T) {
	agg, _ := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 1), 1)

	_, err := agg.Submit(resultFrom("task-1", "node-a", 5, []byte("x")))
	if err == nil {
		t.Fatal("Out-of-range shard index should be rejected")
	}
}

func TestAggregator_LateSubmissionGetsOutcomeWithoutReward(t *testing.T) {
	agg, tm := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 1), 1)

	payload := []byte("output")
	if _, err := agg.Submit(resultFrom("task-1", "node-a", 0, payload)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	lateBefore := tm.Weight("node-late")
	out, err := agg.Submit(resultFrom("task-1", "node-late", 0, payload))
	if err != nil {
		t.Fatalf("Late submit should return the outcome: %v", err)
	}
	if out.Status != common.TaskSucceeded {
		t.Errorf("Late submitter should see the finalized outcome, got %v", out.Status)
	}
	if tm.Weight("node-late") != lateBefore {
		t.Error("Late submitters earn nothing")
	}
}

func TestAggregator_TagsRecorded(t *testing.T) {
	agg, tm := newTestAggregator(t)
	agg.Track(trackedTask("task-1", 2), 1)
	earn(tm, "node-a", 10)

	if _, err := agg.Submit(resultFrom("task-1", "node-a", 0, []byte("out"))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	tags, err := agg.Tags("task-1")
	if err != nil {
		t.Fatalf("Tags failed: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("Expected 1 tag, got %d", len(tags))
	}
	if tags[0].NodeID != "node-a" {
		t.Errorf("Tag should name the submitter, got %s", tags[0].NodeID)
	}
	if tags[0].TrustScore <= 0.5 {
		t.Errorf("Tag should carry the earned trust score, got %v", tags[0].TrustScore)
	}
	if tags[0].Digest == "" {
		t.Error("Tag should carry the submission digest")
	}
}

func TestAggregator_ExpiryFailsDeadlinedTask(t *testing.T) {
	agg, _ := newTestAggregator(t)

	bus := events.NewBus(8, testLogger())
	defer bus.Close()
	agg.bus = bus
	failed := bus.Subscribe(events.TopicTaskFailed)

	task := trackedTask("task-late", 2)
	deadline := time.Now().Add(-time.Second)
	task.Deadline = &deadline
	agg.Track(task, 1)

	agg.expireDeadlined()

	out, err := agg.Outcome("task-late")
	if err != nil {
		t.Fatalf("Outcome failed: %v", err)
	}
	if out.Status != common.TaskExpired {
		t.Errorf("Deadlined task should expire, got %v", out.Status)
	}

	select {
	case raw := <-failed:
		evt := raw.(events.Event)
		failure := evt.Payload.(TaskFailure)
		if failure.TaskID != "task-late" {
			t.Errorf("Wrong task in failure event: %s", failure.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for task.failed")
	}
}

func TestAggregator_EvictionKeepsReplayProtection(t *testing.T) {
	config := DefaultAggregatorConfig()
	config.ResultTTL = time.Millisecond

	tm := trust.NewManager(24*time.Hour, nil, testLogger())
	agg := NewAggregator(config, nil, tm, nil, testLogger())
	agg.Track(trackedTask("task-1", 1), 1)

	res := resultFrom("task-1", "node-a", 0, []byte("output"))
	if _, err := agg.Submit(res); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	agg.evictFinalized()

	if _, err := agg.Outcome("task-1"); codeOf(err) != ErrCodeTaskNotFound {
		t.Fatalf("Evicted task should be gone, got %v", err)
	}

	// The seen filter still remembers the submission key
	_, err := agg.Submit(res)
	if codeOf(err) != ErrCodeDuplicateResult {
		t.Errorf("Replay after eviction should be rejected, got %v", err)
	}
}

func TestAggregator_CompletionEventPublished(t *testing.T) {
	bus := events.NewBus(8, testLogger())
	defer bus.Close()

	tm := trust.NewManager(24*time.Hour, nil, testLogger())
	agg := NewAggregator(DefaultAggregatorConfig(), nil, tm, bus, testLogger())
	completed := bus.Subscribe(events.TopicTaskCompleted)

	agg.Track(trackedTask("task-1", 1), 1)
	payload := []byte("output")
	if _, err := agg.Submit(resultFrom("task-1", "node-a", 0, payload)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case raw := <-completed:
		evt := raw.(events.Event)
		completion := evt.Payload.(TaskCompletion)
		if completion.TaskID != "task-1" {
			t.Errorf("Wrong task in completion event: %s", completion.TaskID)
		}
		if completion.Digest != PayloadDigest(payload) {
			t.Errorf("Completion should carry the winning digest")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for task.completed")
	}
}

func TestAggregator_StartStop(t *testing.T) {
	agg, _ := newTestAggregator(t)

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := agg.Start(context.Background()); err == nil {
		t.Error("Second Start should fail")
	}
	if err := agg.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := agg.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op: %v", err)
	}
}
