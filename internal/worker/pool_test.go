package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dontdude/forgejudge/internal/correlation"
	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/platform/queue"
	"github.com/dontdude/forgejudge/internal/toolchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testList      = "judge:jobs"
	testNamespace = "judge"
)

const additionTest = `pragma solidity ^0.8.20;

contract AdditionTest {
    /*
     * @Score: 10
     * @Title: addition
     */
    function test_addition() public {}
}`

func testReport(status string) []byte {
	return []byte(`{"test/Addition.t.sol:AdditionTest":{"test_results":{"test_addition()":{"status":"` + status + `"}}}}`)
}

// fakeForge answers build and test invocations without a real toolchain.
type fakeForge struct {
	mu     sync.Mutex
	calls  []string
	build  domain.ExecResult
	test   domain.ExecResult
	before func(cmd string)
}

func (f *fakeForge) Exec(_ context.Context, _ string, args ...string) (domain.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args[0])
	before := f.before
	f.mu.Unlock()

	if before != nil {
		before(args[0])
	}
	if args[0] == "build" {
		return f.build, nil
	}
	return f.test, nil
}

func (f *fakeForge) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	pool     *Pool
	protocol *correlation.Protocol
	broker   *queue.RedisBroker
	mr       *miniredis.Miniredis
	dir      string
}

func startPool(t *testing.T, forge *fakeForge, slots int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := queue.NewRedisBroker(mr.Addr())
	require.NoError(t, err)

	dir := t.TempDir()
	proto := correlation.New(b, correlation.Options{List: testList, PollInterval: 10 * time.Millisecond, ResponseTTL: time.Minute}, nil)
	runner := toolchain.NewRunner(forge, dir, 0, nil)
	pool := NewPool(Config{
		Slots:         slots,
		Dir:           dir,
		List:          testList,
		Namespace:     testNamespace,
		PopTimeout:    time.Second,
		ClaimInterval: 5 * time.Millisecond,
	}, b, proto, runner, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
		b.Close()
	})
	return &harness{pool: pool, protocol: proto, broker: b, mr: mr, dir: dir}
}

func additionJob(id string) domain.Job {
	return domain.Job{
		QuestionNo:  "q1",
		SolcVersion: "0.8.20",
		JudgeJobID:  id,
		JobKey:      domain.JobKey(testNamespace, "q1"),
		Files: []domain.File{
			{Path: "contracts/Adder.sol", Content: "contract Adder {}"},
			{Path: "test/Addition.t.sol", Content: additionTest},
		},
	}
}

func TestPool_PassingQuestion(t *testing.T) {
	forge := &fakeForge{test: domain.ExecResult{Stdout: testReport("Success")}}
	h := startPool(t, forge, 2)

	report, err := h.protocol.SubmitAndAwait(context.Background(), additionJob("job-1"), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, domain.CodeComplete, report.Code)
	assert.Equal(t, 10, report.TotalScore)
	assert.Equal(t, 10, report.GetScore)
	require.Len(t, report.Questions, 1)
	assert.Equal(t, "test_addition", report.Questions[0].Func)
	assert.True(t, report.Questions[0].Passed)
	assert.Equal(t, "addition", report.Questions[0].Attributes["Title"])
	assert.Equal(t, []string{"build", "test"}, forge.Calls())

	files, err := filepath.Glob(filepath.Join(h.dir, "*", "q1", "output", "output.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	var onDisk domain.Report
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, 10, onDisk.GetScore)
}

func TestPool_FailingQuestion(t *testing.T) {
	forge := &fakeForge{test: domain.ExecResult{Stdout: testReport("Failure")}}
	h := startPool(t, forge, 1)

	report, err := h.protocol.SubmitAndAwait(context.Background(), additionJob("job-2"), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, domain.CodeComplete, report.Code)
	assert.Equal(t, 10, report.TotalScore)
	assert.Equal(t, 0, report.GetScore)
	require.Len(t, report.Questions, 1)
	assert.False(t, report.Questions[0].Passed)
}

func TestPool_CompileFailure(t *testing.T) {
	forge := &fakeForge{build: domain.ExecResult{
		Stderr:   []byte("\x1b[31mError\x1b[0m: undeclared identifier"),
		ExitCode: 1,
	}}
	h := startPool(t, forge, 1)

	report, err := h.protocol.SubmitAndAwait(context.Background(), additionJob("job-3"), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, domain.CodeCompileFailed, report.Code)
	assert.Equal(t, "Error: undeclared identifier", report.Msg)
	assert.Equal(t, 10, report.TotalScore, "questions are scanned before the build")
	assert.Equal(t, 0, report.GetScore)
	assert.Equal(t, []string{"build"}, forge.Calls())
}

func TestPool_EmptySubmission(t *testing.T) {
	forge := &fakeForge{}
	h := startPool(t, forge, 1)

	job := additionJob("job-4")
	job.Files = nil
	report, err := h.protocol.SubmitAndAwait(context.Background(), job, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, domain.CodeNoFiles, report.Code)
	assert.Empty(t, forge.Calls(), "no build for an empty submission")
	_, err = os.Stat(filepath.Join(h.dir, "00", "q1"))
	assert.True(t, os.IsNotExist(err), "no workspace is created")
}

func TestPool_DropsMalformedPayload(t *testing.T) {
	forge := &fakeForge{test: domain.ExecResult{Stdout: testReport("Success")}}
	h := startPool(t, forge, 1)

	ctx := context.Background()
	require.NoError(t, h.broker.Push(ctx, testList, []byte("{not json")))
	require.NoError(t, h.broker.Push(ctx, testList, []byte(`{"questionNo":"../etc","jobKey":"judge:x"}`)))

	report, err := h.protocol.SubmitAndAwait(ctx, additionJob("job-5"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10, report.GetScore)
	assert.Equal(t, []string{"build", "test"}, forge.Calls())
}

func TestPool_LateResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	forge := &fakeForge{test: domain.ExecResult{Stdout: testReport("Success")}}
	forge.before = func(cmd string) {
		if cmd == "build" {
			<-release
		}
	}
	h := startPool(t, forge, 1)

	_, err := h.protocol.SubmitAndAwait(context.Background(), additionJob("job-6"), 200*time.Millisecond)
	require.ErrorIs(t, err, correlation.ErrTimeout)

	close(release)
	assert.Eventually(t, func() bool {
		return len(forge.Calls()) == 2 && h.pool.State(0) == StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, h.mr.Exists("judge:q1:request"))
	assert.False(t, h.mr.Exists("judge:q1:response"))
}

func TestPool_RecoversFromPanic(t *testing.T) {
	var once sync.Once
	forge := &fakeForge{test: domain.ExecResult{Stdout: testReport("Success")}}
	forge.before = func(cmd string) {
		once.Do(func() { panic("toolchain exploded") })
	}
	h := startPool(t, forge, 1)

	_, err := h.protocol.SubmitAndAwait(context.Background(), additionJob("job-7"), 300*time.Millisecond)
	require.ErrorIs(t, err, correlation.ErrTimeout)

	report, err := h.protocol.SubmitAndAwait(context.Background(), additionJob("job-8"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10, report.GetScore)
}

func TestPool_PublishesEvents(t *testing.T) {
	forge := &fakeForge{test: domain.ExecResult{Stdout: testReport("Success")}}
	h := startPool(t, forge, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := h.broker.Subscribe(ctx, domain.EventsChannel(testNamespace))
	require.NoError(t, err)

	_, err = h.protocol.SubmitAndAwait(context.Background(), additionJob("job-9"), 5*time.Second)
	require.NoError(t, err)

	var states []string
	timeout := time.After(2 * time.Second)
	for len(states) < 3 {
		select {
		case data := <-events:
			var ev domain.JobEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			assert.Equal(t, "job-9", ev.JudgeJobID)
			states = append(states, ev.State)
			if ev.State == string(StateReplying) {
				require.NotNil(t, ev.Code)
				assert.Equal(t, domain.CodeComplete, *ev.Code)
			}
		case <-timeout:
			t.Fatalf("got events %v", states)
		}
	}
	assert.Equal(t, []string{"claiming", "building", "replying"}, states)
}

func TestPool_UnreachableBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := queue.NewRedisBroker(mr.Addr())
	require.NoError(t, err)
	defer b.Close()
	mr.Close()

	proto := correlation.New(b, correlation.Options{List: testList}, nil)
	pool := NewPool(Config{Slots: 2, Dir: t.TempDir(), List: testList}, b, proto, toolchain.NewRunner(&fakeForge{}, "", 0, nil), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Error(t, pool.Run(ctx))
}

func TestPool_MaterializeFailureStillWritesReport(t *testing.T) {
	forge := &fakeForge{}
	h := startPool(t, forge, 1)

	job := additionJob("job-10")
	// "contracts" as a file blocks creating the contracts directory.
	job.Files = []domain.File{
		{Path: "contracts", Content: "not a dir"},
		{Path: "contracts/Adder.sol", Content: "contract Adder {}"},
	}
	report, err := h.protocol.SubmitAndAwait(context.Background(), job, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, domain.CodeBuildFailed, report.Code)
	assert.Empty(t, forge.Calls())

	data, err := os.ReadFile(filepath.Join(h.dir, "00", "q1", "output", "output.json"))
	require.NoError(t, err)
	var onDisk domain.Report
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, domain.CodeBuildFailed, onDisk.Code)
}
