package server

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tpmjs/scenario-engine/internal/evaluate"
	"github.com/tpmjs/scenario-engine/internal/judge"
	"github.com/tpmjs/scenario-engine/internal/llm"
	"github.com/tpmjs/scenario-engine/internal/score"
	"github.com/tpmjs/scenario-engine/internal/store"
	"github.com/tpmjs/scenario-engine/pkg/types"
)

// newTestServer starts a server over in-memory pipes, backed by the given
// mock provider and a fresh in-memory store.
func newTestServer(t *testing.T, mock *llm.MockProvider) (stdin io.Writer, stdout *bufio.Reader) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db, score.DefaultConfig)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	j := judge.New(map[string]llm.Provider{
		llm.VendorAnthropic: mock,
		llm.VendorOpenAI:    mock,
	})
	opts := Options{
		Pipeline:     evaluate.NewPipeline(j, score.DefaultConfig),
		Store:        st,
		JudgeTimeout: 5 * time.Second,
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(inR, outW, logger)
	RegisterBuiltinHandlers(srv, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		inW.Close()
		outR.Close()
	})
	go srv.Run(ctx)

	return inW, bufio.NewReaderSize(outR, maxScanBuf)
}

func sendRequest(t *testing.T, stdin io.Writer, id int64, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := types.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func readResponse(t *testing.T, stdout *bufio.Reader) *types.Response {
	t.Helper()
	line, err := stdout.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp types.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", line, err)
	}
	return &resp
}

func initializeParams() types.InitializeParams {
	return types.InitializeParams{
		ClientName:      "test-client",
		ClientVersion:   "0.0.1",
		ProtocolVersion: protocolVersion,
	}
}

// initServer initializes a session and returns send/recv funcs for
// subsequent calls.
func initServer(t *testing.T, mock *llm.MockProvider) (send func(id int64, method string, params any), recv func() *types.Response) {
	t.Helper()
	stdin, stdout := newTestServer(t, mock)

	sendRequest(t, stdin, 1, "initialize", initializeParams())
	resp := readResponse(t, stdout)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}

	send = func(id int64, method string, params any) {
		sendRequest(t, stdin, id, method, params)
	}
	recv = func() *types.Response {
		return readResponse(t, stdout)
	}
	return send, recv
}

func decodeResult(t *testing.T, resp *types.Response, out any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func TestHandler_Initialize(t *testing.T) {
	stdin, stdout := newTestServer(t, llm.NewMockProvider(nil, nil))

	sendRequest(t, stdin, 1, "initialize", initializeParams())
	resp := readResponse(t, stdout)

	var result types.InitializeResult
	decodeResult(t, resp, &result)

	if result.ProtocolVersion != protocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", result.ProtocolVersion, protocolVersion)
	}
	if !result.Compatible {
		t.Errorf("Compatible = false, want true; missing = %v", result.Missing)
	}
	if result.MaxAgentOutputBytes != MaxAgentOutputBytes {
		t.Errorf("MaxAgentOutputBytes = %d, want %d", result.MaxAgentOutputBytes, MaxAgentOutputBytes)
	}
	if len(result.SupportedModels) == 0 {
		t.Error("SupportedModels is empty, want the evaluator catalog")
	}
	found := false
	for _, c := range result.Capabilities {
		if c == "persistence" {
			found = true
		}
	}
	if !found {
		t.Errorf("Capabilities = %v, want persistence when a store is wired", result.Capabilities)
	}
}

func TestHandler_Initialize_Twice(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "initialize", initializeParams())
	resp := recv()
	if resp.Error == nil || resp.Error.Code != types.ErrSessionError {
		t.Errorf("second initialize: error = %+v, want SESSION_ERROR", resp.Error)
	}
}

func TestHandler_Initialize_MissingCapability(t *testing.T) {
	stdin, stdout := newTestServer(t, llm.NewMockProvider(nil, nil))

	params := initializeParams()
	params.RequiredCapabilities = []string{"llm_judge", "quantum_oracle"}
	sendRequest(t, stdin, 1, "initialize", params)

	var result types.InitializeResult
	decodeResult(t, readResponse(t, stdout), &result)

	if result.Compatible {
		t.Error("Compatible = true, want false with an unknown required capability")
	}
	if len(result.Missing) != 1 || result.Missing[0] != "quantum_oracle" {
		t.Errorf("Missing = %v, want [quantum_oracle]", result.Missing)
	}
}

func TestHandler_Initialize_ProtocolMismatch(t *testing.T) {
	stdin, stdout := newTestServer(t, llm.NewMockProvider(nil, nil))

	params := initializeParams()
	params.ProtocolVersion = 99
	sendRequest(t, stdin, 1, "initialize", params)

	resp := readResponse(t, stdout)
	if resp.Error == nil || resp.Error.Code != types.ErrSessionError {
		t.Errorf("error = %+v, want SESSION_ERROR for protocol mismatch", resp.Error)
	}
}

func TestHandler_MethodBeforeInitialize(t *testing.T) {
	stdin, stdout := newTestServer(t, llm.NewMockProvider(nil, nil))

	sendRequest(t, stdin, 1, "evaluate", types.EvaluateParams{ScenarioPrompt: "p", AgentOutput: "o"})
	resp := readResponse(t, stdout)
	if resp.Error == nil || resp.Error.Code != types.ErrSessionError {
		t.Errorf("error = %+v, want SESSION_ERROR before initialize", resp.Error)
	}
}

func TestHandler_MethodNotFound(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "no_such_method", struct{}{})
	resp := recv()
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("error = %+v, want -32601 method not found", resp.Error)
	}
}

func TestHandler_Evaluate_Pass(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "evaluate", types.EvaluateParams{
		ScenarioPrompt:    "Return a JSON status object",
		AgentOutput:       `{"status": "ok"}`,
		AssertionPolicy:   &types.AssertionPolicy{Regex: []string{"status"}},
		QualityScore:      0.40,
		ConsecutivePasses: 4,
		TotalRuns:         10,
	})

	var result types.EvaluateResult
	decodeResult(t, recv(), &result)

	if result.FinalVerdict != types.VerdictPass {
		t.Errorf("FinalVerdict = %q, want pass", result.FinalVerdict)
	}
	if math.Abs(result.ScenarioUpdate.QualityScore-0.50) > 1e-9 {
		t.Errorf("ScenarioUpdate.QualityScore = %f, want 0.50", result.ScenarioUpdate.QualityScore)
	}
	if result.ScenarioUpdate.TotalRuns != 11 {
		t.Errorf("ScenarioUpdate.TotalRuns = %d, want 11", result.ScenarioUpdate.TotalRuns)
	}
}

func TestHandler_Evaluate_InvalidPrior(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "evaluate", types.EvaluateParams{
		ScenarioPrompt:    "p",
		AgentOutput:       "o",
		ConsecutivePasses: 2,
		ConsecutiveFails:  3, // both streaks non-zero is invalid
	})
	resp := recv()
	if resp.Error == nil || resp.Error.Code != types.ErrInvalidRun {
		t.Errorf("error = %+v, want INVALID_RUN for conflicting streaks", resp.Error)
	}
}

func TestHandler_Evaluate_EmptyPrompt(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "evaluate", types.EvaluateParams{ScenarioPrompt: "   ", AgentOutput: "o"})
	resp := recv()
	if resp.Error == nil || resp.Error.Code != types.ErrInvalidRun {
		t.Errorf("error = %+v, want INVALID_RUN for blank prompt", resp.Error)
	}
}

func TestHandler_Evaluate_MalformedVerdictIsJudgeError(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{
		{Content: "sorry, I cannot answer in JSON"},
	}, nil)
	send, recv := initServer(t, mock)

	send(2, "evaluate", types.EvaluateParams{ScenarioPrompt: "p", AgentOutput: "o"})
	resp := recv()
	if resp.Error == nil || resp.Error.Code != types.ErrJudgeError {
		t.Fatalf("error = %+v, want JUDGE_ERROR", resp.Error)
	}
	if resp.Error.Data == nil || !resp.Error.Data.Retryable {
		t.Error("judge errors must be retryable")
	}
}

func TestHandler_CreateAndEvaluateRun(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "create_scenario", types.CreateScenarioParams{
		Prompt:     "Return a JSON status object",
		Assertions: &types.AssertionPolicy{Regex: []string{"status"}},
	})
	var sc types.Scenario
	decodeResult(t, recv(), &sc)
	if sc.ID == "" {
		t.Fatal("create_scenario returned empty id")
	}

	send(3, "evaluate_run", types.EvaluateRunParams{
		ScenarioID:      sc.ID,
		AgentOutput:     `{"status": "ok"}`,
		ExecutionTimeMS: 42,
	})
	var result types.EvaluateRunResult
	decodeResult(t, recv(), &result)

	if result.RunID == "" {
		t.Error("RunID is empty, want a persisted run id")
	}
	if result.FinalVerdict != types.VerdictPass {
		t.Errorf("FinalVerdict = %q, want pass", result.FinalVerdict)
	}
	if result.Scenario.TotalRuns != 1 || result.Scenario.ConsecutivePasses != 1 {
		t.Errorf("Scenario counters = %+v, want runs=1 passes=1", result.Scenario)
	}

	// The counters survived into the store.
	send(4, "get_scenario", types.GetScenarioParams{ID: sc.ID})
	var persisted types.Scenario
	decodeResult(t, recv(), &persisted)
	if persisted.TotalRuns != 1 {
		t.Errorf("persisted TotalRuns = %d, want 1", persisted.TotalRuns)
	}
}

func TestHandler_EvaluateRun_UnknownScenario(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "evaluate_run", types.EvaluateRunParams{ScenarioID: "missing", AgentOutput: "o"})
	resp := recv()
	if resp.Error == nil || resp.Error.Code != types.ErrScenarioNotFound {
		t.Errorf("error = %+v, want SCENARIO_NOT_FOUND", resp.Error)
	}
}

func TestHandler_EvaluateRun_JudgeFailureLeavesCounters(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{
		{Content: "garbage"}, // first run: malformed verdict
	}, nil)
	send, recv := initServer(t, mock)

	send(2, "create_scenario", types.CreateScenarioParams{ID: "s1", Prompt: "p"})
	var sc types.Scenario
	decodeResult(t, recv(), &sc)

	send(3, "evaluate_run", types.EvaluateRunParams{ScenarioID: "s1", AgentOutput: "o"})
	resp := recv()
	if resp.Error == nil || resp.Error.Code != types.ErrJudgeError {
		t.Fatalf("error = %+v, want JUDGE_ERROR", resp.Error)
	}

	send(4, "get_scenario", types.GetScenarioParams{ID: "s1"})
	var after types.Scenario
	decodeResult(t, recv(), &after)
	if after.TotalRuns != 0 || after.QualityScore != 0 {
		t.Errorf("counters = %+v, want untouched after errored run", after)
	}
}

func TestHandler_ScenarioReport(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "create_scenario", types.CreateScenarioParams{ID: "s1", Prompt: "p"})
	var sc types.Scenario
	decodeResult(t, recv(), &sc)

	send(3, "evaluate_run", types.EvaluateRunParams{ScenarioID: "s1", AgentOutput: "output"})
	var runResult types.EvaluateRunResult
	decodeResult(t, recv(), &runResult)

	send(4, "scenario_report", types.ScenarioReportParams{ScenarioID: "s1", Format: "json"})
	var report types.ScenarioReportResult
	decodeResult(t, recv(), &report)

	if report.Format != "json" {
		t.Errorf("Format = %q, want json", report.Format)
	}
	var doc struct {
		Summary struct {
			TotalRuns int `json:"total_runs"`
			Passed    int `json:"passed"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(report.Content, &doc); err != nil {
		t.Fatalf("unmarshal report content: %v", err)
	}
	if doc.Summary.TotalRuns != 1 || doc.Summary.Passed != 1 {
		t.Errorf("report summary = %+v, want 1 total / 1 passed", doc.Summary)
	}

	// Markdown renders as a JSON-encoded string.
	send(5, "scenario_report", types.ScenarioReportParams{ScenarioID: "s1", Format: "markdown"})
	var md types.ScenarioReportResult
	decodeResult(t, recv(), &md)

	var text string
	if err := json.Unmarshal(md.Content, &text); err != nil {
		t.Fatalf("unmarshal markdown content: %v", err)
	}
	if text == "" {
		t.Error("markdown content is empty")
	}
}

func TestHandler_ScenarioReport_BadFormat(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "create_scenario", types.CreateScenarioParams{ID: "s1", Prompt: "p"})
	recv()

	send(3, "scenario_report", types.ScenarioReportParams{ScenarioID: "s1", Format: "pdf"})
	resp := recv()
	if resp.Error == nil || resp.Error.Code != types.ErrInvalidRun {
		t.Errorf("error = %+v, want INVALID_RUN for unknown format", resp.Error)
	}
}

func TestHandler_Shutdown(t *testing.T) {
	send, recv := initServer(t, llm.NewMockProvider(nil, nil))

	send(2, "evaluate", types.EvaluateParams{ScenarioPrompt: "p", AgentOutput: "o"})
	if resp := recv(); resp.Error != nil {
		t.Fatalf("evaluate failed: %+v", resp.Error)
	}

	send(3, "shutdown", struct{}{})
	var result types.ShutdownResult
	decodeResult(t, recv(), &result)
	if result.RunsEvaluated != 1 {
		t.Errorf("RunsEvaluated = %d, want 1", result.RunsEvaluated)
	}
}
