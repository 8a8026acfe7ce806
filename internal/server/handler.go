package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tpmjs/scenario-engine/internal/evaluate"
	"github.com/tpmjs/scenario-engine/internal/judge"
	"github.com/tpmjs/scenario-engine/internal/llm"
	"github.com/tpmjs/scenario-engine/internal/report"
	"github.com/tpmjs/scenario-engine/internal/score"
	"github.com/tpmjs/scenario-engine/internal/store"
	"github.com/tpmjs/scenario-engine/pkg/types"
)

const (
	engineVersion   = "0.4.0"
	protocolVersion = 1

	defaultReportLimit = 20
)

// Options wires the engine dependencies into the RPC handlers. Store may
// be nil; the stateful methods are then not registered.
type Options struct {
	Pipeline     *evaluate.Pipeline
	Store        *store.Store
	JudgeTimeout time.Duration
}

// NewOptionsFromEnv builds the pipeline and store from TPMJS_* env vars.
// At least one provider API key must be configured; the store is optional
// and a store failure downgrades the engine to stateless evaluation.
func NewOptionsFromEnv(logger *slog.Logger) (Options, error) {
	providers := buildProviders(logger)
	if len(providers) == 0 {
		return Options{}, fmt.Errorf("no evaluator provider configured: set TPMJS_ANTHROPIC_API_KEY or TPMJS_OPENAI_API_KEY")
	}

	opts := Options{
		Pipeline:     evaluate.NewPipeline(judge.New(providers), score.DefaultConfig),
		JudgeTimeout: judgeTimeout(),
	}

	dataDir := dataDirectory()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Warn("failed to create data dir, running stateless", "dir", dataDir, "err", err)
		return opts, nil
	}
	st, err := store.Open(filepath.Join(dataDir, "scenario-engine.db"), score.DefaultConfig)
	if err != nil {
		logger.Warn("failed to open store, running stateless", "err", err)
		return opts, nil
	}
	opts.Store = st
	return opts, nil
}

// buildProviders constructs one provider per configured vendor, each
// wrapped with the optional rate limiter.
func buildProviders(logger *slog.Logger) map[string]llm.Provider {
	providers := make(map[string]llm.Provider)

	if key := os.Getenv("TPMJS_ANTHROPIC_API_KEY"); key != "" {
		p, err := llm.NewAnthropicProvider(key, os.Getenv("TPMJS_ANTHROPIC_MODEL"), "")
		if err != nil {
			logger.Warn("failed to create anthropic provider", "err", err)
		} else {
			providers[llm.VendorAnthropic] = limitProvider(p, logger)
			logger.Info("evaluator provider enabled", "vendor", llm.VendorAnthropic)
		}
	}

	if key := os.Getenv("TPMJS_OPENAI_API_KEY"); key != "" {
		p, err := llm.NewOpenAIProvider(key, os.Getenv("TPMJS_OPENAI_MODEL"), "")
		if err != nil {
			logger.Warn("failed to create openai provider", "err", err)
		} else {
			providers[llm.VendorOpenAI] = limitProvider(p, logger)
			logger.Info("evaluator provider enabled", "vendor", llm.VendorOpenAI)
		}
	}

	return providers
}

// limitProvider wraps p with a rate limiter when TPMJS_PROVIDER_RPM is set.
func limitProvider(p llm.Provider, logger *slog.Logger) llm.Provider {
	rpm := envInt("TPMJS_PROVIDER_RPM", 0)
	if rpm <= 0 {
		return p
	}
	rl, err := llm.NewRateLimitedProvider(p, llm.RateLimiterConfig{
		RequestsPerMinute: rpm,
		Burst:             envInt("TPMJS_PROVIDER_BURST", 5),
		MaxRetries:        envInt("TPMJS_PROVIDER_MAX_RETRIES", 0),
	})
	if err != nil {
		logger.Warn("failed to create rate limiter", "err", err)
		return p
	}
	return rl
}

// judgeTimeout reads the evaluator timeout from TPMJS_JUDGE_TIMEOUT_S.
// Defaults to 30 seconds if unset or invalid.
func judgeTimeout() time.Duration {
	n := envInt("TPMJS_JUDGE_TIMEOUT_S", 30)
	if n <= 0 {
		n = 30
	}
	return time.Duration(n) * time.Second
}

// dataDirectory returns the engine data directory from env or default.
func dataDirectory() string {
	if dir := os.Getenv("TPMJS_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tpmjs", "engine")
}

// envInt reads an int from an env var with a fallback default.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// RegisterBuiltinHandlers registers the engine's JSON-RPC methods on s.
func RegisterBuiltinHandlers(s *Server, opts Options) {
	caps := []string{"assertions", "llm_judge", "scoring"}
	if opts.Store != nil {
		caps = append(caps, "persistence", "reports")
	}

	s.RegisterHandler("initialize", handleInitialize(caps))
	s.RegisterHandler("shutdown", handleShutdown)
	s.RegisterHandler("evaluate", handleEvaluate(opts))

	if opts.Store != nil {
		s.RegisterHandler("create_scenario", handleCreateScenario(opts.Store))
		s.RegisterHandler("get_scenario", handleGetScenario(opts.Store))
		s.RegisterHandler("evaluate_run", handleEvaluateRun(opts, s.logger))
		s.RegisterHandler("scenario_report", handleScenarioReport(opts.Store))
	}
}

func handleInitialize(caps []string) Handler {
	return func(session *Session, params json.RawMessage) (any, *types.RPCError) {
		if session.State() != StateUninitialized {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				"initialize called on already-initialized session",
				types.ErrTypeSessionError,
				false,
				"initialize may only be called once per session",
			)
		}

		var p types.InitializeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				"invalid initialize params",
				types.ErrTypeSessionError,
				false,
				err.Error(),
			)
		}

		if p.ProtocolVersion != protocolVersion {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				fmt.Sprintf("protocol version %d not supported; engine supports version %d", p.ProtocolVersion, protocolVersion),
				types.ErrTypeSessionError,
				false,
				"Upgrade the engine binary or downgrade the client protocol_version",
			)
		}

		supported := make(map[string]bool, len(caps))
		for _, c := range caps {
			supported[c] = true
		}
		missing := []string{}
		for _, req := range p.RequiredCapabilities {
			if !supported[req] {
				missing = append(missing, req)
			}
		}

		session.SetState(StateInitialized)

		return &types.InitializeResult{
			EngineVersion:        engineVersion,
			ProtocolVersion:      protocolVersion,
			Capabilities:         caps,
			SupportedModels:      llm.KnownModels(),
			Missing:              missing,
			Compatible:           len(missing) == 0,
			MaxAgentOutputBytes:  MaxAgentOutputBytes,
			MaxConversationTurns: MaxConversationTurns,
		}, nil
	}
}

func handleShutdown(session *Session, _ json.RawMessage) (any, *types.RPCError) {
	if session.State() != StateInitialized {
		return nil, types.NewRPCError(
			types.ErrSessionError,
			"shutdown called on uninitialized or already-shutting-down session",
			types.ErrTypeSessionError,
			false,
			"call initialize before shutdown",
		)
	}

	session.SetState(StateShuttingDown)

	return &types.ShutdownResult{
		RunsEvaluated: session.RunsEvaluated(),
	}, nil
}

func handleEvaluate(opts Options) Handler {
	return func(session *Session, params json.RawMessage) (any, *types.RPCError) {
		if rpcErr := requireInitialized(session, "evaluate"); rpcErr != nil {
			return nil, rpcErr
		}

		var p types.EvaluateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, types.NewRPCError(
				types.ErrInvalidRun,
				fmt.Sprintf("invalid evaluate params: %v", err),
				types.ErrTypeInvalidRun,
				false,
				"Check the request fields against the documented method parameters.",
			)
		}
		if rpcErr := validateEvaluation(p.ScenarioPrompt, p.AgentOutput, p.Conversation); rpcErr != nil {
			return nil, rpcErr
		}
		if rpcErr := validatePriorCounters(&p); rpcErr != nil {
			return nil, rpcErr
		}

		ctx, cancel := context.WithTimeout(context.Background(), opts.JudgeTimeout)
		defer cancel()

		outcome, err := opts.Pipeline.Evaluate(ctx, evaluate.Input{
			ScenarioPrompt:   p.ScenarioPrompt,
			AgentOutput:      p.AgentOutput,
			Conversation:     p.Conversation,
			Policy:           p.AssertionPolicy,
			EvaluatorModelID: p.EvaluatorModelID,
			Prior: score.State{
				QualityScore:      p.QualityScore,
				ConsecutivePasses: p.ConsecutivePasses,
				ConsecutiveFails:  p.ConsecutiveFails,
				TotalRuns:         p.TotalRuns,
			},
		})
		if err != nil {
			return nil, classifyEvaluationError(err)
		}

		session.IncrementRuns(1)

		return &types.EvaluateResult{
			Evaluation:       outcome.Evaluation,
			AssertionResults: outcome.Assertions,
			FinalVerdict:     outcome.FinalVerdict,
			ScenarioUpdate:   outcome.Update,
		}, nil
	}
}

func handleCreateScenario(st *store.Store) Handler {
	return func(session *Session, params json.RawMessage) (any, *types.RPCError) {
		if rpcErr := requireInitialized(session, "create_scenario"); rpcErr != nil {
			return nil, rpcErr
		}

		var p types.CreateScenarioParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, types.NewRPCError(
				types.ErrInvalidRun,
				"invalid create_scenario params",
				types.ErrTypeInvalidRun,
				false,
				err.Error(),
			)
		}
		if p.Prompt == "" {
			return nil, types.NewRPCError(
				types.ErrInvalidRun,
				"scenario prompt must be non-empty",
				types.ErrTypeInvalidRun,
				false,
				"Provide the task prompt the scenario gives to agents.",
			)
		}

		assertions := p.Assertions
		if assertions.Empty() {
			assertions = nil
		}
		sc := &types.Scenario{
			ID:         p.ID,
			Prompt:     p.Prompt,
			Assertions: assertions,
		}
		if err := st.CreateScenario(sc); err != nil {
			return nil, types.NewRPCError(
				types.ErrStoreError,
				fmt.Sprintf("create scenario failed: %v", err),
				types.ErrTypeStoreError,
				false,
				"The scenario could not be written; check for a duplicate id.",
			)
		}
		return sc, nil
	}
}

func handleGetScenario(st *store.Store) Handler {
	return func(session *Session, params json.RawMessage) (any, *types.RPCError) {
		if rpcErr := requireInitialized(session, "get_scenario"); rpcErr != nil {
			return nil, rpcErr
		}

		var p types.GetScenarioParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, types.NewRPCError(
				types.ErrInvalidRun,
				"invalid get_scenario params",
				types.ErrTypeInvalidRun,
				false,
				err.Error(),
			)
		}

		sc, err := st.GetScenario(p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, scenarioNotFound(p.ID)
		}
		if err != nil {
			return nil, storeError(err)
		}
		return sc, nil
	}
}

// handleEvaluateRun is the run orchestrator: load the scenario, evaluate
// the agent output, persist the run and counter update atomically. A judge
// failure persists an errored run (no score update) and surfaces a
// retryable error.
func handleEvaluateRun(opts Options, logger *slog.Logger) Handler {
	return func(session *Session, params json.RawMessage) (any, *types.RPCError) {
		if rpcErr := requireInitialized(session, "evaluate_run"); rpcErr != nil {
			return nil, rpcErr
		}

		var p types.EvaluateRunParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, types.NewRPCError(
				types.ErrInvalidRun,
				fmt.Sprintf("invalid evaluate_run params: %v", err),
				types.ErrTypeInvalidRun,
				false,
				"Check the request fields against the documented method parameters.",
			)
		}

		sc, err := opts.Store.GetScenario(p.ScenarioID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, scenarioNotFound(p.ScenarioID)
		}
		if err != nil {
			return nil, storeError(err)
		}

		if rpcErr := validateEvaluation(sc.Prompt, p.AgentOutput, p.Conversation); rpcErr != nil {
			return nil, rpcErr
		}

		run := &types.Run{
			ScenarioID:       sc.ID,
			AgentOutput:      p.AgentOutput,
			Conversation:     p.Conversation,
			EvaluatorModelID: llm.ResolveModel(p.EvaluatorModelID).ID,
			ExecutionTimeMS:  p.ExecutionTimeMS,
		}

		ctx, cancel := context.WithTimeout(context.Background(), opts.JudgeTimeout)
		defer cancel()

		outcome, err := opts.Pipeline.Evaluate(ctx, evaluate.Input{
			ScenarioPrompt:   sc.Prompt,
			AgentOutput:      p.AgentOutput,
			Conversation:     p.Conversation,
			Policy:           sc.Assertions,
			EvaluatorModelID: p.EvaluatorModelID,
			Prior:            score.FromScenario(sc),
		})
		if err != nil {
			run.Error = err.Error()
			if storeErr := opts.Store.RecordError(run); storeErr != nil {
				logger.Error("failed to record errored run", "scenario", sc.ID, "err", storeErr)
			}
			return nil, classifyEvaluationError(err)
		}

		run.Evaluation = &outcome.Evaluation
		run.AssertionResults = &outcome.Assertions
		run.FinalVerdict = outcome.FinalVerdict
		run.Status = outcome.FinalVerdict

		updated, err := opts.Store.ApplyRun(run)
		if err != nil {
			return nil, storeError(err)
		}

		session.IncrementRuns(1)

		return &types.EvaluateRunResult{
			RunID:            run.ID,
			Evaluation:       outcome.Evaluation,
			AssertionResults: outcome.Assertions,
			FinalVerdict:     outcome.FinalVerdict,
			Scenario:         *updated,
		}, nil
	}
}

func handleScenarioReport(st *store.Store) Handler {
	return func(session *Session, params json.RawMessage) (any, *types.RPCError) {
		if rpcErr := requireInitialized(session, "scenario_report"); rpcErr != nil {
			return nil, rpcErr
		}

		var p types.ScenarioReportParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, types.NewRPCError(
				types.ErrInvalidRun,
				"invalid scenario_report params",
				types.ErrTypeInvalidRun,
				false,
				err.Error(),
			)
		}
		limit := p.Limit
		if limit <= 0 {
			limit = defaultReportLimit
		}
		format := p.Format
		if format == "" {
			format = "json"
		}

		sc, err := st.GetScenario(p.ScenarioID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, scenarioNotFound(p.ScenarioID)
		}
		if err != nil {
			return nil, storeError(err)
		}

		passes, fails, errored, err := st.RunCounts(sc.ID)
		if err != nil {
			return nil, storeError(err)
		}
		runs, err := st.RecentRuns(sc.ID, limit)
		if err != nil {
			return nil, storeError(err)
		}

		rep := report.Build(sc, passes, fails, errored, runs)

		var content []byte
		switch format {
		case "json":
			content, err = rep.JSON()
		case "markdown":
			var buf bytes.Buffer
			if err = report.WriteMarkdown(&buf, rep); err == nil {
				content, err = json.Marshal(buf.String())
			}
		default:
			return nil, types.NewRPCError(
				types.ErrInvalidRun,
				fmt.Sprintf("unknown report format: %s", format),
				types.ErrTypeInvalidRun,
				false,
				"Supported formats: json, markdown.",
			)
		}
		if err != nil {
			return nil, types.NewRPCError(
				types.ErrEngineError,
				fmt.Sprintf("render report: %v", err),
				types.ErrTypeEngineError,
				false,
				"Internal engine error during report rendering.",
			)
		}

		return &types.ScenarioReportResult{Format: format, Content: content}, nil
	}
}

func requireInitialized(session *Session, method string) *types.RPCError {
	if session.State() != StateInitialized {
		return types.NewRPCError(
			types.ErrSessionError,
			method+" called before initialize",
			types.ErrTypeSessionError,
			false,
			"call initialize first to establish a session",
		)
	}
	return nil
}

// classifyEvaluationError maps a pipeline failure to the protocol error
// taxonomy. All evaluator-side failures are retryable: the run never
// completed, so retrying cannot double-count a verdict.
func classifyEvaluationError(err error) *types.RPCError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewRPCError(
			types.ErrTimeout,
			"evaluator call timed out",
			types.ErrTypeTimeout,
			true,
			"The run is recorded as errored, not failed; retry to obtain a verdict.",
		)
	case errors.Is(err, judge.ErrMalformedVerdict):
		return types.NewRPCError(
			types.ErrJudgeError,
			fmt.Sprintf("evaluator returned an unusable verdict: %v", err),
			types.ErrTypeJudgeError,
			true,
			"The evaluator responded but its output did not match the required verdict schema.",
		)
	default:
		return types.NewRPCError(
			types.ErrProviderError,
			fmt.Sprintf("evaluator call failed: %v", err),
			types.ErrTypeProviderError,
			true,
			"Check provider availability and credentials, then retry.",
		)
	}
}

func scenarioNotFound(id string) *types.RPCError {
	return types.NewRPCError(
		types.ErrScenarioNotFound,
		fmt.Sprintf("scenario not found: %s", id),
		types.ErrTypeScenarioNotFound,
		false,
		"Create the scenario first or check the id.",
	)
}

func storeError(err error) *types.RPCError {
	return types.NewRPCError(
		types.ErrStoreError,
		fmt.Sprintf("store operation failed: %v", err),
		types.ErrTypeStoreError,
		true,
		"The engine database rejected the operation; retry or check disk state.",
	)
}
