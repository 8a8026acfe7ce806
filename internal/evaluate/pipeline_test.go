package evaluate_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tpmjs/scenario-engine/internal/evaluate"
	"github.com/tpmjs/scenario-engine/internal/judge"
	"github.com/tpmjs/scenario-engine/internal/llm"
	"github.com/tpmjs/scenario-engine/internal/score"
	"github.com/tpmjs/scenario-engine/pkg/types"
)

func newPipeline(mock *llm.MockProvider) *evaluate.Pipeline {
	j := judge.New(map[string]llm.Provider{
		llm.VendorAnthropic: mock,
		llm.VendorOpenAI:    mock,
	})
	return evaluate.NewPipeline(j, score.DefaultConfig)
}

func verdictResponse(verdict, reason string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Content: `{"verdict": "` + verdict + `", "reason": "` + reason + `", "confidence": 0.9}`,
	}
}

func TestPipeline_PassEndToEnd(t *testing.T) {
	p := newPipeline(llm.NewMockProvider(nil, nil)) // default mock verdict is pass

	in := evaluate.Input{
		ScenarioPrompt: "Return a JSON status object",
		AgentOutput:    `{"status": "ok"}`,
		Policy: &types.AssertionPolicy{
			Regex:  []string{"status"},
			Schema: map[string]any{"type": "object"},
		},
		Prior: score.State{QualityScore: 0.40, ConsecutivePasses: 4, TotalRuns: 10},
	}
	out, err := p.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	if out.FinalVerdict != types.VerdictPass {
		t.Errorf("FinalVerdict = %q, want pass", out.FinalVerdict)
	}
	if len(out.Assertions.Failed) != 0 {
		t.Errorf("Assertions.Failed = %v, want empty", out.Assertions.Failed)
	}
	if math.Abs(out.Update.QualityScore-0.50) > 1e-9 {
		t.Errorf("Update.QualityScore = %f, want 0.50", out.Update.QualityScore)
	}
	if out.Update.TotalRuns != 11 || out.Update.ConsecutivePasses != 5 {
		t.Errorf("Update = %+v, want runs=11 passes=5", out.Update)
	}
}

func TestPipeline_FailedAssertionDowngradesJudgePass(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{
		verdictResponse("pass", "looks fine"),
	}, nil)
	p := newPipeline(mock)

	in := evaluate.Input{
		ScenarioPrompt: "Mention the word banana",
		AgentOutput:    "apple",
		Policy:         &types.AssertionPolicy{Regex: []string{"banana"}},
		Prior:          score.State{QualityScore: 0.5},
	}
	out, err := p.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	if out.Evaluation.Verdict != types.VerdictPass {
		t.Errorf("judge Verdict = %q, want pass", out.Evaluation.Verdict)
	}
	if out.FinalVerdict != types.VerdictFail {
		t.Errorf("FinalVerdict = %q, want fail (assertion downgrade)", out.FinalVerdict)
	}
	if out.Update.ConsecutiveFails != 1 {
		t.Errorf("Update.ConsecutiveFails = %d, want 1: score follows the final verdict", out.Update.ConsecutiveFails)
	}
}

func TestPipeline_JudgeFailIsFinal(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{
		verdictResponse("fail", "wrong answer"),
	}, nil)
	p := newPipeline(mock)

	in := evaluate.Input{
		ScenarioPrompt: "task",
		AgentOutput:    "contains the keyword",
		Policy:         &types.AssertionPolicy{Regex: []string{"keyword"}},
		Prior:          score.State{QualityScore: 0.5},
	}
	out, err := p.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if out.FinalVerdict != types.VerdictFail {
		t.Errorf("FinalVerdict = %q, want fail: assertions cannot rescue a judge fail", out.FinalVerdict)
	}
}

func TestPipeline_ProviderErrorAborts(t *testing.T) {
	mock := llm.NewMockProvider(nil, []error{errors.New("connection refused")})
	p := newPipeline(mock)

	out, err := p.Evaluate(context.Background(), evaluate.Input{
		ScenarioPrompt: "task",
		AgentOutput:    "output",
		Prior:          score.State{QualityScore: 0.5},
	})
	if err == nil {
		t.Fatal("Evaluate = nil error, want provider error")
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil: an errored run produces no score update", out)
	}
}

func TestPipeline_MalformedVerdictAborts(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{
		{Content: "not json at all"},
	}, nil)
	p := newPipeline(mock)

	_, err := p.Evaluate(context.Background(), evaluate.Input{
		ScenarioPrompt: "task",
		AgentOutput:    "output",
	})
	if !errors.Is(err, judge.ErrMalformedVerdict) {
		t.Errorf("err = %v, want ErrMalformedVerdict in the chain", err)
	}
}

func TestPipeline_TimeoutPropagates(t *testing.T) {
	mock := llm.NewMockProvider(nil, nil)
	mock.SimulatedLatency = 50 * time.Millisecond
	p := newPipeline(mock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := p.Evaluate(ctx, evaluate.Input{ScenarioPrompt: "task", AgentOutput: "output"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded in the chain", err)
	}
}

func TestPipeline_FaultProviderErrorsSurface(t *testing.T) {
	inner := llm.NewMockProvider(nil, nil)
	faulty := llm.NewFaultProviderWithSeed(inner, llm.FaultConfig{ErrorRate: 1.0}, 42)
	j := judge.New(map[string]llm.Provider{
		llm.VendorAnthropic: faulty,
		llm.VendorOpenAI:    faulty,
	})
	p := evaluate.NewPipeline(j, score.DefaultConfig)

	if _, err := p.Evaluate(context.Background(), evaluate.Input{ScenarioPrompt: "t", AgentOutput: "o"}); err == nil {
		t.Fatal("Evaluate = nil error, want injected fault")
	}
}
