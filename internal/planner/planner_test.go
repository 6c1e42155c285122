package planner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/airlock/internal/airlock"
	airerrors "github.com/fentz26/airlock/internal/errors"
	"github.com/fentz26/airlock/internal/models"
	"github.com/fentz26/airlock/internal/providers/llm"
)

func newPlanner(t *testing.T, oracle Oracle, cfg *airlock.Config) *Planner {
	t.Helper()
	if cfg == nil {
		cfg = airlock.DefaultConfig()
	}
	return New(oracle, nil, airlock.NewStaticProvider(cfg), nil)
}

func workspace(t *testing.T, files ...string) string {
	t.Helper()
	ws := t.TempDir()
	for _, f := range files {
		p := filepath.Join(ws, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	return ws
}

func TestRuleOracle_Grammar(t *testing.T) {
	ws := workspace(t, "archive/keep.txt")
	tests := []struct {
		instruction string
		want        models.PlannedStep
	}{
		{"create notes.md with hello world", models.PlannedStep{Kind: models.StepCreateFile, Path: "notes.md", Content: "hello world"}},
		{`make a file called "my notes.txt"`, models.PlannedStep{Kind: models.StepCreateFile, Path: "my notes.txt"}},
		{`write "v2" to config.txt`, models.PlannedStep{Kind: models.StepModifyFile, Path: "config.txt", Content: "v2"}},
		{"move a.txt to archive", models.PlannedStep{Kind: models.StepMoveFile, Source: "a.txt", Destination: "archive/a.txt"}},
		{"move a.txt to b/c.txt", models.PlannedStep{Kind: models.StepMoveFile, Source: "a.txt", Destination: "b/c.txt"}},
		{"rename docs/a.txt to b.txt", models.PlannedStep{Kind: models.StepMoveFile, Source: "docs/a.txt", Destination: "docs/b.txt"}},
		{"rename files in pics to img_{n:3}", models.PlannedStep{Kind: models.StepBatchRename, Path: "pics", Pattern: "img_{n:3}"}},
		{"delete old.log", models.PlannedStep{Kind: models.StepDeleteFile, Path: "old.log"}},
		{"organize downloads by type", models.PlannedStep{Kind: models.StepOrganizeFolder, Path: "downloads", Strategy: "type"}},
		{"organize by date", models.PlannedStep{Kind: models.StepOrganizeFolder, Path: ".", Strategy: "date"}},
		{"sort logs by size", models.PlannedStep{Kind: models.StepOrganizeFolder, Path: "logs", Strategy: "size"}},
		{"tidy up", models.PlannedStep{Kind: models.StepOrganizeFolder, Path: ".", Strategy: "extension"}},
		{"analyze report.pdf", models.PlannedStep{Kind: models.StepAnalyzeContent, Path: "report.pdf"}},
		{"summarize a.txt b.txt", models.PlannedStep{Kind: models.StepAnalyzeContent, Path: ".", Files: []string{"a.txt", "b.txt"}}},
		{"run go test ./...", models.PlannedStep{Kind: models.StepRunCommand, Command: "go", Args: []string{"test", "./..."}}},
		{"fetch https://example.com/page", models.PlannedStep{Kind: models.StepFetchURL, URL: "https://example.com/page"}},
		{"https://example.com", models.PlannedStep{Kind: models.StepFetchURL, URL: "https://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.instruction, func(t *testing.T) {
			d, err := RuleOracle{}.Draft(context.Background(), Request{Instruction: tt.instruction, Workspace: ws}, nil)
			require.NoError(t, err)
			assert.Equal(t, models.IntentCommand, d.Intent)
			require.Len(t, d.Steps, 1)
			assert.Equal(t, tt.want, d.Steps[0])
		})
	}
}

func TestRuleOracle_MultipleClauses(t *testing.T) {
	d, err := RuleOracle{}.Draft(context.Background(), Request{
		Instruction: "create a.txt with hi; run go test then delete b.txt",
		Workspace:   t.TempDir(),
	}, nil)
	require.NoError(t, err)
	require.Len(t, d.Steps, 3)
	assert.Equal(t, models.StepCreateFile, d.Steps[0].Kind)
	assert.Equal(t, models.StepRunCommand, d.Steps[1].Kind)
	assert.Equal(t, models.StepDeleteFile, d.Steps[2].Kind)
}

func TestRuleOracle_Append(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "log.md"), []byte("first"), 0o644))

	d, err := RuleOracle{}.Draft(context.Background(), Request{Instruction: `append "second" to log.md`, Workspace: ws}, nil)
	require.NoError(t, err)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, models.StepModifyFile, d.Steps[0].Kind)
	assert.Equal(t, "first\nsecond\n", d.Steps[0].Content)
}

func TestRuleOracle_Question(t *testing.T) {
	ws := workspace(t, "a.txt", "sub/b.txt")
	var tokens []string
	d, err := RuleOracle{}.Draft(context.Background(), Request{Instruction: "What files are in here?", Workspace: ws},
		func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)
	assert.Equal(t, models.IntentQuestion, d.Intent)
	assert.Empty(t, d.Steps)
	assert.Contains(t, d.Answer, "a.txt")
	assert.Contains(t, d.Answer, "sub/")
	assert.Equal(t, []string{d.Answer}, tokens)
}

func TestRuleOracle_Unknown(t *testing.T) {
	_, err := RuleOracle{}.Draft(context.Background(), Request{Instruction: "frobnicate the widgets", Workspace: t.TempDir()}, nil)
	assert.Error(t, err)
}

func TestPlan_QuestionHasNoSteps(t *testing.T) {
	p := newPlanner(t, RuleOracle{}, nil)
	plan, err := p.Plan(context.Background(), Request{Instruction: "how does this work?", Workspace: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.IntentQuestion, plan.Intent)
	assert.Empty(t, plan.Steps)
	assert.False(t, plan.RequiresConfirmation)
	assert.NotEmpty(t, plan.Answer)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, models.FailFast, plan.FailurePolicy)
}

func TestPlan_AnnotatesConfirmationAndWarnings(t *testing.T) {
	ws := workspace(t, "b.txt")
	p := newPlanner(t, RuleOracle{}, nil)

	plan, err := p.Plan(context.Background(), Request{
		Instruction: "create a.txt with hi; run go test; analyze b.txt",
		Workspace:   ws,
	}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.True(t, plan.RequiresConfirmation)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "step 2 (execute_command) requires approval")
	assert.Equal(t, 1, plan.EstimatedChanges)
	for _, s := range plan.Steps {
		assert.NotEmpty(t, s.Description)
	}
}

func TestPlan_SafeOnlyPlanNeedsNoConfirmation(t *testing.T) {
	ws := workspace(t, "b.txt")
	p := newPlanner(t, RuleOracle{}, nil)
	plan, err := p.Plan(context.Background(), Request{Instruction: "analyze b.txt", Workspace: ws}, nil)
	require.NoError(t, err)
	assert.False(t, plan.RequiresConfirmation)
	assert.Empty(t, plan.Warnings)
}

func TestPlan_DeniedStepWarns(t *testing.T) {
	cfg := airlock.DefaultConfig()
	cfg.ToolPolicy.Mode = airlock.ModeAllowlist
	cfg.SetAllowed("read_file", true)

	p := newPlanner(t, RuleOracle{}, cfg)
	plan, err := p.Plan(context.Background(), Request{Instruction: "delete old.log", Workspace: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.True(t, plan.RequiresConfirmation)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "will be denied")
}

func TestPlan_EstimatesOrganizeFromFolder(t *testing.T) {
	ws := workspace(t, "dl/a.jpg", "dl/b.pdf", "dl/c.txt", "dl/.hidden")
	p := newPlanner(t, RuleOracle{}, nil)
	plan, err := p.Plan(context.Background(), Request{Instruction: "organize dl by extension", Workspace: ws}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.EstimatedChanges)
}

func TestPlan_Errors(t *testing.T) {
	p := newPlanner(t, RuleOracle{}, nil)
	tests := []struct {
		name string
		req  Request
	}{
		{"empty instruction", Request{Instruction: "  ", Workspace: t.TempDir()}},
		{"missing workspace", Request{Instruction: "delete a"}},
		{"workspace does not exist", Request{Instruction: "delete a", Workspace: filepath.Join(t.TempDir(), "nope")}},
		{"unplannable", Request{Instruction: "frobnicate", Workspace: t.TempDir()}},
		{"bad failure policy", Request{Instruction: "delete a", Workspace: t.TempDir(), FailurePolicy: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.Plan(context.Background(), tt.req, nil)
			assert.Nil(t, plan)
			assert.ErrorIs(t, err, airerrors.ErrPlanning)
		})
	}
}

func TestLLMOracle_StreamsAndParses(t *testing.T) {
	client := &llm.MockClient{
		ChunkSize: 8,
		Responses: []string{"```json\n" + `{"intent":"command","steps":[` +
			`{"type":"createFile","path":"a.txt","content":"hi","description":"make a"},` +
			`{"type":"runCommand","command":"go","args":["vet"],"path":"ignored"}]}` + "\n```"},
	}
	p := newPlanner(t, &LLMOracle{Client: client}, nil)

	var streamed strings.Builder
	plan, err := p.Plan(context.Background(), Request{
		Instruction: "make a and vet",
		Workspace:   t.TempDir(),
		History:     []models.Message{{Role: "user", Content: "earlier"}},
	}, func(tok string) { streamed.WriteString(tok) })
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "make a", plan.Steps[0].Description)
	assert.Empty(t, plan.Steps[1].Path, "fields of other variants are dropped")
	assert.Equal(t, "Run go vet", plan.Steps[1].Description)
	assert.Contains(t, streamed.String(), `"createFile"`)
	assert.Greater(t, plan.TokensUsed, 0)
	assert.Contains(t, client.Prompts[0], "user: earlier")
	assert.Contains(t, client.Prompts[0], "Instruction: make a and vet")
}

func TestLLMOracle_Question(t *testing.T) {
	client := &llm.MockClient{Responses: []string{`{"intent":"question","answer":"42","steps":[{"type":"deleteFile","path":"x"}]}`}}
	p := newPlanner(t, &LLMOracle{Client: client}, nil)
	plan, err := p.Plan(context.Background(), Request{Instruction: "meaning?", Workspace: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.IntentQuestion, plan.Intent)
	assert.Equal(t, "42", plan.Answer)
	assert.Empty(t, plan.Steps)
}

func TestLLMOracle_InvalidStepIsPlanningError(t *testing.T) {
	client := &llm.MockClient{Responses: []string{`[{"type":"launchRocket"}]`}}
	p := newPlanner(t, &LLMOracle{Client: client}, nil)
	_, err := p.Plan(context.Background(), Request{Instruction: "go", Workspace: t.TempDir()}, nil)
	assert.ErrorIs(t, err, airerrors.ErrPlanning)
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		steps int
	}{
		{"object", `{"steps":[{"type":"deleteFile","path":"a"}]}`, 1},
		{"bare array", `[{"type":"deleteFile","path":"a"},{"type":"deleteFile","path":"b"}]`, 2},
		{"fenced", "```\n[{\"type\":\"deleteFile\",\"path\":\"a\"}]\n```", 1},
		{"prose around object", `Sure! Here is the plan: {"steps":[{"type":"deleteFile","path":"a]b"}]} Done.`, 1},
		{"prose around array", `Plan: [{"type":"deleteFile","path":"a"}] hope that helps`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parsePlan(tt.raw)
			require.NoError(t, err)
			assert.Len(t, p.Steps, tt.steps)
		})
	}

	_, err := parsePlan("no json here")
	assert.Error(t, err)
	_, err = parsePlan("   ")
	assert.Error(t, err)
}
