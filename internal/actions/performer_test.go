package actions

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/airlock/internal/connectors"
	"github.com/fentz26/airlock/internal/ledger"
	"github.com/fentz26/airlock/internal/models"
)

type fakeRunner struct {
	exit  int
	err   error
	calls []connectors.Request
}

func (f *fakeRunner) Name() string { return "fake" }
func (f *fakeRunner) IsAllowed(cmd string, _ []string) bool { return true }
func (f *fakeRunner) Execute(_ context.Context, req connectors.Request) (*connectors.ExecResult, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &connectors.ExecResult{Command: req.Command, Args: req.Args, ExitCode: f.exit, Stdout: "ok\n"}, nil
}

type fixture struct {
	ws     string
	ledger *ledger.Ledger
	perf   *Performer
	runner *fakeRunner
	tx     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	ws := filepath.Join(root, "ws")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	l := ledger.New(ledger.NewVersionStore(filepath.Join(root, "versions"), nil), nil, nil)
	runner := &fakeRunner{}
	return &fixture{
		ws:     ws,
		ledger: l,
		perf:   NewPerformer(l, runner, nil),
		runner: runner,
		tx:     l.Begin("test"),
	}
}

func (f *fixture) perform(t *testing.T, step models.PlannedStep) (*Result, error) {
	t.Helper()
	return f.perf.Perform(context.Background(), Call{TaskID: "task", TxID: f.tx, Workspace: f.ws, Step: step})
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.ws, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.ws, rel))
	return err == nil
}

func TestPerform_FileSteps(t *testing.T) {
	f := newFixture(t)

	res, err := f.perform(t, models.PlannedStep{Kind: models.StepCreateFile, Path: "notes/todo.md", Content: "- a"})
	require.NoError(t, err)
	require.Len(t, res.Changes, 2)
	assert.Equal(t, models.OpCreate, res.Changes[1].Operation)

	res, err = f.perform(t, models.PlannedStep{Kind: models.StepModifyFile, Path: "notes/todo.md", Content: "- b"})
	require.NoError(t, err)
	assert.Equal(t, models.OpModify, res.Changes[0].Operation)
	assert.NotEmpty(t, res.Changes[0].VersionID)

	_, err = f.perform(t, models.PlannedStep{Kind: models.StepMoveFile, Source: "notes/todo.md", Destination: "archive/todo.md"})
	require.NoError(t, err)
	assert.True(t, f.exists("archive/todo.md"))

	_, err = f.perform(t, models.PlannedStep{Kind: models.StepDeleteFile, Path: "archive/todo.md"})
	require.NoError(t, err)
	assert.False(t, f.exists("archive/todo.md"))

	_, err = f.ledger.Rollback(f.tx)
	require.NoError(t, err)
	assert.False(t, f.exists("notes"))
	assert.False(t, f.exists("archive"))
}

func TestPerform_MutationNeedsTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.perf.Perform(context.Background(), Call{
		Workspace: f.ws,
		Step:      models.PlannedStep{Kind: models.StepCreateFile, Path: "a.txt"},
	})
	assert.Error(t, err)
}

func TestPerform_OrganizeByExtension(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.jpg", "1")
	f.write(t, "b.JPG", "2")
	f.write(t, "c.pdf", "3")
	f.write(t, "README", "4")
	f.write(t, ".hidden", "5")

	res, err := f.perform(t, models.PlannedStep{Kind: models.StepOrganizeFolder, Path: ".", Strategy: models.OrganizeByExtension})
	require.NoError(t, err)

	assert.True(t, f.exists("jpg/a.jpg"))
	assert.True(t, f.exists("jpg/b.JPG"))
	assert.True(t, f.exists("pdf/c.pdf"))
	assert.True(t, f.exists("no_extension/README"))
	assert.True(t, f.exists(".hidden"))
	assert.Contains(t, res.Output, "organized 4 files")
}

func TestPerform_OrganizeByType(t *testing.T) {
	f := newFixture(t)
	f.write(t, "photo.png", "1")
	f.write(t, "main.go", "2")
	f.write(t, "blob.xyz", "3")

	_, err := f.perform(t, models.PlannedStep{Kind: models.StepOrganizeFolder, Path: ".", Strategy: models.OrganizeByType})
	require.NoError(t, err)

	assert.True(t, f.exists("Images/photo.png"))
	assert.True(t, f.exists("Code/main.go"))
	assert.True(t, f.exists("Other/blob.xyz"))
}

func TestPerform_OrganizeByDate(t *testing.T) {
	f := newFixture(t)
	f.write(t, "old.txt", "1")
	when := time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local)
	require.NoError(t, os.Chtimes(filepath.Join(f.ws, "old.txt"), when, when))

	_, err := f.perform(t, models.PlannedStep{Kind: models.StepOrganizeFolder, Path: ".", Strategy: models.OrganizeByDate})
	require.NoError(t, err)
	assert.True(t, f.exists("2024-03/old.txt"))
}

func TestPerform_OrganizeBySize(t *testing.T) {
	f := newFixture(t)
	f.write(t, "tiny.txt", "1")
	f.write(t, "bigger.bin", strings.Repeat("x", 2<<20))

	_, err := f.perform(t, models.PlannedStep{Kind: models.StepOrganizeFolder, Path: ".", Strategy: models.OrganizeBySize})
	require.NoError(t, err)
	assert.True(t, f.exists("Small/tiny.txt"))
	assert.True(t, f.exists("Medium/bigger.bin"))
}

func TestRenameTarget(t *testing.T) {
	tests := []struct {
		pattern, file, want string
		n                   int
	}{
		{"photo_{n}", "IMG_001.jpg", "photo_1.jpg", 1},
		{"photo_{n:3}", "IMG_001.jpg", "photo_007.jpg", 7},
		{"{name}-backup.{ext}", "doc.txt", "doc-backup.txt", 1},
		{"{name}", "Makefile", "Makefile", 1},
		{"final.md", "draft.txt", "final.md", 1},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, RenameTarget(tt.pattern, tt.file, tt.n))
		})
	}
}

func TestPerform_BatchRename(t *testing.T) {
	f := newFixture(t)
	f.write(t, "pics/b.jpg", "b")
	f.write(t, "pics/a.jpg", "a")

	res, err := f.perform(t, models.PlannedStep{Kind: models.StepBatchRename, Path: "pics", Pattern: "holiday_{n:2}"})
	require.NoError(t, err)
	assert.Equal(t, "renamed 2 files", res.Output)
	assert.True(t, f.exists("pics/holiday_01.jpg"))
	assert.True(t, f.exists("pics/holiday_02.jpg"))
	for _, c := range res.Changes {
		assert.Equal(t, models.OpRename, c.Operation)
	}
}

func TestPerform_BatchRenameConflictsRejectedUpFront(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "a")
	f.write(t, "b.txt", "b")

	_, err := f.perform(t, models.PlannedStep{Kind: models.StepBatchRename, Path: ".", Files: []string{"a.txt", "b.txt"}, Pattern: "same"})
	require.Error(t, err)
	assert.True(t, f.exists("a.txt"), "nothing renamed when validation fails")
	assert.True(t, f.exists("b.txt"))
}

func TestPerform_Analyze(t *testing.T) {
	f := newFixture(t)
	f.write(t, "doc.txt", "hello world\nsecond line\n")
	f.write(t, "page.html", "<html><head><title>T</title><script>var x</script></head><body><p>Visible text</p></body></html>")

	res, err := f.perform(t, models.PlannedStep{Kind: models.StepAnalyzeContent, Path: ".", Files: []string{"doc.txt", "page.html"}})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "2 lines, 4 words")
	assert.Contains(t, res.Output, "Visible text")
	assert.NotContains(t, res.Output, "var x")
	assert.Empty(t, res.Changes)

	res, err = f.perform(t, models.PlannedStep{Kind: models.StepAnalyzeContent, Path: "."})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "directory, 2 files")
}

func TestHTMLToText(t *testing.T) {
	text, err := HTMLToText([]byte("<div>One</div><style>.x{}</style><ul><li>Two</li><li>Three</li></ul>"))
	require.NoError(t, err)
	assert.Equal(t, "One\nTwo\nThree", text)
}

func TestPerform_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><head><title>Example</title></head><body><p>Hello from the page</p></body></html>")
	}))
	defer srv.Close()

	f := newFixture(t)
	res, err := f.perf.Perform(context.Background(), Call{Workspace: f.ws, Step: models.PlannedStep{Kind: models.StepFetchURL, URL: srv.URL}})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "Example")
	assert.Contains(t, res.Output, "Hello from the page")
}

func TestPerform_FetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := newFixture(t)
	_, err := f.perf.Perform(context.Background(), Call{Workspace: f.ws, Step: models.PlannedStep{Kind: models.StepFetchURL, URL: srv.URL}})
	assert.Error(t, err)
}

func TestPerform_RunCommand(t *testing.T) {
	f := newFixture(t)
	res, err := f.perform(t, models.PlannedStep{Kind: models.StepRunCommand, Command: "go", Args: []string{"test"}})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Output)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, f.ws, f.runner.calls[0].Dir)

	f.runner.exit = 2
	_, err = f.perform(t, models.PlannedStep{Kind: models.StepRunCommand, Command: "go", Args: []string{"test"}})
	assert.ErrorContains(t, err, "exited with code 2")
}

func TestPerform_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.perf.Perform(ctx, Call{TxID: f.tx, Workspace: f.ws, Step: models.PlannedStep{Kind: models.StepCreateFile, Path: "a.txt"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.exists("a.txt"))
}
