package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/models"
)

// RuleOracle drafts plans from a small keyword grammar. It needs no model
// and is deterministic, so it backs the daemon when no provider is
// configured and the tests everywhere.
//
// Clauses are separated by ";", newlines or "then". Each clause becomes one
// step:
//
//	create notes.md with hello        createFile
//	write "text" to notes.md          modifyFile (replace)
//	append "text" to notes.md         modifyFile (existing + text)
//	move a.txt to archive/            moveFile
//	rename a.txt to b.txt             moveFile
//	rename files in pics to img_{n:3} batchRename
//	delete old.log                    deleteFile
//	organize downloads by type        organizeFolder
//	analyze report.pdf                analyzeContent
//	run go test ./...                 runCommand
//	fetch https://example.com         fetchUrl
//
// An instruction whose first clause matches nothing and reads like a
// question is answered instead.
type RuleOracle struct{}

func (RuleOracle) Name() string { return "rules" }

type rule struct {
	re    *regexp.Regexp
	build func(m []string, ws string) (models.PlannedStep, error)
}

const arg = `("[^"]*"|'[^']*'|\S+)`

var (
	clauseSplit = regexp.MustCompile(`(?i)\s*(?:;|\n|,?\s+and then\s+|,?\s+then\s+)\s*`)
	questionRe  = regexp.MustCompile(`(?i)^(what|which|how|why|who|when|where|is|are|can|could|does|do|should|explain|tell me)\b`)
	urlRe       = regexp.MustCompile(`^https?://\S+$`)
)

var rules = []rule{
	{
		re: regexp.MustCompile(`(?i)^(?:create|make|add|new)\s+(?:a\s+|an\s+)?(?:new\s+)?(?:file\s+)?(?:called\s+|named\s+)?` + arg + `(?:\s+(?:with|containing)\s+(?:content\s+|text\s+)?(.+))?$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			return models.PlannedStep{Kind: models.StepCreateFile, Path: unquote(m[1]), Content: unquote(m[2])}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:write|overwrite|put)\s+(.+?)\s+(?:to|into|in)\s+` + arg + `$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			return models.PlannedStep{Kind: models.StepModifyFile, Path: unquote(m[2]), Content: unquote(m[1])}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^append\s+(.+?)\s+to\s+` + arg + `$`),
		build: func(m []string, ws string) (models.PlannedStep, error) {
			path := unquote(m[2])
			existing, err := os.ReadFile(airlock.ResolvePath(ws, path))
			if err != nil && !os.IsNotExist(err) {
				return models.PlannedStep{}, fmt.Errorf("read %s: %w", path, err)
			}
			content := string(existing)
			if content != "" && !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			return models.PlannedStep{
				Kind:        models.StepModifyFile,
				Path:        path,
				Content:     content + unquote(m[1]) + "\n",
				Description: "Append to " + path,
			}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^rename\s+(?:all\s+)?(?:the\s+)?files\s+(?:in\s+` + arg + `\s+)?(?:to|as|using|with(?:\s+pattern)?)\s+` + arg + `$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			dir := unquote(m[1])
			if dir == "" {
				dir = "."
			}
			return models.PlannedStep{Kind: models.StepBatchRename, Path: dir, Pattern: unquote(m[2])}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^rename\s+` + arg + `\s+(?:to|as)\s+` + arg + `$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			src, name := unquote(m[1]), unquote(m[2])
			if strings.ContainsRune(name, '/') {
				return models.PlannedStep{}, fmt.Errorf("new name %q must not contain a path", name)
			}
			return models.PlannedStep{Kind: models.StepMoveFile, Source: src, Destination: filepath.Join(filepath.Dir(src), name)}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:move|mv)\s+` + arg + `\s+(?:to|into)\s+` + arg + `$`),
		build: func(m []string, ws string) (models.PlannedStep, error) {
			src, dst := unquote(m[1]), unquote(m[2])
			if strings.HasSuffix(dst, "/") || isDir(airlock.ResolvePath(ws, dst)) {
				dst = filepath.Join(dst, filepath.Base(src))
			}
			return models.PlannedStep{Kind: models.StepMoveFile, Source: src, Destination: dst}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:delete|remove|rm|trash)\s+(?:the\s+)?(?:file\s+)?` + arg + `$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			return models.PlannedStep{Kind: models.StepDeleteFile, Path: unquote(m[1])}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:organize|organise|sort|tidy)(?:\s+up)?(?:\s+(?:the\s+)?(?:files\s+in\s+|folder\s+)?` + arg + `)??(?:\s+by\s+(extension|type|date|size))?$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			dir := unquote(m[1])
			if dir == "" {
				dir = "."
			}
			strategy := strings.ToLower(m[2])
			if strategy == "" {
				strategy = models.OrganizeByExtension
			}
			return models.PlannedStep{Kind: models.StepOrganizeFolder, Path: dir, Strategy: strategy}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:analyze|analyse|summarize|summarise|inspect|read)\s+(.+)$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			targets := splitArgs(m[1])
			if len(targets) == 1 {
				return models.PlannedStep{Kind: models.StepAnalyzeContent, Path: targets[0]}, nil
			}
			return models.PlannedStep{Kind: models.StepAnalyzeContent, Path: ".", Files: targets}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:run|execute|exec)\s+(.+)$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			fields := splitArgs(strings.Trim(m[1], "`"))
			if len(fields) == 0 {
				return models.PlannedStep{}, fmt.Errorf("no command given")
			}
			return models.PlannedStep{Kind: models.StepRunCommand, Command: fields[0], Args: fields[1:]}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:fetch|download|browse|open|get|visit)\s+(https?://\S+)$`),
		build: func(m []string, _ string) (models.PlannedStep, error) {
			return models.PlannedStep{Kind: models.StepFetchURL, URL: m[1]}, nil
		},
	},
}

// Draft implements Oracle.
func (o RuleOracle) Draft(ctx context.Context, req Request, sink TokenSink) (*Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Instruction)
	clauses := splitClauses(text)

	var steps []models.PlannedStep
	for i, clause := range clauses {
		step, ok, err := matchClause(clause, req.Workspace)
		if err != nil {
			return nil, err
		}
		if !ok {
			if i == 0 && isQuestion(text) {
				answer := o.answer(text, req.Workspace)
				emit(sink, answer)
				return &Draft{Intent: models.IntentQuestion, Answer: answer}, nil
			}
			return nil, fmt.Errorf("cannot plan %q", clause)
		}
		emit(sink, step.DefaultDescription()+"\n")
		steps = append(steps, step)
	}
	return &Draft{Intent: models.IntentCommand, Steps: steps}, nil
}

func matchClause(clause, ws string) (models.PlannedStep, bool, error) {
	clause = strings.TrimRight(strings.TrimSpace(clause), "!")
	if strings.HasSuffix(clause, ".") && !strings.HasSuffix(clause, "..") {
		clause = clause[:len(clause)-1]
	}
	if urlRe.MatchString(clause) {
		return models.PlannedStep{Kind: models.StepFetchURL, URL: clause}, true, nil
	}
	for _, r := range rules {
		m := r.re.FindStringSubmatch(clause)
		if m == nil {
			continue
		}
		step, err := r.build(m, ws)
		if err != nil {
			return models.PlannedStep{}, false, err
		}
		return step, true, nil
	}
	return models.PlannedStep{}, false, nil
}

// answer replies to the questions the grammar understands: listing the
// workspace, and what the assistant can do.
func (RuleOracle) answer(question, ws string) string {
	q := strings.ToLower(question)
	if strings.Contains(q, "file") || strings.Contains(q, "folder") || strings.Contains(q, "directory") || strings.Contains(q, "workspace") {
		entries, err := os.ReadDir(ws)
		if err == nil {
			var names []string
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".") {
					continue
				}
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return fmt.Sprintf("%s is empty.", ws)
			}
			return fmt.Sprintf("%s contains %d entries: %s.", ws, len(names), strings.Join(names, ", "))
		}
	}
	return "I can create, update, move, rename, delete, organize and analyze files in the workspace, run allowlisted commands and fetch web pages. Describe what you want done."
}

func splitClauses(text string) []string {
	var out []string
	for _, c := range clauseSplit.Split(text, -1) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func isQuestion(text string) bool {
	return strings.HasSuffix(text, "?") || questionRe.MatchString(text)
}

// splitArgs splits on whitespace, keeping quoted runs together.
func splitArgs(s string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	inArg := false
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				out = append(out, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		out = append(out, cur.String())
	}
	return out
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func emit(sink TokenSink, tok string) {
	if sink != nil && tok != "" {
		sink(tok)
	}
}
