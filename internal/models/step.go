package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// StepKind is the variant tag of a PlannedStep.
type StepKind string

const (
	StepCreateFile     StepKind = "createFile"
	StepModifyFile     StepKind = "modifyFile"
	StepMoveFile       StepKind = "moveFile"
	StepDeleteFile     StepKind = "deleteFile"
	StepOrganizeFolder StepKind = "organizeFolder"
	StepBatchRename    StepKind = "batchRename"
	StepAnalyzeContent StepKind = "analyzeContent"
	StepRunCommand     StepKind = "runCommand"
	StepFetchURL       StepKind = "fetchUrl"
)

// stepTools maps each variant to the tool name the classifier knows it by.
var stepTools = map[StepKind]string{
	StepCreateFile:     "create_file",
	StepModifyFile:     "write_file",
	StepMoveFile:       "move_file",
	StepDeleteFile:     "delete_file",
	StepOrganizeFolder: "organize_folder",
	StepBatchRename:    "batch_rename",
	StepAnalyzeContent: "analyze_content",
	StepRunCommand:     "execute_command",
	StepFetchURL:       "browse_url",
}

// Organize strategies.
const (
	OrganizeByExtension = "extension"
	OrganizeByType      = "type"
	OrganizeByDate      = "date"
	OrganizeBySize      = "size"
)

// PlannedStep is a tagged variant: Kind selects which of the other fields
// carry meaning. Fields owned by other variants are cleared by Normalize and
// never read.
type PlannedStep struct {
	Kind         StepKind `json:"type"`
	Description  string   `json:"description"`
	Path         string   `json:"path,omitempty"`
	Source       string   `json:"source,omitempty"`
	Destination  string   `json:"destination,omitempty"`
	Content      string   `json:"content,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	Files        []string `json:"files,omitempty"`
	Pattern      string   `json:"pattern,omitempty"`
	Command      string   `json:"command,omitempty"`
	Args         []string `json:"args,omitempty"`
	URL          string   `json:"url,omitempty"`
	NonSkippable bool     `json:"nonSkippable,omitempty"`
}

// Tool returns the classifier tool name for the step's variant.
func (s PlannedStep) Tool() string {
	if t, ok := stepTools[s.Kind]; ok {
		return t
	}
	return string(s.Kind)
}

// Mutating reports whether the step changes the workspace.
func (s PlannedStep) Mutating() bool {
	switch s.Kind {
	case StepAnalyzeContent, StepFetchURL:
		return false
	}
	return true
}

// Normalize returns a copy of s holding only the fields its variant owns.
func (s PlannedStep) Normalize() PlannedStep {
	out := PlannedStep{Kind: s.Kind, Description: s.Description, NonSkippable: s.NonSkippable}
	switch s.Kind {
	case StepCreateFile, StepModifyFile:
		out.Path, out.Content = s.Path, s.Content
	case StepMoveFile:
		out.Source, out.Destination = s.Source, s.Destination
	case StepDeleteFile:
		out.Path = s.Path
	case StepOrganizeFolder:
		out.Path, out.Strategy = s.Path, s.Strategy
	case StepBatchRename:
		out.Path, out.Files, out.Pattern = s.Path, s.Files, s.Pattern
	case StepAnalyzeContent:
		out.Path, out.Files = s.Path, s.Files
	case StepRunCommand:
		out.Command, out.Args = s.Command, s.Args
	case StepFetchURL:
		out.URL = s.URL
	}
	return out
}

// Validate checks that the fields required by the variant are present.
func (s PlannedStep) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%s step requires %s", s.Kind, field)
	}
	switch s.Kind {
	case StepCreateFile, StepModifyFile, StepDeleteFile:
		if strings.TrimSpace(s.Path) == "" {
			return missing("path")
		}
	case StepMoveFile:
		if s.Source == "" {
			return missing("source")
		}
		if s.Destination == "" {
			return missing("destination")
		}
	case StepOrganizeFolder:
		if s.Path == "" {
			return missing("path")
		}
		switch s.Strategy {
		case "", OrganizeByExtension, OrganizeByType, OrganizeByDate, OrganizeBySize:
		default:
			return fmt.Errorf("unknown organize strategy %q", s.Strategy)
		}
	case StepBatchRename:
		if s.Path == "" && len(s.Files) == 0 {
			return missing("path or files")
		}
		if s.Pattern == "" {
			return missing("pattern")
		}
	case StepAnalyzeContent:
		if s.Path == "" && len(s.Files) == 0 {
			return missing("path or files")
		}
	case StepRunCommand:
		if strings.TrimSpace(s.Command) == "" {
			return missing("command")
		}
	case StepFetchURL:
		if s.URL == "" {
			return missing("url")
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Kind)
	}
	return nil
}

// Targets returns the filesystem paths the step touches, as written in the
// plan. Files of batchRename and analyzeContent are relative to Path.
func (s PlannedStep) Targets() []string {
	var out []string
	add := func(p string) {
		if p != "" {
			out = append(out, p)
		}
	}
	switch s.Kind {
	case StepMoveFile:
		add(s.Source)
		add(s.Destination)
	case StepBatchRename, StepAnalyzeContent:
		add(s.Path)
		for _, f := range s.Files {
			if s.Path != "" && !filepath.IsAbs(f) {
				f = filepath.Join(s.Path, f)
			}
			add(f)
		}
	case StepRunCommand, StepFetchURL:
	default:
		add(s.Path)
	}
	return out
}

// DefaultDescription is a one-line summary used when a plan leaves
// Description empty.
func (s PlannedStep) DefaultDescription() string {
	switch s.Kind {
	case StepCreateFile:
		return "Create " + s.Path
	case StepModifyFile:
		return "Update " + s.Path
	case StepMoveFile:
		return fmt.Sprintf("Move %s to %s", s.Source, s.Destination)
	case StepDeleteFile:
		return "Delete " + s.Path
	case StepOrganizeFolder:
		strategy := s.Strategy
		if strategy == "" {
			strategy = OrganizeByExtension
		}
		return fmt.Sprintf("Organize %s by %s", s.Path, strategy)
	case StepBatchRename:
		return fmt.Sprintf("Rename files in %s using %q", s.Path, s.Pattern)
	case StepAnalyzeContent:
		if len(s.Files) > 0 {
			return fmt.Sprintf("Analyze %d files", len(s.Files))
		}
		return "Analyze " + s.Path
	case StepRunCommand:
		return "Run " + strings.TrimSpace(s.Command+" "+strings.Join(s.Args, " "))
	case StepFetchURL:
		return "Fetch " + s.URL
	}
	return string(s.Kind)
}
