package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelOrder(t *testing.T) {
	assert.True(t, Safe < Sensitive)
	assert.True(t, Sensitive < Dangerous)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"safe", Safe, true},
		{"Sensitive", Sensitive, true},
		{"2", Dangerous, true},
		{"L1", Sensitive, true},
		{"l0", Safe, true},
		{"3", 0, false},
		{"critical", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelJSONAcceptsNumbersAndNames(t *testing.T) {
	var levels map[string]Level
	require.NoError(t, json.Unmarshal([]byte(`{"a": 2, "b": "sensitive", "c": "L0"}`), &levels))
	assert.Equal(t, Dangerous, levels["a"])
	assert.Equal(t, Sensitive, levels["b"])
	assert.Equal(t, Safe, levels["c"])

	out, err := json.Marshal(map[string]Level{"x": Dangerous})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"dangerous"}`, string(out))
}

func TestStepNormalizeDropsForeignFields(t *testing.T) {
	step := PlannedStep{
		Kind:        StepDeleteFile,
		Description: "remove tmp",
		Path:        "tmp.txt",
		Content:     "ignored",
		Command:     "rm",
	}
	n := step.Normalize()
	assert.Equal(t, "tmp.txt", n.Path)
	assert.Empty(t, n.Content)
	assert.Empty(t, n.Command)
	assert.Equal(t, "delete_file", n.Tool())
}

func TestStepValidate(t *testing.T) {
	assert.NoError(t, PlannedStep{Kind: StepMoveFile, Source: "a", Destination: "b"}.Validate())
	assert.Error(t, PlannedStep{Kind: StepMoveFile, Source: "a"}.Validate())
	assert.Error(t, PlannedStep{Kind: StepOrganizeFolder, Path: ".", Strategy: "color"}.Validate())
	assert.Error(t, PlannedStep{Kind: "launchRocket"}.Validate())
	assert.NoError(t, PlannedStep{Kind: StepRunCommand, Command: "ls"}.Validate())
}

func TestStepTargets(t *testing.T) {
	step := PlannedStep{Kind: StepBatchRename, Path: "photos", Files: []string{"a.jpg", "/abs/b.jpg"}, Pattern: "{n}{ext}"}
	assert.Equal(t, []string{"photos", "photos/a.jpg", "/abs/b.jpg"}, step.Targets())
	assert.Empty(t, PlannedStep{Kind: StepFetchURL, URL: "https://x"}.Targets())
}
