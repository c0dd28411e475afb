package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const epmcBody = `{"hitCount": 2, "resultList": {"result": [
  {"id": "38000001", "pmcid": "PMC900001", "doi": "10.1000/upo.1", "title": "Engineering UPO selectivity",
   "journalTitle": "ACS Catal", "pubYear": "2023", "abstractText": "We engineered the heme pocket.", "isOpenAccess": "Y"},
  {"id": "38000002", "pmcid": "PMC900002", "doi": "10.1000/upo.2", "title": "Pocket volume and activity",
   "journalTitle": "Nature Chemistry", "pubYear": "2021", "abstractText": "Volume correlates with turnover.", "isOpenAccess": "Y"}
]}}`

// cliEnv 临时数据根、配置文件与外部输入
type cliEnv struct {
	dir    string
	config string
	pocket string
	ali    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(epmcBody))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	cfg := `storage:
  roots:
    local: data
llm:
  provider: none
literature:
  base_url: ` + srv.URL + `
  rate_limit_rps: 0
log:
  level: error
`
	env := &cliEnv{
		dir:    dir,
		config: filepath.Join(dir, "enzymeflow.yaml"),
		pocket: filepath.Join(dir, "pockets.csv"),
		ali:    filepath.Join(dir, "alignment.csv"),
	}
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(env.pocket, []byte("struct_name,enzyme,volume\nUPO1_a,x,100\nUPO2_b,x,300\n"), 0o644))
	require.NoError(t, os.WriteFile(env.ali, []byte("index,UPO1_res_aa,UPO2_res_aa\n100,F,L\n141,A,G\n"), 0o644))
	return env
}

func (e *cliEnv) exec(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *cliEnv) runArgs(runID string, extra ...string) []string {
	args := []string{"run", "--run-id", runID,
		"--set", "pocket.pocket_metrics=" + e.pocket,
		"--set", "pocket.alignment=" + e.ali}
	return append(args, extra...)
}

func TestRun_DefaultWorkflowOffline(t *testing.T) {
	env := newCLIEnv(t)

	code, out, errOut := env.exec(env.runArgs("upo-001")...)
	require.Equal(t, 0, code, "stderr: %s\nstdout: %s", errOut, out)
	assert.Contains(t, out, "3 succeeded, 0 failed, 0 skipped")
	assert.FileExists(t, filepath.Join(env.dir, "data", "runs", "upo-001", "manifest.jsonl"))
	assert.FileExists(t, filepath.Join(env.dir, "data", "processed", "design_strategy_plan.json"))

	code, out, _ = env.exec("manifest", "show", "upo-001", "--json")
	require.Equal(t, 0, code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "strategy", entries[2]["step_id"])

	code, out, _ = env.exec("threads", "list", "--tag", "design_strategy")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "upo-001")

	code, out, _ = env.exec("manifest", "history", "upo-001", "strategy", "design_strategy")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "design_strategy")
	assert.Contains(t, out, "literature_review")
	assert.Contains(t, out, "external")
}

func TestRun_ExistingRunNeedsResume(t *testing.T) {
	env := newCLIEnv(t)
	code, _, _ := env.exec(env.runArgs("upo-002")...)
	require.Equal(t, 0, code)

	code, _, errOut := env.exec(env.runArgs("upo-002")...)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--resume")

	code, out, errOut := env.exec(env.runArgs("upo-002", "--resume", "--json")...)
	require.Equal(t, 0, code, errOut)
	var report struct {
		Steps []struct {
			StepID string `json:"step_id"`
			Reused bool   `json:"reused"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Steps, 3)
	for _, s := range report.Steps {
		assert.True(t, s.Reused, s.StepID)
	}
}

func TestRun_MissingInputFailsWithExitOne(t *testing.T) {
	env := newCLIEnv(t)
	code, out, errOut := env.exec("run", "--run-id", "upo-003")
	assert.Equal(t, 1, code)
	assert.Empty(t, errOut, "failed steps are reported, not printed as an error")
	assert.Contains(t, out, "missing: pocket_metrics, alignment")
	assert.Contains(t, out, "2 succeeded, 1 failed, 0 skipped")
}

func TestRun_RejectsBadFlags(t *testing.T) {
	env := newCLIEnv(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad run id", []string{"run", "--run-id", "../escape"}, "run id"},
		{"resume without id", []string{"run", "--resume"}, "--resume requires --run-id"},
		{"set without path", []string{"run", "--run-id", "x", "--set", "pocket.alignment"}, "step.input=path"},
		{"set without input", []string{"run", "--run-id", "x", "--set", "pocket=a.csv"}, "step.input"},
		{"var without value", []string{"run", "--run-id", "x", "--workflow", "wf.yaml", "--var", "novalue"}, "name=value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := env.exec(tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, errOut, tt.want)
		})
	}
}

func TestRun_WorkflowFileWithVariables(t *testing.T) {
	env := newCLIEnv(t)
	wf := filepath.Join(env.dir, "wf.yaml")
	require.NoError(t, os.WriteFile(wf, []byte(`version: "1"
name: pocket-only
variables:
  positions_thread:
    default: pockets
steps:
  - id: pocket
    uses: pocket/profile
    with:
      selected_positions: [141]
      thread_id: ${positions_thread}_${run_id}
`), 0o644))

	code, out, errOut := env.exec("run", "--run-id", "wf-1", "--workflow", wf,
		"--set", "pocket.pocket_metrics="+env.pocket, "--set", "pocket.alignment="+env.ali)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "1 succeeded")

	code, out, _ = env.exec("threads", "list", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"thread_id": "pockets_wf-1"`)
}

func TestManifestShow_UnknownRun(t *testing.T) {
	env := newCLIEnv(t)
	code, _, errOut := env.exec("manifest", "show", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "ARTIFACT_NOT_FOUND")
	assert.NoDirExists(t, filepath.Join(env.dir, "data", "runs", "nope"))
}

func TestSchema(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, execute([]string{"schema", "thread"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "format_version")

	stdout.Reset()
	require.Equal(t, 0, execute([]string{"schema"}, &stdout, &stderr))
	var all map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &all))
	assert.ElementsMatch(t, []string{"manifest", "thread", "workflow"}, keys(all))

	assert.Equal(t, 1, execute([]string{"schema", "bogus"}, &stdout, &stderr))
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	require.Equal(t, 0, execute([]string{"version"}, &stdout, &bytes.Buffer{}))
	assert.True(t, strings.HasPrefix(stdout.String(), "enzymeflow dev"))
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
