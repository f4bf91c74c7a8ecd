// cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/infant/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func findCmd(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("command %q not registered", name)
	return nil
}

func TestRootCmd_Version(t *testing.T) {
	for _, args := range [][]string{{"--version"}, {"version"}} {
		root := NewRootCommand()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(args)

		require.NoError(t, root.ExecuteContext(context.Background()))
		assert.Contains(t, out.String(), "infant version "+Version)
	}
}

func TestRootCmd_ConfigAndFlagOverrides(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "infant.log")
	cfgPath := writeConfig(t, `
logger:
  level: fatal
  log_file: `+logFile+`
agent:
  max_budget_per_task: 2.5
  summarize: true
llm:
  main:
    model: from-file
`)

	root := NewRootCommand()
	var got *config.Config
	run := findCmd(t, root, "run")
	run.RunE = func(cmd *cobra.Command, args []string) error {
		var err error
		got, err = configFrom(cmd.Context())
		return err
	}

	root.SetArgs([]string{"--config", cfgPath, "run", "--budget", "1.5", "--critic", "open the calculator"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotNil(t, got)

	assert.Equal(t, 1.5, got.Agent.MaxBudgetPerTask, "flag beats the config file")
	assert.True(t, got.Agent.Critic)
	assert.True(t, got.Agent.Summarize, "unset flags keep the config file value")
	assert.Equal(t, "from-file", got.LLM.Main.Model)
	assert.Equal(t, 2, got.Agent.MaxRepetition, "defaults fill the rest")
}

func TestRootCmd_EnvOverridesConfig(t *testing.T) {
	cfgPath := writeConfig(t, "logger:\n  level: fatal\n  log_file: "+filepath.Join(t.TempDir(), "infant.log")+"\n")
	t.Setenv("INFANT_AGENT_MAX_REPETITION", "7")

	root := NewRootCommand()
	var got *config.Config
	findCmd(t, root, "run").RunE = func(cmd *cobra.Command, _ []string) error {
		got, _ = configFrom(cmd.Context())
		return nil
	}
	root.SetArgs([]string{"--config", cfgPath, "run", "hello"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotNil(t, got)
	assert.Equal(t, 7, got.Agent.MaxRepetition)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		root := NewRootCommand()
		root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "run", "hi"})
		err := root.ExecuteContext(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize configuration")
	})

	t.Run("validation failure", func(t *testing.T) {
		cfgPath := writeConfig(t, "agent:\n  max_budget_per_task: -1\n")
		root := NewRootCommand()
		root.SetArgs([]string{"--config", cfgPath, "run", "hi"})
		err := root.ExecuteContext(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_budget_per_task")
	})
}

func TestConfigFrom_Missing(t *testing.T) {
	_, err := configFrom(context.Background())
	assert.Error(t, err)
}
