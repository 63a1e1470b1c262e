package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiltro-dev/taskforge/api/schemas"
)

func TestRequestFromFlags(t *testing.T) {
	set := func(t *testing.T, args ...string) *schemas.TaskRequest {
		t.Helper()
		runCmd := newRunCmd()
		require.NoError(t, runCmd.ParseFlags(args))
		req, err := requestFromFlags(runCmd)
		require.NoError(t, err)
		return &req
	}

	t.Run("builds a complete request", func(t *testing.T) {
		req := set(t,
			"--kind", "authenticate",
			"--domain", "shop.example",
			"--task-type", "login",
			"--user", "user-1",
			"--url", "https://shop.example/login",
			"--username", "alice@shop.example",
			"--password", "hunter2",
		)
		assert.Equal(t, schemas.ActionAuthenticate, req.Target.Kind)
		assert.Equal(t, "shop.example", req.Domain)
		assert.Equal(t, schemas.TaskTypeLogin, req.TaskType)
		assert.Equal(t, "https://shop.example/login", req.Target.URL)
		assert.Equal(t, "alice@shop.example", req.Target.Username)
		assert.NotEmpty(t, req.TaskID, "missing task id gets a generated one")
	})

	t.Run("rejects an unknown kind", func(t *testing.T) {
		runCmd := newRunCmd()
		require.NoError(t, runCmd.ParseFlags([]string{"--kind", "teleport", "--domain", "x.example"}))
		_, err := requestFromFlags(runCmd)
		assert.ErrorContains(t, err, "--kind")
	})

	t.Run("rejects a missing domain", func(t *testing.T) {
		runCmd := newRunCmd()
		require.NoError(t, runCmd.ParseFlags([]string{"--kind", "navigate"}))
		_, err := requestFromFlags(runCmd)
		assert.ErrorContains(t, err, "--domain")
	})

	t.Run("credentials fall back to the environment", func(t *testing.T) {
		t.Setenv("TASKFORGE_TARGET_USERNAME", "bob@shop.example")
		t.Setenv("TASKFORGE_TARGET_PASSWORD", "s3cret")
		req := set(t, "--kind", "authenticate", "--domain", "shop.example")
		assert.Equal(t, "bob@shop.example", req.Target.Username)
		assert.Equal(t, "s3cret", req.Target.Password)
	})

	t.Run("distinct task ids per invocation", func(t *testing.T) {
		a := set(t, "--kind", "navigate", "--domain", "x.example")
		b := set(t, "--kind", "navigate", "--domain", "x.example")
		assert.NotEqual(t, a.TaskID, b.TaskID)
	})
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd := newVersionCmd()
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, Version, strings.TrimSpace(out.String()))
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["version"])
}
