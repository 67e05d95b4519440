package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBasicConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", `
directories:
  data: /tmp/yamc-data
  logs: /tmp/yamc-logs
defaults:
  collectors:
    - pattern: "cpu.*"
      interval: "* * * * *"
writers:
  w1:
    class: influxdb
    host: localhost
collectors:
  cpu1:
    class: cron
`)

	cfg, err := Load(cfgPath, "", true, "info")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/yamc-data", cfg.Directories.Data)
	require.Len(t, cfg.Collectors, 1)
	assert.Equal(t, "cron", cfg.Collectors[0].Class)
	assert.Equal(t, "* * * * *", cfg.Collectors[0].Values["interval"])
	require.Len(t, cfg.Writers, 1)
	assert.Equal(t, "localhost", cfg.Writers[0].Values["host"])
}

func TestLoadIncludeComposition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yml", `
directories:
  data: /base/data
writers:
  w1:
    class: influxdb
`)
	cfgPath := writeFile(t, dir, "config.yml", `
include: ["base.yml"]
directories:
  data: /main/data
`)

	cfg, err := Load(cfgPath, "", true, "info")
	require.NoError(t, err)
	assert.Equal(t, "/main/data", cfg.Directories.Data, "main file wins over included file")
	require.Len(t, cfg.Writers, 1, "included file's writers are merged in")
}

func TestEnvTagSubstitution(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", `
writers:
  w1:
    class: influxdb
    host: !env "${YAMC_TEST_HOST}"
`)
	t.Setenv("YAMC_TEST_HOST", "influx.example.com")

	cfg, err := Load(cfgPath, "", true, "info")
	require.NoError(t, err)
	assert.Equal(t, "influx.example.com", cfg.Writers[0].Values["host"])
}

func TestPyTagCompilesExpression(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", `
writers:
  w1:
    class: influxdb
    batch_size: !py "10 * 2"
`)
	cfg, err := Load(cfgPath, "", true, "info")
	require.NoError(t, err)

	e, ok := cfg.Writers[0].Values["batch_size"].(*yamcexpr.Expression)
	require.True(t, ok)
	v, err := e.Eval(yamcexpr.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 20, v)
}

func TestApplyDefaultsFillsOnlyAbsentKeys(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", `
defaults:
  collectors:
    - pattern: ".*"
      max_history: 120
      write_interval: 10
collectors:
  c1:
    class: cron
    max_history: 5
`)
	cfg, err := Load(cfgPath, "", true, "info")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Collectors[0].Values["max_history"], "explicit value wins over default")
	assert.Equal(t, 10, cfg.Collectors[0].Values["write_interval"], "default fills absent key")
}

func TestLoadMissingClassErrors(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", `
writers:
  w1:
    host: localhost
`)
	_, err := Load(cfgPath, "", true, "info")
	assert.Error(t, err)
}
