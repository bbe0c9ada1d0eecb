package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHook struct{}

func (nopHook) PreDownload(context.Context, RequestContext, map[string]any) error  { return nil }
func (nopHook) PostDownload(context.Context, RequestContext, map[string]any) error { return nil }
func (nopHook) PostInstall(context.Context, RequestContext, map[string]any) error  { return nil }

func TestResolve(t *testing.T) {
	m := NewManager(nil)
	m.Register("firmware-hook", nopHook{})
	m.UpdateAssociations(map[string]string{"FIRMWARE": "firmware-hook", "MODEM": "modem-hook"})

	h, err := m.Resolve("")
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = m.Resolve("FIRMWARE")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = m.Resolve("MODEM")
	assert.ErrorIs(t, err, ErrNoHookAssociated)

	_, err = m.Resolve("UNKNOWN")
	assert.ErrorIs(t, err, ErrNoHookAssociated)
	assert.EqualError(t, err, "no hook is currently associated to request type UNKNOWN, aborting operation")
}

func TestUpdateAssociationsReplacesSnapshot(t *testing.T) {
	m := NewManager(nil)
	m.Register("a", nopHook{})

	input := map[string]string{"X": "a"}
	m.UpdateAssociations(input)
	input["Y"] = "a"

	_, ok := m.Lookup("Y")
	assert.False(t, ok)

	m.UpdateAssociations(map[string]string{"Y": "a"})
	_, ok = m.Lookup("X")
	assert.False(t, ok)
	_, ok = m.Lookup("Y")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"Y": "a"}, m.Associations())
}

func TestSetHooks(t *testing.T) {
	m := NewManager(nil)
	m.Register("old", nopHook{})
	m.SetHooks(map[string]Hook{"b": nopHook{}, "a": nopHook{}})
	assert.Equal(t, []string{"a", "b"}, m.HookIDs())

	m.Unregister("a")
	assert.Equal(t, []string{"b"}, m.HookIDs())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestScriptHookExportsContext(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	script := writeScript(t, `echo "$1 $DEPLOY_REQUEST_TYPE $DEPLOY_JOB_ID $DEPLOY_PROP_CUSTOM_KEY $MODE" > `+out+"\n")

	h := &ScriptHook{Name: "test", Command: script, Env: map[string]string{"MODE": "strict"}}
	err := h.PostDownload(context.Background(), RequestContext{RequestType: "FIRMWARE", JobID: 4}, map[string]any{"custom.key": 7})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "post_download FIRMWARE 4 7 strict", strings.TrimSpace(string(data)))
}

func TestScriptHookVeto(t *testing.T) {
	script := writeScript(t, "echo refusing >&2\nexit 3\n")
	h := &ScriptHook{Name: "veto", Command: script}

	err := h.PreDownload(context.Background(), RequestContext{}, nil)
	assert.ErrorContains(t, err, "pre_download")
}

func TestScriptHookSkipsDisabledPhase(t *testing.T) {
	script := writeScript(t, "exit 1\n")
	h := &ScriptHook{Name: "only-install", Command: script, Phases: []Phase{PhasePostInstall}}

	assert.NoError(t, h.PreDownload(context.Background(), RequestContext{}, nil))
	assert.Error(t, h.PostInstall(context.Background(), RequestContext{}, nil))
}

func TestScriptHookTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")
	h := &ScriptHook{Name: "slow", Command: script, Timeout: 50 * time.Millisecond}

	start := time.Now()
	assert.Error(t, h.PostInstall(context.Background(), RequestContext{}, nil))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestLoadScriptHooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
hook "firmware-hook" {
  command = "/bin/true"
  phases  = ["post_install"]
}
`), 0644))

	loaded, err := LoadScriptHooks(path, nil)
	require.NoError(t, err)
	require.Contains(t, loaded, "firmware-hook")

	sh := loaded["firmware-hook"].(*ScriptHook)
	assert.Equal(t, []Phase{PhasePostInstall}, sh.Phases)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DP_CUSTOM_1", envName("dp.custom-1"))
}
