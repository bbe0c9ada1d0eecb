package hooks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"deploy-agent/internal/hcl"
)

// ScriptHook runs an external command for each enabled phase. The command
// receives the phase as its last argument and the request as DEPLOY_*
// environment variables.
type ScriptHook struct {
	Name    string
	Command string
	Args    []string
	Phases  []Phase // empty enables every phase
	Timeout time.Duration
	Env     map[string]string
	Logger  *slog.Logger
}

// NewScriptHook builds a hook from a parsed definition
func NewScriptHook(def hcl.HookDefinition, logger *slog.Logger) *ScriptHook {
	phases := make([]Phase, 0, len(def.Phases))
	for _, p := range def.Phases {
		phases = append(phases, Phase(p))
	}
	return &ScriptHook{
		Name:    def.Name,
		Command: def.Command,
		Args:    def.Args,
		Phases:  phases,
		Timeout: def.Timeout,
		Env:     def.Env,
		Logger:  logger,
	}
}

// LoadScriptHooks parses a hooks file into hooks keyed by name
func LoadScriptHooks(path string, logger *slog.Logger) (map[string]Hook, error) {
	defs, err := hcl.ParseHookDefinitions(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Hook, len(defs))
	for _, def := range defs {
		out[def.Name] = NewScriptHook(def, logger)
	}
	return out, nil
}

func (h *ScriptHook) PreDownload(ctx context.Context, rc RequestContext, props map[string]any) error {
	return h.run(ctx, PhasePreDownload, rc, props)
}

func (h *ScriptHook) PostDownload(ctx context.Context, rc RequestContext, props map[string]any) error {
	return h.run(ctx, PhasePostDownload, rc, props)
}

func (h *ScriptHook) PostInstall(ctx context.Context, rc RequestContext, props map[string]any) error {
	return h.run(ctx, PhasePostInstall, rc, props)
}

func (h *ScriptHook) enabled(phase Phase) bool {
	if len(h.Phases) == 0 {
		return true
	}
	for _, p := range h.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

func (h *ScriptHook) run(ctx context.Context, phase Phase, rc RequestContext, props map[string]any) error {
	if !h.enabled(phase) {
		return nil
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("hook", h.Name, "phase", phase)

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, h.Args...), string(phase))
	cmd := exec.CommandContext(ctx, h.Command, args...)
	cmd.Env = append(os.Environ(), h.environment(phase, rc, props)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("hook %s: %w", h.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("hook %s: %w", h.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("hook %s failed to start: %w", h.Name, err)
	}

	var wg sync.WaitGroup
	stream := func(r io.Reader, streamName string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Info("hook output", "stream", streamName, "line", scanner.Text())
		}
	}
	wg.Add(2)
	go stream(stdout, "stdout")
	go stream(stderr, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		logger.Warn("hook vetoed operation", "error", err)
		return fmt.Errorf("hook %s cancelled operation at %s phase: %w", h.Name, phase, err)
	}
	return nil
}

func (h *ScriptHook) environment(phase Phase, rc RequestContext, props map[string]any) []string {
	env := []string{
		"DEPLOY_PHASE=" + string(phase),
		"DEPLOY_REQUEST_TYPE=" + rc.RequestType,
		"DEPLOY_DOWNLOAD_FILE=" + rc.DownloadFilePath,
		"DEPLOY_JOB_ID=" + strconv.FormatInt(rc.JobID, 10),
		"DEPLOY_PACKAGE_NAME=" + rc.PackageName,
		"DEPLOY_PACKAGE_VERSION=" + rc.PackageVersion,
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "DEPLOY_PROP_"+envName(k)+"="+fmt.Sprint(props[k]))
	}
	for k, v := range h.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}
