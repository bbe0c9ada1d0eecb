package hcl

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// HookDefinition is one hook block of a hooks file
type HookDefinition struct {
	Name    string
	Command string
	Args    []string
	Phases  []string
	Timeout time.Duration
	Env     map[string]string
}

var validPhases = map[string]bool{
	"pre_download":  true,
	"post_download": true,
	"post_install":  true,
}

type hooksFile struct {
	Hooks []hookBlock `hcl:"hook,block"`
}

type hookBlock struct {
	Name    string            `hcl:"name,label"`
	Command string            `hcl:"command"`
	Args    []string          `hcl:"args,optional"`
	Phases  []string          `hcl:"phases,optional"`
	Timeout string            `hcl:"timeout,optional"`
	Env     map[string]string `hcl:"env,optional"`
}

// ParseHookDefinitions parses a hooks file. Expressions may reference the
// process environment as env.NAME.
func ParseHookDefinitions(path string) ([]HookDefinition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks file: %w", err)
	}
	return ParseHookDefinitionsSource(src, path)
}

// ParseHookDefinitionsSource parses hooks file content; filename is used in
// diagnostics only
func ParseHookDefinitionsSource(src []byte, filename string) ([]HookDefinition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}

	var decoded hooksFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &decoded); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode hooks: %s", diags.Error())
	}

	seen := make(map[string]bool)
	defs := make([]HookDefinition, 0, len(decoded.Hooks))
	for _, b := range decoded.Hooks {
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate hook %q", b.Name)
		}
		seen[b.Name] = true

		if strings.TrimSpace(b.Command) == "" {
			return nil, fmt.Errorf("hook %q: command is required", b.Name)
		}

		def := HookDefinition{
			Name:    b.Name,
			Command: b.Command,
			Args:    b.Args,
			Phases:  b.Phases,
			Env:     b.Env,
		}
		for _, p := range b.Phases {
			if !validPhases[p] {
				return nil, fmt.Errorf("hook %q: unknown phase %q", b.Name, p)
			}
		}
		if b.Timeout != "" {
			d, err := time.ParseDuration(b.Timeout)
			if err != nil {
				return nil, fmt.Errorf("hook %q: invalid timeout: %w", b.Name, err)
			}
			def.Timeout = d
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}
