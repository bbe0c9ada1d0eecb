package terraform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/hashicorp/terraform-exec/tfexec"
)

// Executor wraps the Terraform executor
type Executor struct {
	tf         *tfexec.Terraform
	workingDir string
}

// HasConfiguration reports whether dir holds a root main.tf
func HasConfiguration(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "main.tf"))
	return err == nil
}

// NewExecutor creates a new Terraform executor for the given package path
func NewExecutor(workingDir string) (*Executor, error) {
	terraformPath, err := exec.LookPath("terraform")
	if err != nil {
		return nil, fmt.Errorf("terraform binary not found: %w", err)
	}

	tf, err := tfexec.NewTerraform(workingDir, terraformPath)
	if err != nil {
		return nil, err
	}

	return &Executor{
		tf:         tf,
		workingDir: workingDir,
	}, nil
}

// Init runs terraform init
func (e *Executor) Init(ctx context.Context) error {
	return e.tf.Init(ctx)
}

// Apply runs terraform apply
func (e *Executor) Apply(ctx context.Context, variables map[string]string) error {
	opts := []tfexec.ApplyOption{}
	for _, v := range varArgs(variables) {
		opts = append(opts, tfexec.Var(v))
	}
	return e.tf.Apply(ctx, opts...)
}

// Destroy runs terraform destroy
func (e *Executor) Destroy(ctx context.Context, variables map[string]string) error {
	opts := []tfexec.DestroyOption{}
	for _, v := range varArgs(variables) {
		opts = append(opts, tfexec.Var(v))
	}
	return e.tf.Destroy(ctx, opts...)
}

// varArgs renders variables as sorted k=v pairs so runs are reproducible
func varArgs(variables map[string]string) []string {
	out := make([]string, 0, len(variables))
	for k, v := range variables {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
