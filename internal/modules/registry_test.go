package modules

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"deploy-agent/internal/docker"
	"deploy-agent/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	containers []docker.ContainerInfo
	started    []string
	stopped    []string
	startErr   error
}

func (f *fakeRuntime) ListContainers(ctx context.Context, labelKey string) ([]docker.ContainerInfo, error) {
	return f.containers, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func inventory(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SavePackage(storage.Package{
		Name:    "web",
		Version: "1.0.0",
		Modules: []storage.Module{
			{ID: 1, Name: "frontend", Version: "1.0.0"},
			{ID: 2, Name: "backend", Version: "1.0.0"},
			{ID: 3, Name: "worker", Version: "1.0.0"},
		},
	}))
	return s
}

func newRegistry(t *testing.T) (*DockerRegistry, *fakeRuntime) {
	rt := &fakeRuntime{containers: []docker.ContainerInfo{
		{ID: "c1", Name: "web-frontend", State: "running", Labels: map[string]string{LabelModuleID: "1"}},
		{ID: "c2", Name: "web-backend", State: "exited", Labels: map[string]string{LabelModuleID: "2"}},
		{ID: "cx", Name: "stray", State: "running", Labels: map[string]string{LabelModuleID: "abc"}},
	}}
	return NewDockerRegistry(rt, inventory(t), slog.Default()), rt
}

func TestDockerRegistryList(t *testing.T) {
	r, _ := newRegistry(t)

	mods, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, mods, 3)

	states := map[int64]State{}
	for _, m := range mods {
		states[m.ID] = m.State
		assert.Equal(t, "web", m.Package)
	}
	assert.Equal(t, StateActive, states[1])
	assert.Equal(t, StateResolved, states[2])
	assert.Equal(t, StateInstalled, states[3])
}

func TestDockerRegistryStartStop(t *testing.T) {
	r, rt := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, 2))
	require.NoError(t, r.Start(ctx, 1))
	assert.Equal(t, []string{"c2"}, rt.started)

	require.NoError(t, r.Stop(ctx, 1))
	require.NoError(t, r.Stop(ctx, 2))
	assert.Equal(t, []string{"c1"}, rt.stopped)

	assert.ErrorIs(t, r.Start(ctx, 3), ErrNotFound)
	assert.ErrorIs(t, r.Stop(ctx, 99), ErrNotFound)

	rt.startErr = errors.New("daemon unavailable")
	assert.ErrorContains(t, r.Start(ctx, 2), "daemon unavailable")
}

func TestDockerRegistryGet(t *testing.T) {
	r, _ := newRegistry(t)

	m, err := r.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "backend", m.Name)

	_, err = r.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInventoryRegistry(t *testing.T) {
	r := NewInventoryRegistry(inventory(t))
	ctx := context.Background()

	mods, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, mods, 3)
	for _, m := range mods {
		assert.Equal(t, StateInstalled, m.State)
	}

	assert.ErrorIs(t, r.Start(ctx, 1), ErrUnsupported)
	assert.ErrorIs(t, r.Stop(ctx, 9), ErrNotFound)
}

func TestStateFromContainer(t *testing.T) {
	assert.Equal(t, StateActive, StateFromContainer("running"))
	assert.Equal(t, StateStarting, StateFromContainer("restarting"))
	assert.Equal(t, StateStopping, StateFromContainer("removing"))
	assert.Equal(t, StateResolved, StateFromContainer("dead"))
	assert.Equal(t, StateInstalled, StateFromContainer(""))
}
