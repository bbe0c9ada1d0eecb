package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "db", "inventory.db"))
	require.NoError(t, err)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPackageLifecycle(t *testing.T) {
	s := openStore(t)

	pkgs, err := s.GetPackages()
	require.NoError(t, err)
	assert.Empty(t, pkgs)

	require.NoError(t, s.SavePackage(Package{Name: "zeta", Version: "1"}))
	require.NoError(t, s.SavePackage(Package{
		Name:        "alpha",
		Version:     "2.0.0",
		InstalledAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Modules:     []Module{{ID: 1, Name: "web", Version: "2.0.0", Image: "nginx:1"}},
	}))

	pkgs, err = s.GetPackages()
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "alpha", pkgs[0].Name)
	assert.Equal(t, "zeta", pkgs[1].Name)

	p, err := s.GetPackage("alpha")
	require.NoError(t, err)
	assert.Equal(t, "nginx:1", p.Modules[0].Image)

	require.NoError(t, s.DeletePackage("alpha"))
	_, err = s.GetPackage("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeletePackage("alpha"), ErrNotFound)
}

func TestSavePackageRequiresName(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.SavePackage(Package{Version: "1"}))
}

func TestNextModuleIDIncreases(t *testing.T) {
	s := openStore(t)

	first, err := s.NextModuleID()
	require.NoError(t, err)
	second, err := s.NextModuleID()
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestConfirmations(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.SaveConfirmation(Confirmation{JobID: 20, Name: "os", Version: "2"}))
	require.NoError(t, s.SaveConfirmation(Confirmation{JobID: 3, Name: "os", Version: "1"}))

	confs, err := s.GetConfirmations()
	require.NoError(t, err)
	require.Len(t, confs, 2)
	assert.Equal(t, int64(3), confs[0].JobID)
	assert.Equal(t, int64(20), confs[1].JobID)

	require.NoError(t, s.DeleteConfirmation(3))
	confs, err = s.GetConfirmations()
	require.NoError(t, err)
	assert.Len(t, confs, 1)
}

func TestClosedStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)

	pkgs, err := s.GetPackages()
	require.NoError(t, err)
	assert.Empty(t, pkgs)
	assert.Error(t, s.SavePackage(Package{Name: "x"}))
	_, err = s.NextModuleID()
	assert.Error(t, err)

	_, err = NewBoltStore("")
	assert.Error(t, err)
}
