package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/enzymeflow/types"
)

func testStorage() StorageConfig {
	cfg := DefaultStorageConfig()
	cfg.Roots = map[string]string{
		"upo":     "projects/upo",
		"scratch": "file:///scratch/enzymes",
	}
	cfg.SubAreas["alignments"] = "msa/aligned/"
	return cfg
}

func TestResolver_Resolve(t *testing.T) {
	anchor := t.TempDir()
	r, err := NewResolver(testStorage(), anchor)
	require.NoError(t, err)

	got, err := r.Resolve("upo", "sequences")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(anchor, "projects", "upo", "sequences"), got)

	got, err = r.Resolve("scratch", "alignments")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/scratch/enzymes", "msa", "aligned"), got)
}

func TestResolver_UnknownNames(t *testing.T) {
	r, err := NewResolver(testStorage(), t.TempDir())
	require.NoError(t, err)

	_, err = r.Resolve("nope", "sequences")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUnknownRoot))
	assert.Equal(t, types.CategoryConfiguration, types.CategoryOf(err))

	_, err = r.Resolve("upo", "nope")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUnknownSubarea))
}

func TestResolver_NeverCreatesDirectories(t *testing.T) {
	anchor := t.TempDir()
	r, err := NewResolver(testStorage(), anchor)
	require.NoError(t, err)

	p, err := r.Resolve("upo", "pdb")
	require.NoError(t, err)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(anchor, "projects"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolver_IsImmutable(t *testing.T) {
	storage := testStorage()
	r, err := NewResolver(storage, t.TempDir())
	require.NoError(t, err)

	before, err := r.Resolve("upo", "msa")
	require.NoError(t, err)

	storage.Roots["upo"] = "/elsewhere"
	storage.SubAreas["msa"] = "changed"
	delete(storage.Roots, "scratch")

	after, err := r.Resolve("upo", "msa")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"scratch", "upo"}, r.Roots())
}

func TestResolver_ResolveInput(t *testing.T) {
	anchor := t.TempDir()
	r, err := NewResolver(testStorage(), anchor)
	require.NoError(t, err)

	got, err := r.ResolveInput("upo", "expdata/activity.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(anchor, "projects", "upo", "expdata", "activity.csv"), got)

	got, err = r.ResolveInput("upo", "/abs/data.csv")
	require.NoError(t, err)
	assert.Equal(t, "/abs/data.csv", got)

	_, err = r.ResolveInput("upo", "  ")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
}

func TestNewResolver_Errors(t *testing.T) {
	_, err := NewResolver(StorageConfig{}, "")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))

	bad := testStorage()
	bad.SubAreas["escape"] = "../../etc"
	_, err = NewResolver(bad, "")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))

	bad = testStorage()
	bad.DefaultRoot = "ghost"
	_, err = NewResolver(bad, "")
	assert.True(t, types.IsErrorCode(err, types.ErrUnknownRoot))
}

// 性质测试：对注册表中任意合法的 (root, subarea)，Resolve 是确定且幂等的
func TestResolver_DeterministicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		nameGen := rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`)
		roots := rapid.MapOfN(nameGen, rapid.StringMatching(`/[a-z]{1,6}(/[a-z]{1,6}){0,2}`), 1, 5).Draw(rt, "roots")
		subareas := rapid.MapOfN(nameGen, rapid.StringMatching(`[a-z]{1,6}(/[a-z]{1,6}){0,2}`), 1, 5).Draw(rt, "subareas")

		r, err := NewResolver(StorageConfig{Roots: roots, SubAreas: subareas}, "/anchor")
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}

		rootNames := r.Roots()
		subNames := r.SubAreas()
		root := rapid.SampledFrom(rootNames).Draw(rt, "root")
		sub := rapid.SampledFrom(subNames).Draw(rt, "sub")

		first, err := r.Resolve(root, sub)
		if err != nil {
			rt.Fatalf("resolve failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			again, err := r.Resolve(root, sub)
			if err != nil || again != first {
				rt.Fatalf("resolve not deterministic: %q vs %q (%v)", first, again, err)
			}
		}
		if !filepath.IsAbs(first) {
			rt.Fatalf("expected absolute path, got %q", first)
		}
	})
}
