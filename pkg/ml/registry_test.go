package ml

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testModel builds a tiny model whose scaler carries a marker value so a
// reader can verify that artifact, transform, and threshold all came from
// the same published version.
func testModel(dim int, marker float64) *Model {
	mean := make([]float64, dim)
	std := make([]float64, dim)
	for i := range std {
		std[i] = 1
	}
	mean[0] = marker
	return &Model{
		Net:       NewAutoencoder(dim, 2, rand.New(rand.NewSource(1))),
		Scaler:    &Scaler{Mean: mean, Std: std},
		Threshold: marker,
	}
}

func TestPublishThenActive(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	_, ok := reg.ActiveVersion()
	assert.False(t, ok, "fresh registry should have no active version")

	version, err := reg.Publish(testModel(4, 1.5), 100)
	require.NoError(t, err)

	active, ok := reg.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, version, active)

	model, meta, err := reg.LoadActive()
	require.NoError(t, err)
	assert.Equal(t, version, meta.Version)
	assert.Equal(t, 1.5, model.Threshold)
	assert.Equal(t, 100, meta.TrainingSampleCount)
	assert.Equal(t, 4, meta.FeatureCount)
}

func TestVersionsAreImmutableAndByteStable(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	version, err := reg.Publish(testModel(4, 2.5), 50)
	require.NoError(t, err)

	dir := filepath.Join(reg.archive, version)
	for _, name := range []string{modelFile, scalerFile, metadataFile} {
		a, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, a, b, "%s should be byte-identical across reads", name)
	}

	m1, _, err := reg.LoadVersion(version)
	require.NoError(t, err)
	m2, _, err := reg.LoadVersion(version)
	require.NoError(t, err)
	assert.Equal(t, m1.Threshold, m2.Threshold)
	assert.Equal(t, m1.Scaler, m2.Scaler)
	assert.Equal(t, m1.Net.Weights, m2.Net.Weights)
}

func TestPublishKeepsOlderVersions(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	v1, err := reg.Publish(testModel(4, 1), 10)
	require.NoError(t, err)
	v2, err := reg.Publish(testModel(4, 2), 20)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2, "version ids must be collision-free")

	versions, err := reg.Versions()
	require.NoError(t, err)
	assert.Equal(t, []string{v1, v2}, versions, "ids should sort chronologically")

	active, ok := reg.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, v2, active)

	// The superseded version stays loadable and intact.
	old, _, err := reg.LoadVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, old.Threshold)
}

func TestPublishQuarantinesPlainDirectory(t *testing.T) {
	root := t.TempDir()
	reg, err := NewRegistry(root)
	require.NoError(t, err)

	// Simulate an interrupted prior run that left a plain directory where
	// the pointer belongs.
	require.NoError(t, os.MkdirAll(reg.ActivePath(), 0755))
	leftover := filepath.Join(reg.ActivePath(), "stale.json")
	require.NoError(t, os.WriteFile(leftover, []byte("{}"), 0644))

	version, err := reg.Publish(testModel(4, 3), 30)
	require.NoError(t, err)

	active, ok := reg.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, version, active)

	fi, err := os.Lstat(reg.ActivePath())
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink, "pointer should be a symlink again")

	// The occupant was preserved under a backup name, not deleted.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var backup string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "active_backup_") {
			backup = e.Name()
		}
	}
	require.NotEmpty(t, backup, "expected a quarantined backup directory")
	_, err = os.Stat(filepath.Join(root, backup, "stale.json"))
	assert.NoError(t, err, "backup should preserve the occupant's contents")
}

func TestConcurrentReadersDuringPublish(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				model, meta, err := reg.LoadActive()
				if err != nil {
					// Cold start is the only acceptable failure.
					if err != ErrNoActiveModel {
						t.Errorf("reader observed broken version: %v", err)
						return
					}
					continue
				}
				// Threshold (metadata) and the scaler marker (transform)
				// must come from the same training run.
				if model.Threshold != model.Scaler.Mean[0] {
					t.Errorf("mismatched version parts: threshold=%v marker=%v meta=%s",
						model.Threshold, model.Scaler.Mean[0], meta.Version)
					return
				}
			}
		}()
	}

	for i := 1; i <= 10; i++ {
		_, err := reg.Publish(testModel(4, float64(i)), i)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
}
