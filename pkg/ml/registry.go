package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"netsentry/shared/logging"
)

// Registry is an append-only archive of immutable model versions plus one
// atomically swapped "active" pointer. Layout on disk:
//
//	<root>/archive/<version>/model.json      trained network weights
//	<root>/archive/<version>/scaler.json     per-feature transform
//	<root>/archive/<version>/metadata.json   threshold and provenance
//	<root>/active                            symlink to the served version
//
// A version directory is fully written before the pointer ever references
// it, so a reader resolving through the pointer always observes a complete
// version or none. The registry has a single writer (the learning engine);
// any number of readers may resolve the pointer concurrently with a publish.
// Running several writers is unsupported; the only guarantee in that case is
// that the last pointer swap wins.
type Registry struct {
	root    string
	archive string
	active  string
}

const (
	archiveDirName = "archive"
	activeLinkName = "active"
	modelFile      = "model.json"
	scalerFile     = "scaler.json"
	metadataFile   = "metadata.json"
)

// ErrNoActiveModel indicates a cold start: no version has been published yet.
var ErrNoActiveModel = errors.New("no active model version")

// VersionMeta describes one published model version.
type VersionMeta struct {
	Version             string    `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	Threshold           float64   `json:"threshold"`
	FeatureCount        int       `json:"feature_count"`
	TrainingSampleCount int       `json:"training_sample_count"`
	ModelType           string    `json:"model_type"`
	ThresholdPercentile float64   `json:"adaptive_threshold_percentile"`
}

var (
	regPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "registry", Name: "publishes_total",
		Help: "Total number of model versions published.",
	})
	regFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "registry", Name: "publish_copy_fallbacks_total",
		Help: "Publishes that fell back to copying the version into the pointer path.",
	})
	regQuarantines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "registry", Name: "pointer_quarantines_total",
		Help: "Times an unexpected occupant of the active pointer path was backed up aside.",
	})
)

func init() {
	_ = prometheus.Register(regPublishes)
	_ = prometheus.Register(regFallbacks)
	_ = prometheus.Register(regQuarantines)
}

// NewRegistry opens (or creates) a registry rooted at dir.
func NewRegistry(root string) (*Registry, error) {
	archive := filepath.Join(root, archiveDirName)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Registry{
		root:    root,
		archive: archive,
		active:  filepath.Join(root, activeLinkName),
	}, nil
}

// ActivePath is the location readers resolve the served version through.
func (r *Registry) ActivePath() string { return r.active }

// Publish archives the model as a new immutable version and atomically
// points "active" at it. Older versions are never deleted. On failure the
// previously active version remains authoritative.
func (r *Registry) Publish(m *Model, sampleCount int) (string, error) {
	version := newVersionID()
	dir := filepath.Join(r.archive, version)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create version directory: %w", err)
	}

	meta := &VersionMeta{
		Version:             version,
		CreatedAt:           time.Now().UTC(),
		Threshold:           m.Threshold,
		FeatureCount:        len(m.Scaler.Mean),
		TrainingSampleCount: sampleCount,
		ModelType:           "denoising_autoencoder",
		ThresholdPercentile: ThresholdPercentile,
	}
	if err := writeJSON(filepath.Join(dir, modelFile), m.Net); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, scalerFile), m.Scaler); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, metadataFile), meta); err != nil {
		return "", err
	}

	if err := r.swapActive(dir); err != nil {
		return "", fmt.Errorf("publish %s: %w", version, err)
	}
	regPublishes.Inc()
	logging.Infof("registry: published model version=%s threshold=%.6f samples=%d", version, m.Threshold, sampleCount)
	return version, nil
}

// swapActive repoints "active" at target in one indivisible step: a symlink
// is created under a temporary name and renamed into place. Readers see
// either the old target or the new one, never an intermediate state. A
// leftover non-symlink occupant (for example a plain directory from an
// interrupted run that used the copy fallback) is quarantined under a
// timestamped backup name first. If the filesystem refuses symlinks
// entirely, the version contents are copied into the pointer path instead.
func (r *Registry) swapActive(target string) error {
	if fi, err := os.Lstat(r.active); err == nil && fi.Mode()&os.ModeSymlink == 0 {
		backup := filepath.Join(r.root, "active_backup_"+time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(r.active, backup); err != nil {
			return fmt.Errorf("quarantine active pointer occupant: %w", err)
		}
		regQuarantines.Inc()
		logging.Warnf("registry: active pointer path was not a symlink, moved aside to %s", filepath.Base(backup))
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve version path: %w", err)
	}
	tmp := filepath.Join(r.root, fmt.Sprintf(".active.tmp.%d", time.Now().UnixNano()))
	if err := os.Symlink(abs, tmp); err != nil {
		logging.Warnf("registry: symlink unsupported (%v), falling back to copying the version into the pointer path", err)
		regFallbacks.Inc()
		return r.copyIntoActive(target)
	}
	if err := os.Rename(tmp, r.active); err != nil {
		_ = os.Remove(tmp)
		logging.Warnf("registry: pointer rename failed (%v), falling back to copy", err)
		regFallbacks.Inc()
		return r.copyIntoActive(target)
	}
	return nil
}

// copyIntoActive materializes the version at the pointer path. Slower and
// not atomic across files, but it keeps the contract that readers resolve
// the served version through the pointer path. Metadata is written last so a
// reader that finds it also finds the artifact and transform.
func (r *Registry) copyIntoActive(dir string) error {
	if err := os.MkdirAll(r.active, 0755); err != nil {
		return fmt.Errorf("create active directory: %w", err)
	}
	for _, name := range []string{modelFile, scalerFile, metadataFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		tmp := filepath.Join(r.active, "."+name+".tmp")
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := os.Rename(tmp, filepath.Join(r.active, name)); err != nil {
			return fmt.Errorf("swap %s: %w", name, err)
		}
	}
	return nil
}

// ActiveVersion returns the id of the currently served version, or false on
// cold start.
func (r *Registry) ActiveVersion() (string, bool) {
	fi, err := os.Lstat(r.active)
	if err != nil {
		return "", false
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(r.active)
		if err != nil {
			return "", false
		}
		return filepath.Base(target), true
	}
	// Copy-fallback layout: the id lives in the copied metadata.
	var meta VersionMeta
	if err := readJSON(filepath.Join(r.active, metadataFile), &meta); err != nil {
		return "", false
	}
	return meta.Version, true
}

// LoadActive loads the currently served version. The pointer is resolved
// once up front so that the artifact, transform, and threshold are all read
// from the same immutable version directory even if a publish swaps the
// pointer mid-load.
func (r *Registry) LoadActive() (*Model, *VersionMeta, error) {
	dir, err := filepath.EvalSymlinks(r.active)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNoActiveModel
		}
		return nil, nil, fmt.Errorf("resolve active pointer: %w", err)
	}
	return r.loadDir(dir)
}

// LoadVersion loads one archived version by id.
func (r *Registry) LoadVersion(version string) (*Model, *VersionMeta, error) {
	return r.loadDir(filepath.Join(r.archive, version))
}

// Versions lists all archived version ids in lexical (which is also
// chronological) order.
func (r *Registry) Versions() ([]string, error) {
	entries, err := os.ReadDir(r.archive)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	return versions, nil
}

func (r *Registry) loadDir(dir string) (*Model, *VersionMeta, error) {
	var meta VersionMeta
	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		return nil, nil, fmt.Errorf("load metadata: %w", err)
	}
	var net Autoencoder
	if err := readJSON(filepath.Join(dir, modelFile), &net); err != nil {
		return nil, nil, fmt.Errorf("load model artifact: %w", err)
	}
	var scaler Scaler
	if err := readJSON(filepath.Join(dir, scalerFile), &scaler); err != nil {
		return nil, nil, fmt.Errorf("load scaler: %w", err)
	}
	if meta.FeatureCount != len(scaler.Mean) {
		return nil, nil, fmt.Errorf("corrupt version %s: metadata feature_count=%d, scaler has %d", meta.Version, meta.FeatureCount, len(scaler.Mean))
	}
	return &Model{Net: &net, Scaler: &scaler, Threshold: meta.Threshold}, &meta, nil
}

// newVersionID derives a collision-free monotonic id from the wall clock.
// The nanosecond component keeps ids unique even for back-to-back publishes
// within one second.
func newVersionID() string {
	now := time.Now()
	return fmt.Sprintf("v_%s_%09d", now.Format("20060102_150405"), now.Nanosecond())
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
