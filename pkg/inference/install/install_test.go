package install

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	return logging.NewLogrusAdapter(l)
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o755,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestEnsureInstallsAndIsIdempotent(t *testing.T) {
	archive := tarball(t, map[string]string{
		"build/bin/llama-server": "#!/bin/sh\nexit 0\n",
		"build/bin/libggml.so":   "not really a library",
	})
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(archive)
	}))
	defer srv.Close()

	root := t.TempDir()
	inst := NewInstaller(testLogger(), root)
	rel := Release{URL: srv.URL + "/llama.tar.gz", Version: "b1234", ExeName: "build/bin/llama-server"}

	outcome, err := inst.Ensure(context.Background(), srv.Client(), "llamacpp", "vulkan", rel)
	require.NoError(t, err)
	assert.False(t, outcome.Upgraded)
	assert.Equal(t, "b1234", outcome.Version)
	assert.Equal(t, 1, hits)

	exe := inst.ExePath("llamacpp", "vulkan", rel.ExeName)
	fi, err := os.Stat(exe)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&0o111)
	assert.Equal(t, "b1234", inst.InstalledVersion("llamacpp", "vulkan"))

	// Second call sees a matching version.txt and does not re-download.
	outcome, err = inst.Ensure(context.Background(), srv.Client(), "llamacpp", "vulkan", rel)
	require.NoError(t, err)
	assert.False(t, outcome.Upgraded)
	assert.Equal(t, 1, hits)
}

func TestEnsureUpgradesOnNewVersion(t *testing.T) {
	archive := tarball(t, map[string]string{"flm-server": "bin"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	inst := NewInstaller(testLogger(), t.TempDir())
	rel := Release{URL: srv.URL + "/flm.tar.gz", Version: "1.0.0", ExeName: "flm-server"}
	_, err := inst.Ensure(context.Background(), srv.Client(), "flm", "npu", rel)
	require.NoError(t, err)

	rel.Version = "1.1.0"
	outcome, err := inst.Ensure(context.Background(), srv.Client(), "flm", "npu", rel)
	require.NoError(t, err)
	assert.True(t, outcome.Upgraded)
	assert.Equal(t, "1.1.0", inst.InstalledVersion("flm", "npu"))
}

func TestEnsureRejectsArchiveWithoutExecutable(t *testing.T) {
	archive := tarball(t, map[string]string{"README.md": "nothing useful"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	root := t.TempDir()
	inst := NewInstaller(testLogger(), root)
	rel := Release{URL: srv.URL + "/x.tar.gz", Version: "v1", ExeName: "whisper-server"}
	_, err := inst.Ensure(context.Background(), srv.Client(), "whispercpp", "cpu", rel)
	require.Error(t, err)
	assert.Equal(t, inference.KindInstallFailed, inference.KindOf(err))

	// No half-extracted install directory may remain.
	_, statErr := os.Stat(inst.Dir("whispercpp", "cpu"))
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(filepath.Join(root, "whispercpp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOverrideBypassesDownload(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "llama-server")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))

	inst := NewInstaller(testLogger(), t.TempDir())
	inst.Override("llamacpp", exe)

	rel := Release{URL: "http://127.0.0.1:1/unreachable.tar.gz", Version: "b1", ExeName: "llama-server"}
	outcome, err := inst.Ensure(context.Background(), http.DefaultClient, "llamacpp", "vulkan", rel)
	require.NoError(t, err)
	assert.Equal(t, "custom", outcome.Version)
	assert.Equal(t, exe, inst.ExePath("llamacpp", "vulkan", rel.ExeName))

	// A missing override target fails before any network traffic.
	inst.Override("flm", filepath.Join(t.TempDir(), "nope"))
	_, err = inst.Ensure(context.Background(), http.DefaultClient, "flm", "npu", rel)
	require.Error(t, err)
	assert.Equal(t, inference.KindPreconditionFailed, inference.KindOf(err))
}

func TestEnsureDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	inst := NewInstaller(testLogger(), t.TempDir())
	rel := Release{URL: srv.URL + "/missing.tar.gz", Version: "v1", ExeName: "sd-server"}
	_, err := inst.Ensure(context.Background(), srv.Client(), "sd-cpp", "vulkan", rel)
	require.Error(t, err)
	assert.Equal(t, inference.KindInstallFailed, inference.KindOf(err))
}
