// Package install maintains the on-disk cache of backend engine binaries.
// Each engine lives under <binRoot>/<recipe>/<backend_tag>/ next to a
// version.txt recording the installed release. Installs are idempotent:
// when version.txt matches the pinned release the cache is left untouched.
package install

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/moby/go-archive"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

// versionFile is the sibling recording the installed engine version.
const versionFile = "version.txt"

// Release pins one downloadable engine build.
type Release struct {
	// URL is the pinned release archive location.
	URL string
	// Version is the pinned version string recorded in version.txt.
	Version string
	// ExeName is the executable expected inside the extracted archive,
	// possibly nested (e.g. "build/bin/llama-server").
	ExeName string
}

// Installer downloads and extracts pinned engine releases.
type Installer struct {
	log       logging.Logger
	binRoot   string
	overrides map[string]string
}

// NewInstaller creates an installer rooted at binRoot.
func NewInstaller(log logging.Logger, binRoot string) *Installer {
	return &Installer{log: log, binRoot: binRoot, overrides: make(map[string]string)}
}

// Override pins a recipe to an existing executable outside the managed
// cache. Ensure skips downloads for it and ExePath returns the pinned
// path. Meant for development builds and packagers shipping their own
// engine binaries.
func (i *Installer) Override(recipe, exePath string) {
	i.overrides[recipe] = exePath
}

// Dir returns the install directory for a recipe/backend-tag pair.
func (i *Installer) Dir(recipe, tag string) string {
	return filepath.Join(i.binRoot, recipe, tag)
}

// ExePath returns the expected executable path for an installed engine.
func (i *Installer) ExePath(recipe, tag, exeName string) string {
	if exe, ok := i.overrides[recipe]; ok {
		return exe
	}
	return filepath.Join(i.Dir(recipe, tag), filepath.FromSlash(exeName))
}

// InstalledVersion reads version.txt for a recipe/tag, empty when absent.
func (i *Installer) InstalledVersion(recipe, tag string) string {
	data, err := os.ReadFile(filepath.Join(i.Dir(recipe, tag), versionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Ensure makes sure the pinned release is installed, downloading and
// extracting it when the on-disk version differs. A failed install never
// leaves a half-extracted directory behind: extraction happens into a
// temporary sibling that is renamed into place only once the executable
// has been verified.
func (i *Installer) Ensure(ctx context.Context, httpClient *http.Client, recipe, tag string, rel Release) (inference.InstallOutcome, error) {
	if exe, ok := i.overrides[recipe]; ok {
		if _, err := os.Stat(exe); err != nil {
			return inference.InstallOutcome{}, inference.NewError(inference.KindPreconditionFailed,
				"configured %s executable %s does not exist", recipe, exe)
		}
		return inference.InstallOutcome{Version: "custom"}, nil
	}

	dir := i.Dir(recipe, tag)
	installed := i.InstalledVersion(recipe, tag)
	if installed == rel.Version {
		if _, err := os.Stat(i.ExePath(recipe, tag, rel.ExeName)); err == nil {
			return inference.InstallOutcome{Version: installed}, nil
		}
		i.log.Warnf("%s/%s version.txt says %s but executable is missing, reinstalling", recipe, tag, installed)
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return inference.InstallOutcome{}, inference.WrapError(inference.KindInstallFailed, err, "failed to create binary cache")
	}

	staging, err := os.MkdirTemp(filepath.Dir(dir), filepath.Base(dir)+".tmp-")
	if err != nil {
		return inference.InstallOutcome{}, inference.WrapError(inference.KindInstallFailed, err, "failed to create staging directory")
	}
	defer os.RemoveAll(staging)

	i.log.Infof("installing %s/%s %s from %s", recipe, tag, rel.Version, rel.URL)
	if err := i.downloadAndExtract(ctx, httpClient, rel.URL, staging); err != nil {
		return inference.InstallOutcome{}, inference.WrapError(inference.KindInstallFailed, err, "failed to install %s/%s", recipe, tag)
	}

	exe := filepath.Join(staging, filepath.FromSlash(rel.ExeName))
	fi, err := os.Stat(exe)
	if err != nil {
		return inference.InstallOutcome{}, inference.NewError(inference.KindInstallFailed,
			"release archive for %s/%s does not contain %s", recipe, tag, rel.ExeName)
	}
	if fi.Mode()&0o111 == 0 {
		if err := os.Chmod(exe, fi.Mode()|0o755); err != nil {
			return inference.InstallOutcome{}, inference.WrapError(inference.KindInstallFailed, err, "failed to mark %s executable", rel.ExeName)
		}
	}

	if err := atomicwriter.WriteFile(filepath.Join(staging, versionFile), []byte(rel.Version+"\n"), 0o644); err != nil {
		return inference.InstallOutcome{}, inference.WrapError(inference.KindInstallFailed, err, "failed to record version")
	}

	// Swap the staged tree into place.
	if err := os.RemoveAll(dir); err != nil {
		return inference.InstallOutcome{}, inference.WrapError(inference.KindInstallFailed, err, "failed to remove previous install")
	}
	if err := os.Rename(staging, dir); err != nil {
		return inference.InstallOutcome{}, inference.WrapError(inference.KindInstallFailed, err, "failed to move install into place")
	}

	return inference.InstallOutcome{Upgraded: installed != "", Version: rel.Version}, nil
}

func (i *Installer) downloadAndExtract(ctx context.Context, httpClient *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: status %d", resp.StatusCode)
	}

	if strings.HasSuffix(url, ".zip") {
		return extractZip(resp.Body, resp.ContentLength, dest)
	}

	if resp.ContentLength > 0 {
		i.log.Infof("extracting %s archive", units.BytesSize(float64(resp.ContentLength)))
	}
	return archive.Untar(resp.Body, dest, &archive.TarOptions{NoLchown: true})
}

// extractZip spools the response to disk first; zip needs random access.
func extractZip(r io.Reader, size int64, dest string) error {
	tmp, err := os.CreateTemp("", "engine-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	written, err := io.Copy(tmp, r)
	if err != nil {
		return errors.Wrap(err, "failed to spool archive")
	}
	if size > 0 && written != size {
		return fmt.Errorf("truncated archive: got %d of %d bytes", written, size)
	}

	zr, err := zip.NewReader(tmp, written)
	if err != nil {
		return errors.Wrap(err, "failed to open archive")
	}
	for _, f := range zr.File {
		if err := extractZipEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, dest string) error {
	// Reject entries that would escape the destination.
	target := filepath.Join(dest, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes destination", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}
