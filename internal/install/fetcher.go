package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cavaliercoder/go-cpio"
	"github.com/distr1/distri"
	"github.com/distr1/distri/internal/repo"
	"github.com/distr1/distri/pkgman/collab"
)

// Fetcher implements collab.Fetcher against distri repos (bottles) and a
// repo-hosted cpio bundle convention for casks (cask/<token>.cpio),
// reusing the cpio reader the initramfs generator (cmd/distri/initrd.go)
// already depends on to write its own archives.
type Fetcher struct {
	Root  string
	Repos []distri.Repo
}

// DownloadBottle mirrors install1's download loop: it stages the
// package's squashfs image and textproto metadata into a scratch
// directory under roimg/tmp, leaving the unpack/hook/rename work to
// Installer.InstallBottle.
func (f *Fetcher) DownloadBottle(ctx context.Context, spec collab.PackageSpec) (collab.LocalPath, error) {
	pkgRepo, ok := spec.Handle.(distri.Repo)
	if !ok {
		return "", fmt.Errorf("package %s: resolver did not attach a source repo", spec.Name)
	}

	tmpDir := filepath.Join(f.Root, "roimg", "tmp", fmt.Sprintf(".%s%d", spec.Name, os.Getpid()))
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return "", err
	}

	for _, fn := range []string{spec.Name + ".squashfs", spec.Name + ".meta.textproto"} {
		if err := downloadInto(ctx, pkgRepo, tmpDir, fn); err != nil {
			return "", err
		}
	}
	return collab.LocalPath(tmpDir), nil
}

func downloadInto(ctx context.Context, r distri.Repo, tmpDir, fn string) error {
	f, err := os.Create(filepath.Join(tmpDir, fn))
	if err != nil {
		return err
	}
	defer f.Close()
	in, err := repo.Reader(ctx, r, "pkg/"+fn, false)
	if err != nil {
		return err
	}
	defer in.Close()
	n, err := io.Copy(f, in)
	if err != nil {
		return err
	}
	atomic.AddInt64(&totalBytes, n)
	return f.Close()
}

// DownloadCask fetches a cask's cpio bundle (cask/<token>.cpio) from the
// same repo set bottles are served from: distri has no separate cask
// transport, so casks ride the existing repo.Reader/HTTP-or-file-path
// plumbing under a different path prefix.
func (f *Fetcher) DownloadCask(ctx context.Context, c collab.CaskMeta) (collab.LocalPath, error) {
	if len(f.Repos) == 0 {
		return "", fmt.Errorf("no repos configured")
	}
	var lastErr error
	for _, r := range f.Repos {
		in, err := repo.Reader(ctx, r, "cask/"+c.Token+".cpio", false)
		if err != nil {
			lastErr = err
			continue
		}
		defer in.Close()

		dest := filepath.Join(f.Root, "roimg", "tmp", "cask-"+c.Token+fmt.Sprintf("%d.cpio", os.Getpid()))
		out, err := os.Create(dest)
		if err != nil {
			return "", err
		}
		defer out.Close()
		n, err := io.Copy(out, in)
		if err != nil {
			return "", err
		}
		atomic.AddInt64(&totalBytes, n)
		if err := out.Close(); err != nil {
			return "", err
		}
		return collab.LocalPath(dest), nil
	}
	return "", fmt.Errorf("cask %s: not found on any repo: %v", c.Token, lastErr)
}

// extractCpio unpacks a cpio archive (as produced by cpio.NewWriter, see
// cmd/distri/initrd.go) into destDir.
func extractCpio(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rd := cpio.NewReader(f)
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		dest := filepath.Join(destDir, hdr.Name)
		perm := os.FileMode(hdr.Mode) & os.ModePerm
		switch {
		case hdr.Mode&cpio.ModeDir != 0:
			if err := os.MkdirAll(dest, perm); err != nil {
				return err
			}
		case hdr.Mode&cpio.ModeSymlink != 0:
			target, err := io.ReadAll(rd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := os.Symlink(string(target), dest); err != nil && !os.IsExist(err) {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, rd); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
