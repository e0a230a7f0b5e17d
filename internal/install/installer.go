package install

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/distr1/distri"
	"github.com/distr1/distri/internal/squashfs"
	"github.com/distr1/distri/pkgman/collab"
	"github.com/google/renameio"
	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"
)

// Installer implements collab.Installer, unpacking the squashfs bottle
// staged by Fetcher.DownloadBottle and running the same content hooks
// install1 used to run inline (distri1's /init, the kernel's vmlinuz and
// initramfs regeneration, microcode updates, sysusers.d/tmpfiles.d). Casks
// are unpacked from the cpio bundle Fetcher.DownloadCask staged, into
// root/opt/<token>.
type Installer struct {
	Ctx

	Root string
}

// InstallBottle is install1 split into its unpack-and-hook half: the
// download loop now lives in Fetcher.DownloadBottle, so this picks up a
// staged tmpDir and performs everything install1 used to do after the
// download completed, up to and including the atomic rename into roimg.
func (c *Installer) InstallBottle(ctx context.Context, path collab.LocalPath, spec collab.PackageSpec) (collab.InstallDir, error) {
	pkg := spec.Name
	tmpDir := string(path)

	// TODO: figure out if this is the first installation by checking
	// existence in the corresponding pkgset file; distri's metadata does
	// not carry that today, so every install is treated as first, same as
	// installTransitively1 did.
	const first = true

	if first {
		if err := c.copyEtc(tmpDir, pkg); err != nil {
			return "", err
		}
	}

	hookinstall := func(dest, src string) error {
		return c.hookinstall(tmpDir, pkg, dest, src)
	}

	if err := c.runContentHooks(pkg, hookinstall); err != nil {
		return "", err
	}

	readerAt, err := mmap.Open(filepath.Join(tmpDir, pkg+".squashfs"))
	if err != nil {
		return "", err
	}
	defer readerAt.Close()

	rd, err := squashfs.NewReader(readerAt)
	if err != nil {
		return "", err
	}

	if !c.SkipContentHooks {
		if err := c.registerLifecycleHooks(rd); err != nil {
			return "", err
		}
	}

	// First meta, then image: the fuse daemon considers the image
	// canonical, so it must go last.
	for _, fn := range []string{pkg + ".meta.textproto", pkg + ".squashfs"} {
		if err := os.Rename(filepath.Join(tmpDir, fn), filepath.Join(c.Root, "roimg", fn)); err != nil {
			return "", err
		}
	}
	if err := os.Remove(tmpDir); err != nil {
		return "", err
	}

	return collab.InstallDir(filepath.Join(c.Root, "roimg", pkg)), nil
}

func (c *Installer) copyEtc(tmpDir, pkg string) error {
	readerAt, err := mmap.Open(filepath.Join(tmpDir, pkg+".squashfs"))
	if err != nil {
		return xerrors.Errorf("copying /etc: %v", err)
	}
	defer readerAt.Close()

	rd, err := squashfs.NewReader(readerAt)
	if err != nil {
		return err
	}

	fis, err := rd.Readdir(rd.RootInode())
	if err != nil {
		return err
	}
	for _, fi := range fis {
		if fi.Name() != "etc" {
			continue
		}
		log.Printf("copying %s/etc", pkg)
		if err := unpackDir(filepath.Join(c.Root, "etc"), rd, fi.Sys().(*squashfs.FileInfo).Inode); err != nil {
			return xerrors.Errorf("copying /etc: %v", err)
		}
		break
	}
	return nil
}

func (c *Installer) hookinstall(tmpDir, pkg, dest, src string) error {
	readerAt, err := mmap.Open(filepath.Join(tmpDir, pkg+".squashfs"))
	if err != nil {
		return xerrors.Errorf("copying %s: %v", src, err)
	}
	defer readerAt.Close()

	rd, err := squashfs.NewReader(readerAt)
	if err != nil {
		return err
	}

	inode, err := rd.LookupPath(src)
	if err != nil {
		return err
	}

	r, err := rd.FileReader(inode)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	if strings.HasSuffix(dest, "/init") {
		f.Chmod(0755)
	}
	return f.CloseAtomicallyReplace()
}

// runContentHooks reimplements install1's package-name-triggered hooks
// (distri1's /init, the kernel's vmlinuz, microcode images).
func (c *Installer) runContentHooks(pkg string, hookinstall func(dest, src string) error) error {
	if strings.HasPrefix(pkg, "distri1-") && distri.ParseVersion(pkg).Pkg == "distri1" {
		log.Println("hook/distri1: updating /init")
		if err := hookinstall(filepath.Join(c.Root, "init"), "out/bin/distri"); err != nil {
			return err
		}
	}

	if strings.HasPrefix(pkg, "linux-") {
		pv := distri.ParseVersion(pkg)
		if pv.Pkg == "linux" {
			version := fmt.Sprintf("%s-%d", pv.Upstream, pv.DistriRevision)
			dest := filepath.Join(c.Root, "boot", "vmlinuz-"+version)
			log.Printf("hook/linux: updating %s", dest)
			if err := hookinstall(dest, "out/vmlinuz"); err != nil {
				return err
			}

			if c.Root == "/" || c.HookDryRun != nil {
				root := c.Root
				distri.RegisterAtExit(func() error {
					return c.regenerateInitramfs(root, pv)
				})
				distri.RegisterAtExit(func() error {
					return c.runUpdateGrub()
				})
			}
		}
	}

	if strings.HasPrefix(pkg, "intel-ucode-") || strings.HasPrefix(pkg, "amd-ucode-") {
		pv := distri.ParseVersion(pkg)
		if pv.Pkg == "intel-ucode" || pv.Pkg == "amd-ucode" {
			base := "intel-ucode.img"
			if pv.Pkg == "amd-ucode" {
				base = "amd-ucode.img"
			}
			dest := filepath.Join(c.Root, "boot", base)
			log.Printf("hook/ucode: updating %s", dest)
			if err := hookinstall(dest, "out/boot/"+base); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Installer) regenerateInitramfs(root string, pv distri.PackageVersion) error {
	initramfsGenerator := "minitrd"
	b, err := ioutil.ReadFile(filepath.Join(root, "etc", "distri", "initramfs-generator"))
	if err == nil {
		initramfsGenerator = strings.TrimSpace(string(b))
	}
	initramfs := "/boot/initramfs-" + pv.Upstream + "-" + strconv.FormatInt(pv.DistriRevision, 10) + ".img"
	var cmd *exec.Cmd
	switch initramfsGenerator {
	case "dracut":
		cmd = exec.Command("sh", "-c", "dracut --force "+initramfs+" "+pv.Upstream)
	case "minitrd":
		cmd = exec.Command("sh", "-c", "distri initrd -release "+pv.Upstream+" -output "+initramfs)
	default:
		return fmt.Errorf("unknown initramfs generator %v", initramfsGenerator)
	}
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	log.Printf("hook/linux: running %v", cmd.Args)
	if c.HookDryRun != nil {
		fmt.Fprintf(c.HookDryRun, "%v\n", cmd.Args)
		return nil
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %v", cmd.Args, err)
	}
	return nil
}

func (c *Installer) runUpdateGrub() error {
	cmd := exec.Command("/etc/update-grub")
	log.Printf("hook/linux: running %v", cmd.Args)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if c.HookDryRun != nil {
		fmt.Fprintf(c.HookDryRun, "%v\n", cmd.Args)
		return nil
	}
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%v: %w", cmd.Args, err)
	}
	return nil
}

func (c *Installer) registerLifecycleHooks(rd *squashfs.Reader) error {
	if _, err := rd.LookupPath("out/lib/sysusers.d"); err == nil {
		root := c.Root
		distri.RegisterAtExit(func() error {
			path, err := exec.LookPath("systemd-sysusers")
			if err != nil {
				log.Printf("systemd-sysusers not found, not creating users")
				return nil
			}
			cmd := exec.Command(path, "--root="+root)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				return xerrors.Errorf("%v: %v", cmd.Args, err)
			}
			return nil
		})
	}

	if _, err := rd.LookupPath("out/lib/tmpfiles.d"); err == nil {
		root := c.Root
		distri.RegisterAtExit(func() error {
			path, err := exec.LookPath("systemd-tmpfiles")
			if err != nil {
				log.Printf("systemd-tmpfiles not found, not creating tmpfiles")
				return nil
			}
			cmd := exec.Command(path, "--create", "--root="+root)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				return xerrors.Errorf("%v: %v", cmd.Args, err)
			}
			return nil
		})
	}
	return nil
}

// Link runs the symlink-farm step (symlinkfarm.go) for the
// directories distri packages conventionally export: bin and the
// systemd unit directory.
func (c *Installer) Link(ctx context.Context, spec collab.PackageSpec, dir collab.InstallDir) error {
	for _, d := range []string{"bin", "lib/systemd/system"} {
		if err := symlinkfarm(c.Root, spec.Name, d); err != nil {
			return err
		}
	}
	return nil
}

// CaskInstalled probes root/opt/<token> for a previous cask unpack.
func (c *Installer) CaskInstalled(ctx context.Context, token string) (bool, error) {
	_, err := os.Stat(filepath.Join(c.Root, "opt", token))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// InstallCask extracts the cpio bundle staged by Fetcher.DownloadCask
// into root/opt/<token>.
func (c *Installer) InstallCask(ctx context.Context, cask collab.CaskMeta, path collab.LocalPath) error {
	dest := filepath.Join(c.Root, "opt", cask.Token)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	if err := extractCpio(string(path), dest); err != nil {
		return err
	}
	return os.Remove(string(path))
}
