package install

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/go-cpio"
)

// writeCpioFixture builds a small archive the same way cmd/distri/initrd.go
// does (directory entries, a regular file, a symlink), so extractCpio can be
// exercised against a realistic cask bundle.
func writeCpioFixture(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	wr := cpio.NewWriter(f)

	if err := wr.WriteHeader(&cpio.Header{
		Name: "bin/",
		Mode: cpio.ModeDir | 0755,
	}); err != nil {
		t.Fatal(err)
	}

	const payload = "#!/bin/sh\necho hi\n"
	if err := wr.WriteHeader(&cpio.Header{
		Name: "bin/hello",
		Mode: cpio.FileMode(0755),
		Size: int64(len(payload)),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := wr.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}

	const target = "hello"
	if err := wr.WriteHeader(&cpio.Header{
		Name: "bin/hello-link",
		Mode: cpio.ModeSymlink | 0644,
		Size: int64(len(target)),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := wr.Write([]byte(target)); err != nil {
		t.Fatal(err)
	}

	if err := wr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractCpio(t *testing.T) {
	dir, err := ioutil.TempDir("", "distritest-cpio")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	archive := filepath.Join(dir, "bundle.cpio")
	writeCpioFixture(t, archive)

	destDir := filepath.Join(dir, "extracted")
	if err := extractCpio(archive, destDir); err != nil {
		t.Fatal(err)
	}

	got, err := ioutil.ReadFile(filepath.Join(destDir, "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte("#!/bin/sh\necho hi\n"); !bytes.Equal(got, want) {
		t.Errorf("extracted file content = %q, want %q", got, want)
	}

	link, err := os.Readlink(filepath.Join(destDir, "bin", "hello-link"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "hello"; link != want {
		t.Errorf("symlink target = %q, want %q", link, want)
	}

	if fi, err := os.Stat(filepath.Join(destDir, "bin")); err != nil || !fi.IsDir() {
		t.Errorf("bin directory not created: %v", err)
	}
}
