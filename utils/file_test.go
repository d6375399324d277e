package utils

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exports", "statue.obj")

	test.That(t, WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "v 0 0 0\n")
		return err
	}), test.ShouldBeNil)
	//nolint:gosec
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "v 0 0 0\n")

	err = WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "partial")
		test.That(t, err, test.ShouldBeNil)
		return errors.New("encoder failed")
	})
	test.That(t, err, test.ShouldNotBeNil)
	//nolint:gosec
	data, err = os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "v 0 0 0\n")

	entries, err := os.ReadDir(filepath.Dir(path))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)
}

func TestDigestPath(t *testing.T) {
	dir := t.TempDir()
	test.That(t, os.WriteFile(filepath.Join(dir, "a.ply"), []byte("a"), 0o600), test.ShouldBeNil)
	test.That(t, os.MkdirAll(filepath.Join(dir, ".tmp-123"), 0o750), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, ".tmp-123", "junk"), []byte("junk"), 0o600), test.ShouldBeNil)

	first, err := DigestPath(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.RemoveAll(filepath.Join(dir, ".tmp-123")), test.ShouldBeNil)
	second, err := DigestPath(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldEqual, first)

	test.That(t, os.WriteFile(filepath.Join(dir, "a.ply"), []byte("b"), 0o600), test.ShouldBeNil)
	third, err := DigestPath(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, third, test.ShouldNotEqual, first)
}

func TestSafeJoinDir(t *testing.T) {
	_, err := SafeJoinDir("/work", "../etc")
	test.That(t, err, test.ShouldNotBeNil)
	p, err := SafeJoinDir("/work", "sparse")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, "/work/sparse")
}
