package fsutil

import (
	"errors"
	"io/fs"
	"testing"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fsys := OSFileSystem{}

	if !fsys.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}
	if fsys.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_ReadFile(t *testing.T) {
	data, err := OSFileSystem{}.ReadFile("filesystem.go")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty file content")
	}
}

func TestMemoryFileSystem_DeviceNode(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if mfs.Exists("/dev/ttyUSB0") {
		t.Fatal("node should not exist before Touch")
	}
	mfs.Touch("/dev/ttyUSB0")
	if !mfs.Exists("/dev//ttyUSB0") {
		t.Error("expected cleaned path to exist after Touch")
	}
	mfs.Remove("/dev/ttyUSB0")
	if mfs.Exists("/dev/ttyUSB0") {
		t.Error("expected node to be gone after Remove")
	}
}

func TestMemoryFileSystem_ReadFile(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/etc/aimlink.json", []byte(`{"variant":"hero"}`))

	data, err := mfs.ReadFile("/etc/aimlink.json")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"variant":"hero"}` {
		t.Errorf("got %q", data)
	}

	_, err = mfs.ReadFile("/missing")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_MkdirAll(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.MkdirAll("/var/lib/aimlink", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, dir := range []string{"/var", "/var/lib", "/var/lib/aimlink"} {
		info, err := mfs.Stat(dir)
		if err != nil {
			t.Fatalf("Stat(%s) failed: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", dir)
		}
	}
}
