package preflight

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckSysfs(t *testing.T) {
	if err := CheckSysfs(t.TempDir()); err != nil {
		t.Errorf("CheckSysfs on a directory = %v, want nil", err)
	}

	file := filepath.Join(t.TempDir(), "block")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	if err := CheckSysfs(file); err == nil {
		t.Error("CheckSysfs on a regular file succeeded")
	}

	if err := CheckSysfs(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("CheckSysfs on a missing path succeeded")
	}
}

func TestKernelVersion(t *testing.T) {
	version, err := KernelVersion()
	if err != nil {
		t.Fatalf("KernelVersion failed: %v", err)
	}
	if version == "" {
		t.Error("KernelVersion returned an empty string")
	}
}
