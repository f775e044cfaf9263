// Package testutil provides test helpers for QCOW testing against qemu.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// QemuResult holds the result of a QEMU command.
type QemuResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// IsSuccess returns true if the command succeeded (exit code 0).
func (r QemuResult) IsSuccess() bool {
	return r.ExitCode == 0
}

// QemuInfoResult holds parsed output from qemu-img info.
type QemuInfoResult struct {
	QemuResult
	VirtualSize     int64  `json:"virtual-size"`
	Filename        string `json:"filename"`
	ClusterSize     int    `json:"cluster-size"`
	Format          string `json:"format"`
	Encrypted       bool   `json:"encrypted"`
	BackingFilename string `json:"backing-filename"`
}

// RequireQemu skips the test if qemu-img is not available.
func RequireQemu(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("qemu-img not available, skipping QEMU interop test")
	}
}

// RequireQemuIO skips the test if qemu-io is not available.
func RequireQemuIO(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("qemu-io"); err != nil {
		t.Skip("qemu-io not available, skipping QEMU I/O test")
	}
}

// RunQemuImg runs a qemu-img command and returns the result.
func RunQemuImg(t *testing.T, args ...string) QemuResult {
	t.Helper()
	return runCommand(t, "qemu-img", args...)
}

// RunQemuIO runs a qemu-io command and returns the result.
func RunQemuIO(t *testing.T, args ...string) QemuResult {
	t.Helper()
	return runCommand(t, "qemu-io", args...)
}

func runCommand(t *testing.T, name string, args ...string) QemuResult {
	t.Helper()

	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := QemuResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			t.Logf("%s error: %v", name, err)
			result.ExitCode = -1
		}
	}

	return result
}

// QemuInfo runs qemu-img info on an image file.
func QemuInfo(t *testing.T, path string) QemuInfoResult {
	t.Helper()
	RequireQemu(t)

	result := RunQemuImg(t, "info", "--output=json", path)

	infoResult := QemuInfoResult{
		QemuResult: result,
	}

	if result.Stdout != "" {
		if err := json.Unmarshal([]byte(result.Stdout), &infoResult); err != nil {
			t.Logf("Failed to parse qemu-img info JSON: %v", err)
		}
	}

	return infoResult
}

// QemuCreate creates a QCOW (version 1) image using qemu-img.
func QemuCreate(t *testing.T, path string, size string, opts ...string) {
	t.Helper()
	RequireQemu(t)

	args := []string{"create", "-f", "qcow"}
	args = append(args, opts...)
	args = append(args, path, size)

	result := RunQemuImg(t, args...)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-img create failed: %s", result.Stderr)
	}
}

// QemuWrite writes a pattern to an image using qemu-io.
func QemuWrite(t *testing.T, path string, pattern byte, offset, length int64) {
	t.Helper()
	RequireQemuIO(t)

	cmd := fmt.Sprintf("write -P 0x%02x %d %d", pattern, offset, length)
	result := RunQemuIO(t, "-f", "qcow", "-c", cmd, path)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-io write failed: %s", result.Stderr)
	}
}

// QemuRead reads and verifies a pattern from an image using qemu-io.
// Returns true if pattern matches, false otherwise.
func QemuRead(t *testing.T, path string, pattern byte, offset, length int64) bool {
	t.Helper()
	RequireQemuIO(t)

	cmd := fmt.Sprintf("read -P 0x%02x %d %d", pattern, offset, length)
	result := RunQemuIO(t, "-f", "qcow", "-c", cmd, path)
	if result.ExitCode != 0 {
		return false
	}
	// qemu-io reports a mismatch on stdout but still exits 0
	return !strings.Contains(result.Stdout, "Pattern verification failed")
}

// QemuConvert converts an image to QCOW, optionally compressing every
// cluster.
func QemuConvert(t *testing.T, srcPath, srcFormat, dstPath string, compress bool) {
	t.Helper()
	RequireQemu(t)

	args := []string{"convert", "-f", srcFormat, "-O", "qcow"}
	if compress {
		args = append(args, "-c")
	}
	args = append(args, srcPath, dstPath)

	result := RunQemuImg(t, args...)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-img convert failed: %s", result.Stderr)
	}
}

// QemuVersion returns the QEMU version string.
func QemuVersion(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("qemu-img"); err != nil {
		return ""
	}

	result := RunQemuImg(t, "--version")
	if result.ExitCode != 0 {
		return ""
	}

	// Parse "qemu-img version X.Y.Z"
	lines := strings.Split(result.Stdout, "\n")
	if len(lines) > 0 {
		return lines[0]
	}
	return ""
}

// RandomBytes generates deterministic random bytes from a seed.
func RandomBytes(seed int64, size int) []byte {
	data := make([]byte, size)
	// Simple LCG for reproducible "random" data
	state := uint64(seed)
	for i := range data {
		state = state*6364136223846793005 + 1442695040888963407
		data[i] = byte(state >> 56)
	}
	return data
}

// TempImage creates a temporary file path for an image.
func TempImage(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

// WriteRaw writes data to a new raw image file.
func WriteRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write raw image %s: %v", path, err)
	}
}
