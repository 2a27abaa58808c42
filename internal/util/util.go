// Package util holds small shared helpers with no project dependencies.
package util

import (
	"errors"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ResolvePath joins base and rel, except that an absolute rel wins outright.
// filepath.Join("a", "/b") would return "a/b"; this returns "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// OpenURL opens a URL in the system's default browser.
func OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return errors.New("unsupported platform")
	}
	return cmd.Start()
}
