// Package qemuimg probes image files via the qemu-img binary, per
// spec §6 ("qemu-img info --output json is used to probe format and
// measure required space"). qemu-img itself is an opaque binary; this
// package only shells out to it and parses its JSON output.
package qemuimg

import (
	"encoding/json"
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// ImageInfo is the subset of `qemu-img info --output json` this module
// needs: format and virtual size.
type ImageInfo struct {
	Format string `json:"format"`
	Size   uint64 `json:"virtual-size"`
}

// Info runs `qemu-img info --output json <filename>` and parses the
// result.
func Info(filename string) (*ImageInfo, error) {
	out, err := run("qemu-img", "info", "--output", "json", filename)
	if err != nil {
		return nil, err
	}

	var info ImageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("qemuimg: parsing info for %s: %w", filename, err)
	}
	return &info, nil
}

func run(name string, arg ...string) ([]byte, error) {
	cmd := exec.Command(name, arg...)
	stdout, err := cmd.Output()
	if err != nil {
		var stderr []byte
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = ee.Stderr
		}
		log.WithFields(log.Fields{
			"command": cmd.Args,
			"stderr":  string(stderr),
		}).Error("❌ qemu-img command failed")
		return stdout, fmt.Errorf("command %v failed: %w: %s", cmd.Args, err, stderr)
	}
	return stdout, nil
}
