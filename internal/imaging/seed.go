package imaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// SeedFileName is the file the guest reads its worker credentials from.
const SeedFileName = "worker.json"

// Seed is the worker identity handed to the guest on first boot.
type Seed struct {
	Name              string `json:"name"`
	Password          string `json:"password"`
	Master            string `json:"master,omitempty"`
	KeepaliveInterval int    `json:"keepalive"`
}

// WriteSeedImage writes an ISO9660 image at path holding seed as
// worker.json. An existing file at path is replaced.
func WriteSeedImage(path string, seed Seed) error {
	if path == "" {
		return errors.New("seed image path is required")
	}
	if seed.Name == "" {
		return errors.New("seed worker name is required")
	}

	payload, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return fmt.Errorf("encode seed: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(bytes.NewReader(payload), SeedFileName); err != nil {
		return fmt.Errorf("stage %s: %w", SeedFileName, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure seed directory: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create seed image: %w", err)
	}
	if err := writer.WriteTo(out, VolumeLabel(seed.Name)); err != nil {
		out.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// VolumeLabel derives an ISO9660 volume identifier from parts: upper case
// letters, digits and underscores, at most 32 characters.
func VolumeLabel(parts ...string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range strings.Join(parts, "_") {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "WORKER"
	}
	return b.String()
}
