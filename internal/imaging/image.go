package imaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoBaseImage is returned by PrepareCommand when no base image is set.
var ErrNoBaseImage = errors.New("no base image configured")

// PrepareCommand returns the command that turns baseImage into imagePath.
// A cheap copy is a qcow2 overlay backed by the base image; otherwise the
// base image is copied in full.
func PrepareCommand(baseImage, imagePath string, cheapCopy bool) ([]string, error) {
	if baseImage == "" {
		return nil, ErrNoBaseImage
	}
	if imagePath == "" {
		return nil, errors.New("image path is required")
	}
	if cheapCopy {
		return []string{"qemu-img", "create", "-b", baseImage, "-f", "qcow2", imagePath}, nil
	}
	return []string{"cp", baseImage, imagePath}, nil
}

// PrepareBaseImage materializes imagePath from baseImage with runner. It
// does nothing when baseImage is empty. Failures are returned as
// *ToolError and are not retried.
func PrepareBaseImage(ctx context.Context, runner Runner, baseImage, imagePath string, cheapCopy bool) error {
	argv, err := PrepareCommand(baseImage, imagePath, cheapCopy)
	if errors.Is(err, ErrNoBaseImage) {
		return nil
	}
	if err != nil {
		return err
	}
	if runner == nil {
		return errors.New("no command runner configured")
	}

	if err := runner.Run(ctx, argv[0], argv[1:]...); err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return err
		}
		return &ToolError{Command: argv, ExitCode: -1, Err: err}
	}
	return nil
}

// RemoveImage deletes a disposable image. A missing file is not an error.
func RemoveImage(imagePath string) error {
	if imagePath == "" {
		return nil
	}
	if err := os.Remove(filepath.Clean(imagePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove image %q: %w", imagePath, err)
	}
	return nil
}
