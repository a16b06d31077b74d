package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SwapPackage replaces the package directory at dst with the staged
// directory. The old package is moved aside before the staged one is
// renamed into place, and restored if the rename fails, so dst never
// ends up half-replaced.
func SwapPackage(dst, staged string) error {
	if _, err := os.Stat(staged); err != nil {
		return fmt.Errorf("staged package: %w", err)
	}

	backup := dst + ".old"
	hadOld := false
	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, backup); err != nil {
			return fmt.Errorf("move old package aside: %w", err)
		}
		hadOld = true
	}

	if err := os.Rename(staged, dst); err != nil {
		if hadOld {
			os.Rename(backup, dst) //nolint:errcheck
		}
		return fmt.Errorf("swap package: %w", err)
	}

	if hadOld {
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("remove old package: %w", err)
		}
	}
	return nil
}

// StageBundle copies a plugin bundle into a staging directory beside
// dst, ready for SwapPackage. The caller removes the returned directory
// on failure.
func StageBundle(dst, src string) (string, error) {
	staged, err := os.MkdirTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return "", err
	}
	if err := copyTree(staged, src); err != nil {
		os.RemoveAll(staged)
		return "", err
	}
	return staged, nil
}

// InstallBundle copies src into place at dst atomically.
func InstallBundle(dst, src string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	staged, err := StageBundle(dst, src)
	if err != nil {
		return fmt.Errorf("stage bundle: %w", err)
	}
	if err := SwapPackage(dst, staged); err != nil {
		os.RemoveAll(staged)
		return err
	}
	return nil
}

func copyTree(dst, src string) error {
	return filepath.WalkDir(src, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if de.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(target, path)
	})
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
