package file

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/opd-ai/lanxfer/limits"
)

// partialExt is the suffix of files still being received.
const partialExt = ".lxpart"

// ValidatePath checks a wire path and returns its cleaned form. Wire paths
// are relative, slash separated, and may not climb out of the directory
// they are resolved against.
func ValidatePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidManifest)
	}
	if len(p) > limits.MaxPathLength {
		return "", fmt.Errorf("%w: path is %d bytes, limit %d", ErrInvalidManifest, len(p), limits.MaxPathLength)
	}
	if !utf8.ValidString(p) || strings.ContainsRune(p, 0) || strings.Contains(p, `\`) {
		return "", fmt.Errorf("%w: path contains invalid characters", ErrInvalidManifest)
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrDirectoryTraversal, p)
	}

	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, p)
		}
	}

	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("%w: path names no file", ErrInvalidManifest)
	}
	if n := strings.Count(cleaned, "/") + 1; n > limits.MaxPathComponents {
		return "", fmt.Errorf("%w: path has %d components, limit %d", ErrInvalidManifest, n, limits.MaxPathComponents)
	}
	return cleaned, nil
}

// Resolve validates p and joins it under root.
func Resolve(root, p string) (string, error) {
	cleaned, err := ValidatePath(p)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %q", ErrDirectoryTraversal, p, root)
	}
	return full, nil
}

// PartialPath names the file a receive writes into before the final rename:
// .<base>.<hash16hex>.lxpart beside dest.
func PartialPath(dest string, fileHash uint64) string {
	dir, base := filepath.Split(dest)
	return filepath.Join(dir, fmt.Sprintf(".%s.%016x%s", base, fileHash, partialExt))
}
