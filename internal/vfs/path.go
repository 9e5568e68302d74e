package vfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/chunkdrive/chunkdrive/internal/errs"
)

// Clean normalizes p to an absolute slash-separated path. A missing leading
// slash is added. Empty paths, NUL bytes and "." or ".." segments are
// rejected with errs.ErrInvalidPath.
func Clean(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", errs.ErrInvalidPath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", errs.ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q contains relative segment", errs.ErrInvalidPath, p)
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}

// cleanFile is Clean for paths that name a file, which excludes the root.
func cleanFile(p string) (string, error) {
	c, err := Clean(p)
	if err != nil {
		return "", err
	}
	if c == "/" {
		return "", fmt.Errorf("%w: root is not a file", errs.ErrInvalidPath)
	}
	return c, nil
}

// parents returns every ancestor directory of p, excluding the root.
func parents(p string) []string {
	var out []string
	for d := path.Dir(p); d != "/"; d = path.Dir(d) {
		out = append(out, d)
	}
	return out
}

// within reports whether p is dir itself or below it.
func within(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// child returns the name of the immediate child of dir on the way to p, and
// whether p is that child itself.
func child(dir, p string) (name string, direct bool) {
	rest := strings.TrimPrefix(p, dir)
	rest = strings.TrimPrefix(rest, "/")
	name, _, more := strings.Cut(rest, "/")
	return name, !more
}
