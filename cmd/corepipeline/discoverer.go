package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/poigraph/corepipeline/pkg/collab"
)

// skipDirs are directory names fsDiscoverer never descends into.
var skipDirs = map[string]bool{
	".git": true, "vendor": true, "node_modules": true, ".idea": true, ".vscode": true,
}

// sourceExtensions is the minimal set of extensions fsDiscoverer treats as
// code; everything else is skipped. Non-goal: no language-specific
// discovery heuristics beyond this fixed list.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true, ".rb": true, ".rs": true,
}

// fsDiscoverer implements collab.Discoverer by walking the local
// filesystem rooted at the path passed to Walk.
type fsDiscoverer struct{}

func newFSDiscoverer() *fsDiscoverer { return &fsDiscoverer{} }

func (d *fsDiscoverer) Walk(ctx context.Context, root string) (<-chan collab.DiscoveredFile, <-chan error) {
	files := make(chan collab.DiscoveredFile)
	errs := make(chan error, 1)

	go func() {
		defer close(files)
		defer close(errs)

		err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() {
				if skipDirs[entry.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}

			hash, err := hashFile(path)
			if err != nil {
				return err
			}

			select {
			case files <- collab.DiscoveredFile{Path: path, Hash: hash}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
		}
	}()

	return files, errs
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
