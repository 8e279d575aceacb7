package gitrepo

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"sort"
)

// Snapshot renders a commit's tree as a tar archive, paths in sorted order.
func (s *Service) Snapshot(project, commitHash string) ([]byte, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return nil, err
	}
	commit, err := commitObject(repo, commitHash)
	if err != nil {
		return nil, err
	}

	files, err := flattenTree(commit)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, path := range paths {
		file, err := commit.File(path)
		if err != nil {
			return nil, fmt.Errorf("load %s from %s: %w", path, commitHash, err)
		}
		reader, err := file.Reader()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		content, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		header := &tar.Header{
			Name:    path,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: commit.Committer.When,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", path, err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("write tar entry %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}
