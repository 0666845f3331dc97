// Scribe is an audio transcription service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package artifact manages the on-disk layout under the data
// directory: chunk staging for in-progress uploads, assembled audio
// inputs, and transcript outputs.
//
//	staging/<session_id>/<index>.part
//	artifacts/in/<job_id>
//	artifacts/out/<job_id>.json
//
// Staged chunks are soft state; inputs and outputs are durable until
// their job is garbage collected.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store resolves and manipulates artifact paths under one root.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the layout under root and returns the store.
func NewStore(logger *slog.Logger, root string) (*Store, error) {
	s := &Store{root: root, logger: logger}
	for _, dir := range []string{s.stagingRoot(), s.inputRoot(), s.outputRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return s, nil
}

func (s *Store) stagingRoot() string { return filepath.Join(s.root, "staging") }
func (s *Store) inputRoot() string   { return filepath.Join(s.root, "artifacts", "in") }
func (s *Store) outputRoot() string  { return filepath.Join(s.root, "artifacts", "out") }

// ChunkPath returns the staging path for one chunk of a session.
func (s *Store) ChunkPath(sessionID string, index int) string {
	return filepath.Join(s.stagingRoot(), sessionID, fmt.Sprintf("%06d.part", index))
}

// InputPath returns the assembled audio path for a job.
func (s *Store) InputPath(jobID string) string {
	return filepath.Join(s.inputRoot(), jobID)
}

// OutputPath returns the transcript path for a job.
func (s *Store) OutputPath(jobID string) string {
	return filepath.Join(s.outputRoot(), jobID+".json")
}

// ResolveInput validates a caller-supplied input reference and returns
// its absolute path. Refs are accepted relative to the data root
// ("artifacts/in/<name>") or absolute, but must land inside the input
// root; anything escaping it is rejected.
func (s *Store) ResolveInput(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty input ref")
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, ref)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(s.inputRoot(), path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("input ref %q escapes the input root", ref)
	}
	return path, nil
}

// WriteChunk stages one chunk, replacing any previous bytes at that
// index, and returns the byte count and SHA-256 of what was written.
// The write goes through a temp file and rename so a crashed upload
// never leaves a torn chunk behind.
func (s *Store) WriteChunk(sessionID string, index int, r io.Reader) (int64, string, error) {
	dst := s.ChunkPath(sessionID, index)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", fmt.Errorf("create session staging dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".chunk-*")
	if err != nil {
		return 0, "", fmt.Errorf("create chunk temp: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return 0, "", fmt.Errorf("write chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, "", fmt.Errorf("sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, "", fmt.Errorf("publish chunk: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// ChunkDigest returns the size and SHA-256 of a staged chunk, or
// os.ErrNotExist if the chunk bytes are gone.
func (s *Store) ChunkDigest(sessionID string, index int) (int64, string, error) {
	f, err := os.Open(s.ChunkPath(sessionID, index))
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("digest chunk: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Assemble concatenates a session's staged chunks, in index order,
// into the job's input artifact and returns its path. The output
// appears atomically via temp file and rename.
func (s *Store) Assemble(sessionID string, chunkCount int, jobID string) (string, error) {
	dst := s.InputPath(jobID)
	tmp, err := os.CreateTemp(s.inputRoot(), ".assemble-*")
	if err != nil {
		return "", fmt.Errorf("create assembly temp: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	for i := 0; i < chunkCount; i++ {
		src, err := os.Open(s.ChunkPath(sessionID, i))
		if err != nil {
			return "", fmt.Errorf("open chunk %d: %w", i, err)
		}
		_, err = io.Copy(tmp, src)
		src.Close()
		if err != nil {
			return "", fmt.Errorf("append chunk %d: %w", i, err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync assembly: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close assembly: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("publish assembly: %w", err)
	}
	return dst, nil
}

// ReadHead returns up to n leading bytes of a file. Used for format
// sniffing on sealed uploads.
func (s *Store) ReadHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:read], nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// RemoveStaging deletes a session's staging directory and everything
// in it. Missing directories are fine.
func (s *Store) RemoveStaging(sessionID string) error {
	if err := os.RemoveAll(filepath.Join(s.stagingRoot(), sessionID)); err != nil {
		return fmt.Errorf("remove staging: %w", err)
	}
	return nil
}

// RemoveInput deletes a job's input artifact. Missing files are fine.
func (s *Store) RemoveInput(jobID string) error {
	if err := os.Remove(s.InputPath(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove input: %w", err)
	}
	return nil
}

// OpenOutput opens a job's transcript for streaming to a client.
func (s *Store) OpenOutput(jobID string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(s.OutputPath(jobID))
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// OutputExists reports whether a job's transcript is on disk.
func (s *Store) OutputExists(jobID string) bool {
	_, err := os.Stat(s.OutputPath(jobID))
	return err == nil
}
