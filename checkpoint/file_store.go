/*
Copyright © 2020 Evhub Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package checkpoint stores consumer checkpoints as JSON files,
// one file per partition.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"evhub/core"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type FileStore struct {
	Dir       string
	mu        sync.Mutex
	now       func() time.Time
	syncFile  func(*os.File) error
	logFields log.Fields
}

// path is <dir>/<namespace>/<entity>/<group>/<partition>.json with
// every segment escaped.
func (s *FileStore) path(key core.CheckpointKey) string {
	return filepath.Join(
		s.Dir,
		url.PathEscape(key.Namespace),
		url.PathEscape(key.EntityPath),
		url.PathEscape(key.ConsumerGroup),
		url.PathEscape(key.PartitionID)+".json",
	)
}

func (s *FileStore) GetCheckpoint(ctx context.Context, key core.CheckpointKey) (*core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(key)
}

func (s *FileStore) read(key core.CheckpointKey) (*core.Checkpoint, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, core.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrapf(err, "corrupt checkpoint file %s", s.path(key))
	}
	return &cp, nil
}

// SetCheckpoint replaces the file atomically. Writing an offset
// lower than the stored one fails with core.ErrStaleCheckpoint.
func (s *FileStore) SetCheckpoint(ctx context.Context, checkpoint core.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(checkpoint.CheckpointKey)
	if err != nil && !errors.Is(err, core.ErrCheckpointNotFound) {
		return err
	}
	if current != nil && current.Offset > checkpoint.Offset {
		return errors.Wrapf(core.ErrStaleCheckpoint, "partition %s offset %d, stored %d", checkpoint.PartitionID, checkpoint.Offset, current.Offset)
	}
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = s.now()
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}

	path := s.path(checkpoint.CheckpointKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	if err := s.replace(path, data); err != nil {
		return err
	}

	log.WithFields(s.logFields).WithFields(log.Fields{"partition": checkpoint.PartitionID, "offset": checkpoint.Offset}).Debug("checkpoint stored")
	return nil
}

// replace syncs the new content before renaming it over path and
// syncs the directory after, so a stored checkpoint survives a
// power failure.
func (s *FileStore) replace(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = s.syncFile(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "write %s", tmp)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.WithStack(err)
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return errors.WithStack(err)
	}
	defer dir.Close()
	return errors.WithStack(s.syncFile(dir))
}

// NewFileStore expands a leading ~ in dir.
func NewFileStore(dir string) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, core.ConfigError("checkpoint_dir", err)
	}
	return &FileStore{
		Dir:       expanded,
		now:       time.Now,
		syncFile:  (*os.File).Sync,
		logFields: log.Fields{"module": "file_checkpoint_store", "dir": expanded},
	}, nil
}
