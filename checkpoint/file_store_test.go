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

package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"evhub/core"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

var testKey = core.CheckpointKey{Namespace: "ns", EntityPath: "orders", ConsumerGroup: "$Default", PartitionID: "0"}

func TestFileStoreNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCheckpoint(context.Background(), testKey)

	assert.True(t, errors.Is(err, core.ErrCheckpointNotFound))
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: 5, SequenceNumber: 5}))
	cp, err := s.GetCheckpoint(ctx, testKey)

	require.NoError(t, err)
	assert.Equal(t, testKey, cp.CheckpointKey)
	assert.Equal(t, int64(5), cp.Offset)
	assert.False(t, cp.UpdatedAt.IsZero())

	_, err = os.Stat(filepath.Join(s.Dir, "ns", "orders", "$Default", "0.json"))
	assert.NoError(t, err)
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.SetCheckpoint(context.Background(), core.Checkpoint{CheckpointKey: testKey, Offset: 9}))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	cp, err := second.GetCheckpoint(context.Background(), testKey)

	require.NoError(t, err)
	assert.Equal(t, int64(9), cp.Offset)
}

func TestFileStoreRejectsStaleCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: 10}))
	err := s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: 3})

	assert.True(t, errors.Is(err, core.ErrStaleCheckpoint))
	cp, _ := s.GetCheckpoint(ctx, testKey)
	assert.Equal(t, int64(10), cp.Offset)
}

func TestFileStoreKeepsPartitionsApart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	other := testKey
	other.PartitionID = "1"

	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: 1}))
	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: other, Offset: 7}))

	a, _ := s.GetCheckpoint(ctx, testKey)
	b, _ := s.GetCheckpoint(ctx, other)
	assert.Equal(t, int64(1), a.Offset)
	assert.Equal(t, int64(7), b.Offset)
}

func TestFileStoreEscapesKeySegments(t *testing.T) {
	s := newTestStore(t)
	key := testKey
	key.EntityPath = "../escape"

	require.NoError(t, s.SetCheckpoint(context.Background(), core.Checkpoint{CheckpointKey: key, Offset: 1}))

	rel, err := filepath.Rel(s.Dir, s.path(key))
	require.NoError(t, err)
	assert.NotContains(t, filepath.ToSlash(rel), "../")
}

func TestFileStoreConcurrentWritesAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := int64(0); i < 20; i++ {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: offset})
		}(i)
	}
	wg.Wait()

	cp, err := s.GetCheckpoint(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(19), cp.Offset)
}

func TestFileStoreCorruptFile(t *testing.T) {
	s := newTestStore(t)
	path := s.path(testKey)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := s.GetCheckpoint(context.Background(), testKey)

	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrCheckpointNotFound))
}

func TestFileStoreSyncsBeforeReplacing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	synced := []string{}
	s.syncFile = func(f *os.File) error {
		synced = append(synced, filepath.Base(f.Name()))
		return nil
	}

	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: 2}))

	require.Len(t, synced, 2)
	assert.True(t, strings.HasSuffix(synced[0], ".tmp"))
	assert.Equal(t, "$Default", synced[1])
}

func TestFileStoreKeepsCheckpointWhenSyncFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: 2}))
	s.syncFile = func(f *os.File) error {
		return errors.New("disk full")
	}

	assert.Error(t, s.SetCheckpoint(ctx, core.Checkpoint{CheckpointKey: testKey, Offset: 3}))

	cp, err := s.GetCheckpoint(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Offset)
	entries, err := os.ReadDir(filepath.Dir(s.path(testKey)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
