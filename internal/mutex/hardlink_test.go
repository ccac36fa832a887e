// Copyright 2026 The TiraStore Authors
// This file is part of TiraStore.
//
// TiraStore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// TiraStore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with TiraStore. If not, see <http://www.gnu.org/licenses/>.

package mutex

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "db.lock"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
	_, err := os.Stat(l.Path)
	require.NoError(t, err)

	l.Release()
	_, err = os.Stat(l.Path)
	require.True(t, os.IsNotExist(err))
}

func TestMutualExclusionAmongConcurrentAcquirers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.lock")

	const n = 12
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(path, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			l.Release()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxActive, "at most one goroutine may hold the mutex at a time")
}

func TestStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.lock")
	require.NoError(t, os.WriteFile(path, []byte("abandoned"), 0o666))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	l := New(path, nil)
	l.StaleTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
	defer l.Release()

	_, err := os.Stat(path)
	require.NoError(t, err, "lock should be held after reclamation")
}

func TestAcquireRespectsDeadline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.lock")
	holder := New(path, nil)
	ctx := context.Background()
	require.NoError(t, holder.Acquire(ctx))
	defer holder.Release()

	contender := New(path, nil)
	contender.StaleTimeout = time.Hour // ensure no reclamation kicks in
	shortCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := contender.Acquire(shortCtx)
	require.Error(t, err)
}
