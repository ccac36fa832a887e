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

package tirastore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleProgram = `#include <stdio.h>
// a comment
int main() {
	/* block */
	return 0;
}
`

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithCPUProfile("test-cpu", "4")}, opts...)
	cfg := NewConfig(dir, opts...)
	s, err := Open(cfg)
	require.NoError(t, err)
	return s
}

func TestPutThenLookupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, PutRequest{
		ProgramSource: sampleProgram,
		ProgramName:   "matmul",
		Schedule:      "S(0,1,2,3)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1.23, 4.56}},
		Hostname:      "node01",
		Username:      "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Key)

	got, err := s.Lookup(ctx, rec.Key)
	require.NoError(t, err)
	require.Equal(t, rec.Result, got.Result)
	require.Equal(t, "S(0,1,2,3)", got.Schedule)
}

func TestPutIsContentAddressed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "S(0,1,2,3)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	}
	rec1, err := s.Put(ctx, req)
	require.NoError(t, err)

	// An irrelevant whitespace/comment change to the same program must not
	// change the derived key.
	req.ProgramSource = "  // trivial\n" + sampleProgram + "\n"
	rec2, err := s.Put(ctx, req)
	require.NoError(t, err)
	require.Equal(t, rec1.Key, rec2.Key)

	n, err := s.ProgramCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestLookupMissingKeyReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Lookup(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000")
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, KindNotFound, te.Kind)
}

func TestPutRejectsInvalidSchedule(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(context.Background(), PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "X(1)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	})
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, KindInvalidArgument, te.Kind)
}

func TestPutRejectsIllegalScheduleWithExecutionTimes(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(context.Background(), PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "S(0,1,2,3)",
		Result:        Result{IsLegal: false, ExecutionTimes: []float64{1}},
	})
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, KindInvalidArgument, te.Kind)
}

func TestCPUMismatchBlocksWritesUnlessAllowed(t *testing.T) {
	dir := t.TempDir()
	creator, err := Open(NewConfig(dir, WithCPUProfile("cpu-a", "4")))
	require.NoError(t, err)
	_, err = creator.Put(context.Background(), PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "S(0,1,2,3)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	})
	require.NoError(t, err)

	mismatched, err := Open(NewConfig(dir, WithCPUProfile("cpu-b", "4")))
	require.NoError(t, err)
	_, err = mismatched.Put(context.Background(), PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "I(1,2)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	})
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, KindReadOnlyConnection, te.Kind)

	overridden, err := Open(NewConfig(dir, WithCPUProfile("cpu-b", "4"), WithAllowCPUMismatch(true)))
	require.NoError(t, err)
	_, err = overridden.Put(context.Background(), PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "I(1,2)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	})
	require.NoError(t, err)
}

func TestDeleteThenLookupNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec, err := s.Put(ctx, PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "R(L0)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	})
	require.NoError(t, err)

	removed, err := s.Delete(ctx, rec.Key)
	require.NoError(t, err)
	require.True(t, removed)

	_, err = s.Lookup(ctx, rec.Key)
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, KindNotFound, te.Kind)
}

func TestRecordWithoutOverwriteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req := PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "R(L0)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	}

	first, wrote, err := s.Record(ctx, req)
	require.NoError(t, err)
	require.True(t, wrote)

	req.Result = Result{IsLegal: true, ExecutionTimes: []float64{2}}
	second, wrote, err := s.Record(ctx, req)
	require.NoError(t, err)
	require.False(t, wrote, "a second record() without overwrite must leave the row untouched")
	require.Equal(t, first.Result, second.Result)

	got, err := s.Lookup(ctx, first.Key)
	require.NoError(t, err)
	require.Equal(t, []float64{1}, got.Result.ExecutionTimes)
}

func TestRecordWithOverwriteUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req := PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "R(L0)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	}

	first, wrote, err := s.Record(ctx, req)
	require.NoError(t, err)
	require.True(t, wrote)

	req.Result = Result{IsLegal: true, ExecutionTimes: []float64{2}}
	req.Overwrite = true
	second, wrote, err := s.Record(ctx, req)
	require.NoError(t, err)
	require.True(t, wrote)

	require.Equal(t, first.CreationDate, second.CreationDate)
	require.False(t, second.UpdateDate.Before(first.UpdateDate))

	got, err := s.Lookup(ctx, first.Key)
	require.NoError(t, err)
	require.Equal(t, []float64{2}, got.Result.ExecutionTimes)
}

func TestOpenCreatesSharedDirWithStickyMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits only")
	}
	dir := filepath.Join(t.TempDir(), "nested", "shared")
	s, err := Open(NewConfig(dir, WithCPUProfile("test-cpu", "4")))
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.ModeSticky|os.FileMode(0o777), info.Mode()&(os.ModeSticky|os.ModePerm))

	_, err = s.Put(context.Background(), PutRequest{
		ProgramSource: sampleProgram,
		Schedule:      "U(1,2)",
		Result:        Result{IsLegal: true, ExecutionTimes: []float64{1}},
	})
	require.NoError(t, err)

	dbInfo, err := os.Stat(filepath.Join(dir, defaultDBFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o666), dbInfo.Mode().Perm())
}

func TestConcurrentPutsFromMultipleStoresSerialize(t *testing.T) {
	dir := t.TempDir()
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := Open(NewConfig(dir, WithCPUProfile("test-cpu", "4")))
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = s.Put(context.Background(), PutRequest{
				ProgramSource: sampleProgram,
				Schedule:      "P(1)",
				Result:        Result{IsLegal: true, ExecutionTimes: []float64{float64(i)}},
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	s, err := Open(NewConfig(dir, WithCPUProfile("test-cpu", "4")))
	require.NoError(t, err)
	n64, err := s.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n64, "all writers target the same derived key")
}
