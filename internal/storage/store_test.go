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

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tirastore.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.InitIfAbsent(context.Background(), Meta{CPUModel: "test-cpu", SlurmCPUs: "4"})
	require.NoError(t, err)
	return s
}

func TestInitIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tirastore.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	first, err := s.InitIfAbsent(ctx, Meta{CPUModel: "amd64", SlurmCPUs: "8"})
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, first.SchemaVersion)

	second, err := s.InitIfAbsent(ctx, Meta{CPUModel: "different-cpu", SlurmCPUs: "1"})
	require.NoError(t, err)
	require.Equal(t, first, second, "InitIfAbsent must not overwrite an existing fingerprint")
}

func TestUpsertProgramDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	prog := Program{ProgramHash: "h1", ProgramName: "matmul", SourceCode: "int main(){}"}
	require.NoError(t, s.UpsertProgram(ctx, prog))
	require.NoError(t, s.UpsertProgram(ctx, prog)) // second call is a no-op

	n, err := s.ProgramCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestUpsertRecordThenLookup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertProgram(ctx, Program{ProgramHash: "h1", ProgramName: "p", SourceCode: "x"}))

	rec := Record{
		Key:         "k1",
		ProgramHash: "h1",
		Schedule:    "S(0,1,2,3)",
		Result:      Result{IsLegal: true, ExecutionTimes: []float64{1.1, 2.2}},
		Hostname:    "node01",
		Username:    "alice",
	}
	stored, wrote, err := s.UpsertRecord(ctx, rec, time.Now(), false)
	require.NoError(t, err)
	require.True(t, wrote)
	require.NotEmpty(t, stored.CreationDate)
	require.NotEmpty(t, stored.UpdateDate)

	got, err := s.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, rec.Result, got.Result)

	ok, err := s.Contains(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Contains(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertRecordPreservesCreationDate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertProgram(ctx, Program{ProgramHash: "h1", ProgramName: "p", SourceCode: "x"}))

	rec := Record{Key: "k1", ProgramHash: "h1", Schedule: "S(0,1,2,3)", Result: Result{IsLegal: true}}
	t0 := time.Now().Add(-time.Hour)
	first, wrote, err := s.UpsertRecord(ctx, rec, t0, false)
	require.NoError(t, err)
	require.True(t, wrote)

	rec.Result = Result{IsLegal: true, ExecutionTimes: []float64{9.9}}
	t1 := time.Now()
	second, wrote, err := s.UpsertRecord(ctx, rec, t1, true)
	require.NoError(t, err)
	require.True(t, wrote)

	require.Equal(t, first.CreationDate, second.CreationDate)
	require.NotEqual(t, first.UpdateDate, second.UpdateDate)

	got, err := s.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []float64{9.9}, got.Result.ExecutionTimes)
}

func TestUpsertRecordNoOverwriteLeavesExistingRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertProgram(ctx, Program{ProgramHash: "h1", ProgramName: "p", SourceCode: "x"}))

	rec := Record{Key: "k1", ProgramHash: "h1", Schedule: "S(0,1,2,3)", Result: Result{IsLegal: true, ExecutionTimes: []float64{1}}}
	_, wrote, err := s.UpsertRecord(ctx, rec, time.Now(), false)
	require.NoError(t, err)
	require.True(t, wrote)

	rec.Result = Result{IsLegal: true, ExecutionTimes: []float64{2}}
	_, wrote, err = s.UpsertRecord(ctx, rec, time.Now(), false)
	require.NoError(t, err)
	require.False(t, wrote, "second call with overwrite=false must not replace the existing row")

	got, err := s.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []float64{1}, got.Result.ExecutionTimes)
}

func TestLookupMissingKeyReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Lookup(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteReportsWhetherRowExisted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertProgram(ctx, Program{ProgramHash: "h1", ProgramName: "p", SourceCode: "x"}))
	_, _, err := s.UpsertRecord(ctx, Record{Key: "k1", ProgramHash: "h1", Schedule: "S(0,1,2,3)"}, time.Now(), false)
	require.NoError(t, err)

	removed, err := s.Delete(ctx, "k1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.Delete(ctx, "k1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestKeysPagination(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertProgram(ctx, Program{ProgramHash: "h1", ProgramName: "p", SourceCode: "x"}))
	for _, k := range []string{"a", "b", "c", "d"} {
		_, _, err := s.UpsertRecord(ctx, Record{Key: k, ProgramHash: "h1", Schedule: "S(0,1,2,3)"}, time.Now(), false)
		require.NoError(t, err)
	}

	page1, err := s.Keys(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, page1)

	page2, err := s.Keys(ctx, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, page2)
}

func TestStatsReflectsCountersAndFingerprint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertProgram(ctx, Program{ProgramHash: "h1", ProgramName: "p", SourceCode: "x"}))
	_, _, err := s.UpsertRecord(ctx, Record{
		Key: "k1", ProgramHash: "h1", Schedule: "S(0,1,2,3)",
		Result: Result{IsLegal: true, ExecutionTimes: []float64{1}}, Username: "alice", SourceProject: "proj-a",
	}, time.Now(), false)
	require.NoError(t, err)
	_, _, err = s.UpsertRecord(ctx, Record{
		Key: "k2", ProgramHash: "h1", Schedule: "I(0,1)",
		Result: Result{IsLegal: false}, Username: "bob", SourceProject: "proj-a",
	}, time.Now(), false)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.TotalRecords)
	require.EqualValues(t, 1, stats.TotalPrograms)
	require.EqualValues(t, 1, stats.LegalRecords)
	require.EqualValues(t, 1, stats.IllegalRecords)
	require.EqualValues(t, 2, stats.DistinctUsers)
	require.EqualValues(t, 1, stats.DistinctProjects)
	require.Equal(t, "test-cpu", stats.CPUModel)
}

func TestInitIfAbsentRejectsIncompatibleSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tirastore.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.ExecContext(ctx, ddl)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+TableDBMeta+`(key, value) VALUES (?, ?)`, metaKeySchemaVersion, "999")
	require.NoError(t, err)

	_, err = s.InitIfAbsent(ctx, Meta{CPUModel: "x"})
	require.True(t, errors.Is(err, ErrSchemaIncompatible))
}
