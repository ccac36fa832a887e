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

// Command tirastore-bench exercises a TiraStore lookup table from the
// command line: seeding records, looking one up, and printing aggregate
// stats. It is a demo harness, not the multi-node conformance tool spec.md
// §1 calls out of scope — it never coordinates more than one local process.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/tirastore/tirastore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dir string
	var cpuModel, slurmCPUs string
	var allowMismatch bool
	var staleLockTimeout time.Duration
	var lockAcquireTimeout time.Duration

	root := &cobra.Command{
		Use:   "tirastore-bench",
		Short: "Exercise a TiraStore lookup table from the command line",
	}
	root.PersistentFlags().StringVar(&dir, "dir", ".", "shared directory holding the database file")
	root.PersistentFlags().StringVar(&cpuModel, "cpu-model", "", "override the detected CPU model")
	root.PersistentFlags().StringVar(&slurmCPUs, "slurm-cpus", "", "override SLURM_CPUS_PER_TASK")
	root.PersistentFlags().BoolVar(&allowMismatch, "allow-cpu-mismatch", false, "permit writes despite a hardware profile mismatch")
	root.PersistentFlags().DurationVar(&staleLockTimeout, "stale-lock-timeout", 0, "override the stale-lock reclamation age")
	root.PersistentFlags().DurationVar(&lockAcquireTimeout, "lock-timeout", 30*time.Second, "how long to wait for the hard-link mutex")

	openStore := func() (*tirastore.Store, error) {
		logger := log.New()
		opts := []tirastore.Option{
			tirastore.WithCPUProfile(cpuModel, slurmCPUs),
			tirastore.WithAllowCPUMismatch(allowMismatch),
			tirastore.WithLockAcquireTimeout(lockAcquireTimeout),
			tirastore.WithLogger(logger),
		}
		if staleLockTimeout > 0 {
			opts = append(opts, tirastore.WithStaleLockTimeout(staleLockTimeout))
		}
		return tirastore.Open(tirastore.NewConfig(dir, opts...))
	}

	root.AddCommand(newPutCmd(openStore))
	root.AddCommand(newGetCmd(openStore))
	root.AddCommand(newStatsCmd(openStore))
	return root
}

func newPutCmd(openStore func() (*tirastore.Store, error)) *cobra.Command {
	var programPath, schedule, hostname, username, project string
	var times []float64
	var illegal bool

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Record a measurement for a program/schedule pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(programPath)
			if err != nil {
				return fmt.Errorf("read program: %w", err)
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			rec, err := s.Put(context.Background(), tirastore.PutRequest{
				ProgramSource: string(source),
				ProgramName:   programPath,
				Schedule:      schedule,
				Result:        tirastore.Result{IsLegal: !illegal, ExecutionTimes: times},
				Hostname:      hostname,
				Username:      username,
				SourceProject: project,
			})
			if err != nil {
				return err
			}
			fmt.Println(rec.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&programPath, "program", "", "path to the program source file")
	cmd.Flags().StringVar(&schedule, "schedule", "", "schedule expression")
	cmd.Flags().Float64SliceVar(&times, "time", nil, "execution time in seconds (repeatable)")
	cmd.Flags().BoolVar(&illegal, "illegal", false, "mark the schedule illegal instead of recording times")
	cmd.Flags().StringVar(&hostname, "hostname", "", "recording hostname")
	cmd.Flags().StringVar(&username, "username", "", "recording username")
	cmd.Flags().StringVar(&project, "project", "", "source project label")
	cmd.MarkFlagRequired("program")
	cmd.MarkFlagRequired("schedule")
	return cmd
}

func newGetCmd(openStore func() (*tirastore.Store, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Look up a record by its derived key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			rec, err := s.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("schedule=%s legal=%v times=%v\n", rec.Schedule, rec.Result.IsLegal, rec.Result.ExecutionTimes)
			return nil
		},
	}
	return cmd
}

func newStatsCmd(openStore func() (*tirastore.Store, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate counters for the lookup table",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			st, err := s.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("records=%d (legal=%d illegal=%d) programs=%d users=%d projects=%d cpu_model=%q slurm_cpus=%q\n",
				st.TotalRecords, st.LegalRecords, st.IllegalRecords, st.TotalPrograms,
				st.DistinctUsers, st.DistinctProjects, st.CPUModel, st.SlurmCPUs)
			return nil
		},
	}
}
