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

// Package cpugate implements the write-gating policy that ties records to
// the hardware profile of the process that created the database: execution
// times are only meaningful on matching hardware, so writes from a
// mismatched node are rejected unless explicitly overridden.
package cpugate

import (
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Profile is the hardware fingerprint recorded at database creation and
// compared at every subsequent connection.
type Profile struct {
	CPUModel  string
	SlurmCPUs string
}

// Detect builds a Profile from explicit overrides where given, falling back
// to gopsutil CPU detection and the SLURM_CPUS_PER_TASK environment
// variable. CPU auto-detection proper is out of the core's scope per
// spec.md §1; this is the gate's own best-effort default, not a
// reimplementation of that concern.
func Detect(cpuModelOverride, slurmCPUsOverride string) Profile {
	p := Profile{CPUModel: cpuModelOverride, SlurmCPUs: slurmCPUsOverride}
	if p.CPUModel == "" {
		p.CPUModel = detectCPUModel()
	}
	if p.SlurmCPUs == "" {
		p.SlurmCPUs = os.Getenv("SLURM_CPUS_PER_TASK")
	}
	return p
}

func detectCPUModel() string {
	infos, err := cpu.Info()
	if err != nil || len(infos) == 0 {
		return "unknown"
	}
	return infos[0].ModelName
}

// Decision is the outcome of comparing the local Profile against the one
// recorded in db_meta.
type Decision struct {
	Matches        bool
	WritesAllowed  bool
	MismatchReason string
}

// Evaluate implements the policy from spec §4.4: a matching profile allows
// reads and writes; a mismatch allows reads but blocks writes unless
// allowOverride is set.
func Evaluate(local, stored Profile, allowOverride bool) Decision {
	if local.CPUModel == stored.CPUModel && local.SlurmCPUs == stored.SlurmCPUs {
		return Decision{Matches: true, WritesAllowed: true}
	}
	d := Decision{
		Matches:       false,
		WritesAllowed: allowOverride,
	}
	d.MismatchReason = "cpu profile mismatch: local(" + local.CPUModel + ", " + local.SlurmCPUs +
		") != db(" + stored.CPUModel + ", " + stored.SlurmCPUs + ")"
	return d
}
