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
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/erigontech/erigon-lib/log/v3"
)

const (
	defaultDBFileName   = "tirastore.db"
	defaultLockFileName = "tirastore.db.lock"
)

// Config configures a Store. The zero value is not directly usable: build
// one with NewConfig, which fills in every default.
type Config struct {
	// Dir is the shared directory holding the database file and its
	// sibling lock file. It must live on the same filesystem the
	// autoscheduler's worker nodes share.
	Dir string

	DBFileName   string
	LockFileName string

	// StaleLockTimeout is how old a held lock file may get before a
	// contender assumes its holder is dead and reclaims it.
	StaleLockTimeout time.Duration

	// LockAcquireTimeout bounds how long Acquire will retry before a
	// transaction gives up. Zero means no deadline.
	LockAcquireTimeout time.Duration

	// CPUModelOverride and SlurmCPUsOverride force the local hardware
	// profile instead of auto-detecting it; empty strings mean detect.
	CPUModelOverride  string
	SlurmCPUsOverride string
	AllowCPUMismatch  bool

	// MaxResultBytes caps the encoded size of a single result_json
	// payload; zero disables the check. Guards against a misbehaving
	// caller flooding the shared store with an unbounded execution-time
	// series.
	MaxResultBytes datasize.ByteSize

	Logger log.Logger
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithLockFileName overrides the default "<db>.lock" naming.
func WithLockFileName(name string) Option {
	return func(c *Config) { c.LockFileName = name }
}

// WithStaleLockTimeout overrides mutex.DefaultStaleTimeout.
func WithStaleLockTimeout(d time.Duration) Option {
	return func(c *Config) { c.StaleLockTimeout = d }
}

// WithLockAcquireTimeout bounds how long a single call will wait for the
// hard-link mutex before failing with KindLockUnavailable.
func WithLockAcquireTimeout(d time.Duration) Option {
	return func(c *Config) { c.LockAcquireTimeout = d }
}

// WithCPUProfile pins the local hardware fingerprint instead of
// auto-detecting it, for tests and for nodes where detection is unreliable.
func WithCPUProfile(model, slurmCPUs string) Option {
	return func(c *Config) {
		c.CPUModelOverride = model
		c.SlurmCPUsOverride = slurmCPUs
	}
}

// WithAllowCPUMismatch permits writes from a node whose hardware profile
// does not match the one recorded at database creation. Use with care:
// measurements recorded this way are not comparable to the rest of the
// table (spec §4.4).
func WithAllowCPUMismatch(allow bool) Option {
	return func(c *Config) { c.AllowCPUMismatch = allow }
}

// WithMaxResultBytes bounds the encoded size of a single result payload.
func WithMaxResultBytes(max datasize.ByteSize) Option {
	return func(c *Config) { c.MaxResultBytes = max }
}

// WithLogger sets the structured logger used for lock diagnostics and the
// envelope's CPU-mismatch warning. A nil logger (the default) suppresses
// all output.
func WithLogger(l log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// NewConfig builds a Config for the shared directory dir, applying opts over
// the defaults.
func NewConfig(dir string, opts ...Option) Config {
	c := Config{
		Dir:          dir,
		DBFileName:   defaultDBFileName,
		LockFileName: defaultLockFileName,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
