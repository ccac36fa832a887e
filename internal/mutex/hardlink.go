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

// Package mutex implements a cross-node, cross-user mutual-exclusion
// primitive built on the one filesystem operation that stays atomic on an
// unreliable parallel network filesystem: hard-link creation. Advisory
// byte-range locks (flock/fcntl) are not used — they are the thing this
// package exists to route around.
package mutex

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/erigontech/erigon-lib/log/v3"
)

// DefaultStaleTimeout is the age at which a held lock file is assumed to
// belong to a dead or hung holder and is eligible for reclamation.
const DefaultStaleTimeout = 600 * time.Second

const (
	backoffBase = 10 * time.Millisecond
	backoffCap  = 1 * time.Second
)

// Lock is a scoped hard-link mutex on a single path. It is not reentrant:
// a Lock value is meant to guard exactly one Acquire/Release pair.
type Lock struct {
	// Path is the lock file's path — a sibling of the database file, e.g.
	// "<db>.lock".
	Path string

	// StaleTimeout overrides DefaultStaleTimeout when non-zero.
	StaleTimeout time.Duration

	// Logger receives Warn-level diagnostics for stale-lock reclamation.
	// A nil Logger is valid and suppresses diagnostics.
	Logger log.Logger

	held bool
}

// New returns a Lock guarding path, using DefaultStaleTimeout and the given
// logger (which may be nil).
func New(path string, logger log.Logger) *Lock {
	return &Lock{Path: path, Logger: logger}
}

func (l *Lock) staleTimeout() time.Duration {
	if l.StaleTimeout > 0 {
		return l.StaleTimeout
	}
	return DefaultStaleTimeout
}

// Acquire blocks until the mutex is held or ctx is done, in which case it
// returns ctx.Err() (wrapped together with the last I/O error when the
// final attempt failed with one), recognisable with
// errors.Is(err, context.DeadlineExceeded).
//
// Acquire protocol (spec §4.2):
//  1. write a uniquely-named temp file in the same directory as Path;
//  2. attempt link(temp, Path) — link succeeding means the mutex is held;
//  3. on EEXIST, reclaim Path if it looks stale, otherwise back off and
//     retry; an I/O error in steps 1–2 is backed off and retried the same
//     way, so without a deadline on ctx Acquire keeps retrying.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.held {
		return fmt.Errorf("mutex: Acquire called while already held for %s", l.Path)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.MaxInterval = backoffCap
	bo.RandomizationFactor = 0.5 // jitter multiplier lands in [0.5, 1.5]
	bo.MaxElapsedTime = 0        // the envelope enforces the deadline via ctx
	bo.Reset()

	hostname, _ := os.Hostname()
	pid := os.Getpid()

	for {
		ok, err := l.tryAcquire(hostname, pid)
		if err == nil && ok {
			l.held = true
			return nil
		}

		if err == nil && l.reclaimIfStale() {
			continue // retry the link immediately after reclaiming
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("mutex: acquire %s: last attempt failed with %v: %w", l.Path, err, ctx.Err())
			}
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// tryAcquire performs one temp-file-then-link attempt.
func (l *Lock) tryAcquire(hostname string, pid int) (acquired bool, err error) {
	tmpPath := fmt.Sprintf("%s.%s.%d.%d.%s", l.Path, hostname, pid, time.Now().UnixNano(), uuid.NewString())
	payload := fmt.Sprintf("host=%s\npid=%d\nacquired_at=%s\n", hostname, pid, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(tmpPath, []byte(payload), 0o666); err != nil {
		return false, err
	}
	defer os.Remove(tmpPath) // best-effort; on success Path keeps its own link to the same inode

	if err := os.Link(tmpPath, l.Path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// reclaimIfStale unlinks Path if its mtime is older than the stale timeout.
// It reports whether it reclaimed the lock, so the caller can retry the
// link attempt immediately rather than sleeping through a wasted backoff
// interval.
func (l *Lock) reclaimIfStale() bool {
	info, err := os.Stat(l.Path)
	if err != nil {
		// Lock disappeared between our failed link and this stat — another
		// process released or reclaimed it. Retry the link immediately.
		return os.IsNotExist(err)
	}
	age := time.Since(info.ModTime())
	if age < l.staleTimeout() {
		return false
	}
	if l.Logger != nil {
		l.Logger.Warn("[tirastore] reclaiming stale lock", "path", l.Path, "age", age)
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return false
	}
	return true
}

// Release drops the mutex. It never returns an error: an I/O failure here
// just means the lock is abandoned and will be reclaimed as stale by the
// next contender, which is safe per spec §4.2.
func (l *Lock) Release() {
	if !l.held {
		return
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) && l.Logger != nil {
		l.Logger.Warn("[tirastore] release: unlink failed, lock will be reclaimed as stale", "path", l.Path, "err", err)
	}
	l.held = false
}
