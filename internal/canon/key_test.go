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

package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordKeyPurity(t *testing.T) {
	k1, norm1, err := RecordKey("void blur(){}", "R(0)")
	require.NoError(t, err)
	k2, norm2, err := RecordKey("void   blur ( ) { }", `R( 0 )`)
	require.NoError(t, err)

	require.Equal(t, norm1, norm2)
	require.Equal(t, k1, k2, "key must depend only on normalised program and schedule")
	require.Len(t, k1, 64)

	k3, _, err := RecordKey("void blur(){}", "R(1)")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestRecordKeyRejectsInvalidSchedule(t *testing.T) {
	_, _, err := RecordKey("void blur(){}", "X(1)")
	require.Error(t, err)
}
