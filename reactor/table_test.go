package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_InsertLookupCancel(t *testing.T) {
	var tbl table

	reg, err := tbl.insert(5, Read, func(Events) {})
	require.NoError(t, err)
	assert.Equal(t, 5, reg.fd)

	s, ok := tbl.lookup(5)
	require.True(t, ok)
	assert.Equal(t, Read, s.interest)

	_, err = tbl.insert(5, Read, func(Events) {})
	assert.ErrorIs(t, err, ErrFDAlreadyRegistered)

	removed, ok := tbl.cancel(reg)
	require.True(t, ok)
	assert.Equal(t, reg.id, removed.id)

	_, ok = tbl.lookup(5)
	assert.False(t, ok)
}

func TestTable_ModifyRejectsStaleRegistration(t *testing.T) {
	var tbl table

	reg, err := tbl.insert(7, Read, func(Events) {})
	require.NoError(t, err)
	tbl.cancel(reg)

	_, err = tbl.insert(7, Write, func(Events) {})
	require.NoError(t, err)

	err = tbl.modify(reg, Read|Write)
	assert.ErrorIs(t, err, ErrFDNotRegistered)
}

func TestTable_InsertOutOfRange(t *testing.T) {
	var tbl table
	_, err := tbl.insert(-1, Read, func(Events) {})
	assert.ErrorIs(t, err, ErrFDOutOfRange)
	_, err = tbl.insert(maxFDs, Read, func(Events) {})
	assert.ErrorIs(t, err, ErrFDOutOfRange)
}
