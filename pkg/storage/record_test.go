package storage

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestNewRecordID(t *testing.T) {
	a := NewRecordID()
	b := NewRecordID()

	require.NotEqual(t, a, b)
	require.True(t, ValidRecordID(a))
	require.True(t, ValidRecordID(b))

	parsed, err := ulid.Parse(a)
	require.NoError(t, err)
	require.NotZero(t, parsed.Time())
}

func TestValidRecordID(t *testing.T) {
	var testCases = map[string]struct {
		id    string
		valid bool
	}{
		`fresh_id`:      {id: NewRecordID(), valid: true},
		`empty`:         {id: "", valid: false},
		`too_short`:     {id: "01ARZ3NDEKTSV4RRFFQ", valid: false},
		`bad_alphabet`:  {id: "01ARZ3NDEKTSV4RRFFQ69G5FA!", valid: false},
		`canonical`:     {id: "01ARZ3NDEKTSV4RRFFQ69G5FAV", valid: true},
		`not_ulid_uuid`: {id: "b6cbb4f1-8fd5-42e5-9b31-9a6c6f4c1e2f", valid: false},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.valid, ValidRecordID(tc.id))
		})
	}
}
