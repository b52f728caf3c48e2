package ulid

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id := Generate()

	assert.False(t, id.IsZero(), "Generated ULID should not be zero")

	// Verify it contains a valid timestamp close to now
	now := time.Now()
	idTime := id.Time()
	timeDiff := now.Sub(idTime).Seconds()
	assert.True(t, timeDiff < 1.0, "ULID timestamp should be close to now")
}

func TestGenerateWithPrefix(t *testing.T) {
	prefixes := []string{PrefixMutation, PrefixEntity, PrefixSyncLog, "custom"}

	for _, prefix := range prefixes {
		id := GenerateWithPrefix(prefix)

		assert.Equal(t, prefix, id.Prefix(), "Prefix should match the provided value")
		assert.Contains(t, id.String(), prefix+PrefixSeparator,
			"String representation should contain the prefix")
	}
}

func TestParse(t *testing.T) {
	// Test parsing a raw ULID
	rawULID := Generate()
	parsedRaw, err := Parse(rawULID.String())
	require.NoError(t, err)
	assert.Equal(t, rawULID, parsedRaw)

	// Test parsing a prefixed ULID
	prefixedULID := GenerateWithPrefix(PrefixMutation)
	parsedPrefixed, err := Parse(prefixedULID.String())
	require.NoError(t, err)
	assert.Equal(t, prefixedULID, parsedPrefixed)
	assert.Equal(t, PrefixMutation, parsedPrefixed.Prefix())

	// Test parsing an invalid ULID
	_, err = Parse("invalid-ulid")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	id := Generate()
	assert.True(t, Validate(id.String()), "Valid ULID should be valid")

	prefixedID := GenerateWithPrefix(PrefixMutation)
	assert.True(t, Validate(prefixedID.String()), "Valid prefixed ULID should be valid")

	assert.False(t, Validate("invalid"), "Invalid ULID should be invalid")
	assert.False(t, Validate("mut-invalid"), "Invalid prefixed ULID should be invalid")
	assert.False(t, Validate(""), "Empty string should be invalid")
}

func TestCompare(t *testing.T) {
	// Create ULIDs with known timestamps
	time1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	time2 := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)

	id1 := NewWithTime(time1)
	id2 := NewWithTime(time2)

	assert.Equal(t, -1, id1.Compare(id2), "Earlier ULID should be less than later ULID")
	assert.Equal(t, 1, id2.Compare(id1), "Later ULID should be greater than earlier ULID")
	assert.Equal(t, 0, id1.Compare(id1), "Same ULID should be equal")
}

func TestMutationIDsSortByCreationTime(t *testing.T) {
	// Two IDs generated in sequence must compare in that sequence, since
	// queue FIFO ordering relies on it.
	a := MutationID()
	b := MutationID()

	idA := MustParse(a)
	idB := MustParse(b)
	assert.True(t, idA.Compare(idB) <= 0, "IDs should be non-decreasing in generation order")
}

func TestJSONRoundTrip(t *testing.T) {
	id := GenerateWithPrefix(PrefixMutation)

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded ULID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id.String(), decoded.String())
	assert.Equal(t, PrefixMutation, decoded.Prefix())
}

func TestScanAndValue(t *testing.T) {
	id := GenerateWithPrefix(PrefixEntity)

	v, err := id.Value()
	require.NoError(t, err)
	assert.Equal(t, id.String(), v)

	var scanned ULID
	require.NoError(t, scanned.Scan(id.String()))
	assert.Equal(t, id.String(), scanned.String())

	require.NoError(t, scanned.Scan([]byte(id.String())))
	assert.Equal(t, id.String(), scanned.String())

	assert.Error(t, scanned.Scan(42), "unsupported type should fail to scan")
}

func TestDomainIDPrefixes(t *testing.T) {
	assert.True(t, Validate(MutationID()))
	assert.True(t, Validate(EntityID()))
	assert.True(t, Validate(SyncLogID()))

	mutID := MustParse(MutationID())
	assert.Equal(t, PrefixMutation, mutID.Prefix())
}
