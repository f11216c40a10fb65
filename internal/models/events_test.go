package models

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeAssignsIdentityAndTimestamp(t *testing.T) {
	env := NewEnvelope(EventProtocolUploaded, map[string]string{"protocol_id": "p-1"})

	require.NotEqual(t, uuid.Nil, env.ID)
	require.Equal(t, EventProtocolUploaded, env.Kind)
	require.Equal(t, time.UTC, env.Timestamp.Location())
	require.WithinDuration(t, time.Now().UTC(), env.Timestamp, time.Second)

	// Two envelopes for the same event kind are distinct events.
	other := NewEnvelope(EventProtocolUploaded, nil)
	require.NotEqual(t, env.ID, other.ID)
}

func TestNewEnvelopeWithIDKeepsCallerID(t *testing.T) {
	id := uuid.New()
	env := NewEnvelopeWithID(id, EventCriteriaExtracted, nil)
	require.Equal(t, id, env.ID)
}

func TestEnvelopeSerializesKindAndTimestamp(t *testing.T) {
	env := NewEnvelope(EventCriteriaExtracted, map[string]int{"count": 3})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	// Kinds serialize as lowercase strings.
	require.Equal(t, "criteria_extracted", decoded["kind"])

	// Timestamps serialize as ISO-8601 beginning with a four-digit year.
	ts, ok := decoded["timestamp"].(string)
	require.True(t, ok)
	require.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T`), ts)

	_, err = time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
}

func TestEventKindStrings(t *testing.T) {
	require.Equal(t, "protocol_uploaded", EventProtocolUploaded.String())
	require.Equal(t, "criteria_extracted", EventCriteriaExtracted.String())
	require.Equal(t, "criteria_grounded", EventCriteriaGrounded.String())
	require.Equal(t, "protocol_deleted", EventProtocolDeleted.String())
}
