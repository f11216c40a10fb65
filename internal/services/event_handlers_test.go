package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
)

func TestCacheInvalidationHandlerAcceptsEnvelope(t *testing.T) {
	handler := NewCacheInvalidationHandler(disabledCache(t))

	env := models.NewEnvelope(models.EventProtocolUploaded, map[string]interface{}{
		"protocol_id": uuid.New().String(),
		"title":       "NSCLC Phase II",
	})
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), payload))
}

func TestCacheInvalidationHandlerRejectsMalformedPayload(t *testing.T) {
	handler := NewCacheInvalidationHandler(disabledCache(t))

	err := handler(context.Background(), json.RawMessage(`{not json`))
	require.Error(t, err)

	// Envelope without a protocol reference is a consumer contract violation.
	env := models.NewEnvelope(models.EventProtocolUploaded, map[string]interface{}{})
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	err = handler(context.Background(), payload)
	require.Error(t, err)
	require.Contains(t, err.Error(), "protocol_id")
}
