package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/cache"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/messaging"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/outbox"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/search"
)

// eventEnvelope is the persisted form of models.Envelope as handlers see it
type eventEnvelope struct {
	ID        uuid.UUID              `json:"id"`
	Kind      models.EventKind       `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp string                 `json:"timestamp"`
}

// NewSearchIndexHandler returns a handler that indexes extracted criteria in
// Elasticsearch. Indexing uses the criteria set ID as document ID, so
// re-dispatch after a partial failure overwrites the same document.
func NewSearchIndexHandler(elasticClient *search.ElasticClient) outbox.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var env eventEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return errors.Wrap(err, "failed to unmarshal event envelope")
		}

		docID, _ := env.Payload["criteria_set_id"].(string)
		if docID == "" {
			return errors.New("event payload missing criteria_set_id")
		}

		doc := map[string]interface{}{
			"event_id":        env.ID.String(),
			"kind":            env.Kind.String(),
			"indexed_from":    "outbox",
			"event_timestamp": env.Timestamp,
		}
		for k, v := range env.Payload {
			doc[k] = v
		}

		return elasticClient.IndexCriteria(ctx, docID, doc)
	}
}

// NewCacheInvalidationHandler returns a handler that drops the cached
// protocol after any state change, so readers see fresh status. Deleting an
// absent key is a no-op, which keeps the handler idempotent.
func NewCacheInvalidationHandler(redisCache *cache.RedisCache) outbox.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var env eventEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return errors.Wrap(err, "failed to unmarshal event envelope")
		}

		protocolID, _ := env.Payload["protocol_id"].(string)
		if protocolID == "" {
			return errors.New("event payload missing protocol_id")
		}

		id, err := uuid.Parse(protocolID)
		if err != nil {
			return errors.Wrap(err, "invalid protocol_id in event payload")
		}

		if err := redisCache.Delete(ctx, cache.GetProtocolCacheKey(id)); err != nil {
			return err
		}

		log.Debug().
			Str("protocol_id", protocolID).
			Str("kind", env.Kind.String()).
			Msg("Invalidated cached protocol")
		return nil
	}
}

// NewRelayHandler returns a handler that forwards the raw event payload to
// Azure Service Bus for external subscribers. The bus deduplicates on the
// envelope ID set as the message ID, so re-delivery is harmless.
func NewRelayHandler(bus messaging.ServiceBusClient) outbox.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var env eventEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return errors.Wrap(err, "failed to unmarshal event envelope")
		}
		return bus.SendMessage(ctx, env.ID.String(), payload)
	}
}
