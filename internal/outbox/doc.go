// Package outbox implements the transactional outbox pattern: domain events
// are persisted as rows in the same database transaction as the business
// mutation they describe, and a background processor polls for pending rows
// and delivers them to registered handlers.
//
// Delivery is at-least-once. A crash between a handler completing and the
// row being marked published results in re-delivery, never loss, so handlers
// must be idempotent. Records that exhaust their retries move to a terminal
// failed state for operator attention; they are never silently dropped and
// never deleted.
package outbox
