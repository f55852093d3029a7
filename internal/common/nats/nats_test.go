package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agrifin/internal/common/events"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.payment.validated", Subject(events.EventPaymentValidated))
	assert.Equal(t, "events.reconciliation.completed", Subject(events.EventReconciliationCompleted))
}

func TestEventStreamConfig(t *testing.T) {
	cfg := EventStreamConfig(0)
	assert.Equal(t, StreamName, cfg.Name)
	assert.Equal(t, []string{"events.>"}, cfg.Subjects)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)

	assert.Equal(t, time.Hour, EventStreamConfig(time.Hour).MaxAge)
}
