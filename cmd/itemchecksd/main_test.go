package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwise/itemchecks/pkg/config"
)

func TestReportTriggers_DurableNames(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	triggers := reportTriggers(cfg, nil)
	require.Len(t, triggers, 3)

	subjects := make(map[string]bool)
	durables := make(map[string]bool)
	for _, trigger := range triggers {
		assert.NotEmpty(t, trigger.subject)
		assert.NotEmpty(t, trigger.durable,
			"trigger %s must use a durable consumer to survive restarts", trigger.subject)
		assert.False(t, subjects[trigger.subject], "duplicate subject %s", trigger.subject)
		assert.False(t, durables[trigger.durable], "duplicate durable %s", trigger.durable)
		subjects[trigger.subject] = true
		durables[trigger.durable] = true
		assert.NotNil(t, trigger.run)
	}

	assert.Equal(t, cfg.NATS.SCFReportSubject, triggers[0].subject)
	assert.Equal(t, cfg.NATS.IZReportSubject, triggers[1].subject)
	assert.Equal(t, cfg.NATS.SCFDuplicatesSubject, triggers[2].subject)
}
