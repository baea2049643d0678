// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineDeliversWebhookOnTrigger(t *testing.T) {
	var received map[string]interface{}
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gotPayload := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil && received["message"] == "port scan from 10.0.0.5"
	}

	engine := NewEngine([]Channel{
		{Name: "ops-webhook", Type: "webhook", WebhookURL: server.URL},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	engine.Trigger(Event{
		RuleSID:   2000001,
		Message:   "port scan from 10.0.0.5",
		Severity:  LevelCritical,
		Timestamp: time.Now(),
		SrcIP:     "10.0.0.5",
	})

	assert.Eventually(t, gotPayload, 2*time.Second, 10*time.Millisecond, "webhook payload not received")
}

func TestEngineRecordsHistory(t *testing.T) {
	engine := NewEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	engine.Trigger(Event{RuleSID: 3000001, Message: "drop rule emitted", Severity: LevelWarning, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		return len(engine.GetHistory()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineDropsEventWhenQueueFull(t *testing.T) {
	engine := NewEngine(nil)
	// No Start call: nothing drains the channel, so it fills and the
	// next Trigger hits the non-blocking default branch.
	for i := 0; i < cap(engine.eventChan); i++ {
		engine.Trigger(Event{Message: "fill"})
	}
	engine.Trigger(Event{Message: "overflow"})
	require.Len(t, engine.history, 0)
}
