package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/danavision/api/internal/model"
)

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.Send:
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad message %s: %v", raw, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHub_DeliversOnlyToJobSubscribers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	mine := &Client{JobID: "job-1", Send: make(chan []byte, 8)}
	other := &Client{JobID: "job-2", Send: make(chan []byte, 8)}
	hub.Register(mine)
	hub.Register(other)

	hub.BroadcastProgress("job-1", 40, model.JobStatusProcessing, "Scraping stores")
	hub.BroadcastLog("job-1", model.JobLogEntry{Level: model.LogLevelSuccess, Message: "Found 3 prices"})
	hub.BroadcastComplete("job-1", model.PriceJobOutput{Message: "done"})

	progress := receive(t, mine)
	if progress["type"] != model.WSMessageTypeProgress || progress["progress"] != float64(40) || progress["currentStep"] != "Scraping stores" {
		t.Errorf("progress message = %v", progress)
	}
	logMsg := receive(t, mine)
	entry, _ := logMsg["entry"].(map[string]any)
	if logMsg["type"] != model.WSMessageTypeLog || entry["message"] != "Found 3 prices" {
		t.Errorf("log message = %v", logMsg)
	}
	if done := receive(t, mine); done["type"] != model.WSMessageTypeComplete {
		t.Errorf("complete message = %v", done)
	}

	select {
	case raw := <-other.Send:
		t.Errorf("job-2 subscriber received %s", raw)
	default:
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	c := &Client{JobID: "job-1", Send: make(chan []byte, 1)}
	hub.Register(c)
	hub.Unregister(c)

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed")
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub() // not running, so the queue fills up
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.BroadcastError("job-1", "SERVICE_ERROR", "boom")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}
}
