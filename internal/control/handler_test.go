package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/config"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/mqtttest"
)

func testConfig() *config.Config {
	return &config.Config{
		InstanceID: "booth-test",
		MQTT: config.MQTTConfig{
			Topics: config.MQTTTopics{
				Control: "booth/test/control",
				Events:  "booth/test/events",
				Status:  "booth/test/status",
			},
			QoS: map[string]byte{"control": 1, "status": 1},
		},
	}
}

func waitResponse(t *testing.T, client *mqtttest.Client, n int) Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := client.Messages()
		if len(msgs) >= n {
			m := msgs[n-1]
			if m.Topic != "booth/test/status" {
				t.Fatalf("response published to %q", m.Topic)
			}
			var resp Response
			if err := json.Unmarshal(m.Payload, &resp); err != nil {
				t.Fatalf("response is not JSON: %v", err)
			}
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response %d", n)
	return Response{}
}

func TestHandleCommands(t *testing.T) {
	retryErr := errors.New("camera still unplugged")

	tests := []struct {
		name      string
		payload   string
		callbacks CommandCallbacks
		status    string
		errorText string
		check     func(t *testing.T, resp Response)
	}{
		{
			name:    "get status",
			payload: `{"command":"get_status"}`,
			callbacks: CommandCallbacks{
				OnGetStatus: func() map[string]interface{} {
					return map[string]interface{}{"scene": "no_motion"}
				},
			},
			status: "success",
			check: func(t *testing.T, resp Response) {
				if resp.Data["scene"] != "no_motion" {
					t.Errorf("data = %v", resp.Data)
				}
			},
		},
		{
			name:      "get status without callback",
			payload:   `{"command":"get_status"}`,
			status:    "error",
			errorText: "get_status not implemented",
		},
		{
			name:    "retry source",
			payload: `{"command":"retry_source"}`,
			callbacks: CommandCallbacks{
				OnRetrySource: func(ctx context.Context) error {
					if _, ok := ctx.Deadline(); !ok {
						return errors.New("no deadline")
					}
					return nil
				},
			},
			status: "success",
		},
		{
			name:    "retry source fails",
			payload: `{"command":"retry_source"}`,
			callbacks: CommandCallbacks{
				OnRetrySource: func(context.Context) error { return retryErr },
			},
			status:    "error",
			errorText: retryErr.Error(),
		},
		{
			name:    "no capture yet",
			payload: `{"command":"get_capture"}`,
			callbacks: CommandCallbacks{
				OnGetCapture: func() (map[string]interface{}, bool) { return nil, false },
			},
			status:    "error",
			errorText: "no photo captured yet",
		},
		{
			name:    "latest capture",
			payload: `{"command":"get_capture"}`,
			callbacks: CommandCallbacks{
				OnGetCapture: func() (map[string]interface{}, bool) {
					return map[string]interface{}{"photo_id": "p1"}, true
				},
			},
			status: "success",
			check: func(t *testing.T, resp Response) {
				if resp.Data["photo_id"] != "p1" {
					t.Errorf("data = %v", resp.Data)
				}
			},
		},
		{
			name:    "shutdown",
			payload: `{"command":"shutdown"}`,
			callbacks: CommandCallbacks{
				OnShutdown: func() error { return nil },
			},
			status: "shutting_down",
		},
		{
			name:      "unknown command",
			payload:   `{"command":"pause_inference"}`,
			status:    "error",
			errorText: "unknown command: pause_inference",
		},
		{
			name:      "invalid json",
			payload:   `{"command":`,
			status:    "error",
			errorText: "invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := mqtttest.NewClient()
			h := NewHandler(testConfig(), client, tt.callbacks)
			if err := h.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer h.Stop()

			if !client.Deliver("booth/test/control", []byte(tt.payload)) {
				t.Fatal("handler did not subscribe to the control topic")
			}

			resp := waitResponse(t, client, 1)
			if resp.Status != tt.status {
				t.Errorf("status = %q, want %q", resp.Status, tt.status)
			}
			if resp.Error != tt.errorText {
				t.Errorf("error = %q, want %q", resp.Error, tt.errorText)
			}
			if ts, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil || ts.Format(time.RFC3339) != resp.Timestamp {
				t.Errorf("timestamp %q is not RFC3339 in seconds: %v", resp.Timestamp, err)
			}
			if tt.check != nil {
				tt.check(t, resp)
			}
		})
	}
}

func TestStartSubscribeFailure(t *testing.T) {
	client := mqtttest.NewClient()
	client.SubscribeErr = errors.New("not authorized")

	h := NewHandler(testConfig(), client, CommandCallbacks{})
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the subscription is refused")
	}
}

func TestStopUnsubscribes(t *testing.T) {
	client := mqtttest.NewClient()
	h := NewHandler(testConfig(), client, CommandCallbacks{})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if client.Deliver("booth/test/control", []byte(`{"command":"get_status"}`)) {
		t.Error("control topic still subscribed after Stop()")
	}
	// second stop is a no-op
	if err := h.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestCommandsRunInOrder(t *testing.T) {
	client := mqtttest.NewClient()
	release := make(chan struct{})
	var calls int

	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnRetrySource: func(context.Context) error {
			<-release
			return nil
		},
		OnGetStatus: func() map[string]interface{} {
			calls++
			return map[string]interface{}{"calls": calls}
		},
	})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	client.Deliver("booth/test/control", []byte(`{"command":"retry_source"}`))
	client.Deliver("booth/test/control", []byte(`{"command":"get_status"}`))
	close(release)

	first := waitResponse(t, client, 1)
	second := waitResponse(t, client, 2)
	if first.CommandAck != "retry_source" || second.CommandAck != "get_status" {
		t.Errorf("responses out of order: %q then %q", first.CommandAck, second.CommandAck)
	}

	if got := h.Stats().Handled; got != 2 {
		t.Errorf("handled = %d, want 2", got)
	}
}
