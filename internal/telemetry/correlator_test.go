package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt/mqtttest"
)

const (
	commandTopic  = "accessControl/device/command"
	responseTopic = "accessControl/device/response"
)

func newTestCorrelator(t *testing.T, strategy KeyStrategy, logger Logger) (*Correlator, *mqtttest.MockTransport) {
	t.Helper()
	mux, tr := newTestMultiplexer(t, logger)
	c := NewCorrelator(mux, strategy, CorrelatorOptions{DefaultTimeout: time.Second, Logger: logger})
	t.Cleanup(c.Close)
	return c, tr
}

func testConnectionRequest(deviceID string, timeout time.Duration) Request {
	return Request{
		CommandTopic:  commandTopic,
		ResponseTopic: responseTopic,
		Command: Command{
			Command: "testConnection",
			Data:    map[string]any{"device_id": deviceID},
		},
		Timeout: timeout,
	}
}

// replyWith makes the device answer every command with body.
func replyWith(tr *mqtttest.MockTransport, body string) {
	tr.OnPublish(func(topic string, _ []byte) {
		if topic == commandTopic {
			tr.SimulateMessage(responseTopic, []byte(body))
		}
	})
}

// =============================================================================
// Outcome Tests
// =============================================================================

func TestCorrelator_CallSuccess(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	replyWith(tr, `{"command":"testConnection","status":"success","data":{"device_id":"7","firmware":"2.1"},"message":"ok"}`)

	resp, err := c.Call(context.Background(), testConnectionRequest("7", time.Second))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Message != "ok" || resp.Topic != responseTopic {
		t.Errorf("Call() response = %+v", resp)
	}
	if fw, _ := resp.DataField("firmware"); fw != "2.1" {
		t.Errorf("DataField(firmware) = %q, want 2.1", fw)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}

	published := tr.Published()
	if len(published) != 1 {
		t.Fatalf("Published() = %d messages, want 1", len(published))
	}
	var sent Command
	if err := json.Unmarshal(published[0].Payload, &sent); err != nil {
		t.Fatalf("command payload is not JSON: %v", err)
	}
	if sent.Command != "testConnection" || sent.Data["device_id"] != "7" {
		t.Errorf("sent command = %+v", sent)
	}
}

func TestCorrelator_CallOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"status success", `{"command":"testConnection","status":"success","data":{"device_id":"7"}}`, nil},
		{"success flag", `{"command":"testConnection","success":true,"data":{"device_id":"7"}}`, nil},
		{"status error", `{"command":"testConnection","status":"error","message":"reader offline","data":{"device_id":"7"}}`, ErrRejected},
		{"success false", `{"command":"testConnection","success":false,"data":{"device_id":"7"}}`, ErrRejected},
		{"error text only", `{"command":"testConnection","error":"busy","data":{"device_id":"7"}}`, ErrRejected},
		{"no outcome", `{"command":"testConnection","data":{"device_id":"7"}}`, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
			replyWith(tr, tt.body)

			resp, err := c.Call(context.Background(), testConnectionRequest("7", time.Second))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Call() error = %v, want %v", err, tt.wantErr)
			}
			if resp == nil {
				t.Error("Call() response = nil, want the device's answer")
			}
		})
	}
}

func TestCorrelator_RejectedErrorCarriesResponse(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	replyWith(tr, `{"command":"testConnection","status":"error","message":"reader offline","data":{"device_id":"7"}}`)

	_, err := c.Call(context.Background(), testConnectionRequest("7", time.Second))

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Call() error = %v, want *RejectedError", err)
	}
	if rejected.Key != "testConnection:7" || rejected.Message != "reader offline" || rejected.Status != "error" {
		t.Errorf("RejectedError = %+v", rejected)
	}
	if rejected.Response == nil || rejected.Response.Command != "testConnection" {
		t.Error("RejectedError.Response missing")
	}
}

// =============================================================================
// Timeout and Cancellation Tests
// =============================================================================

func TestCorrelator_Timeout(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)

	start := time.Now()
	resp, err := c.Call(context.Background(), testConnectionRequest("7", 50*time.Millisecond))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) || !IsTimeout(err) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if resp != nil {
		t.Errorf("Call() response = %+v, want nil", resp)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("Call() returned after %v, before its timeout", elapsed)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}

	// A late answer finds nothing to settle.
	tr.SimulateMessage(responseTopic, []byte(`{"command":"testConnection","status":"success","data":{"device_id":"7"}}`))
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after late response = %d, want 0", got)
	}
}

func TestCorrelator_DefaultTimeout(t *testing.T) {
	mux, _ := newTestMultiplexer(t, nil)
	c := NewCorrelator(mux, nil, CorrelatorOptions{DefaultTimeout: 30 * time.Millisecond})
	t.Cleanup(c.Close)

	_, err := c.Call(context.Background(), testConnectionRequest("7", 0))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Call() error = %v, want ErrTimeout from the default timeout", err)
	}
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c, _ := newTestCorrelator(t, CommandTargetStrategy{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, testConnectionRequest("7", 5*time.Second))
		errs <- err
	}()

	waitFor(t, "operation to be pending", func() bool { return c.Pending("testConnection:7") })
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
			t.Errorf("Call() error = %v, want ErrCancelled wrapping context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Call() did not return after cancel")
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestCorrelator_CancelAndDuplicateKey(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, testConnectionRequest("7", 5*time.Second))
		errs <- err
	}()
	waitFor(t, "operation to be pending", func() bool { return c.Pending("testConnection:7") })

	if _, err := c.Call(ctx, testConnectionRequest("7", time.Second)); !errors.Is(err, ErrDuplicateOperation) {
		t.Errorf("second Call() error = %v, want ErrDuplicateOperation", err)
	}
	if got := len(tr.Published()); got != 1 {
		t.Errorf("Published() = %d messages, want 1", got)
	}

	if !c.Cancel("testConnection:7") {
		t.Fatal("Cancel() = false, want true")
	}
	if err := <-errs; !errors.Is(err, ErrCancelled) {
		t.Errorf("Call() error = %v, want ErrCancelled", err)
	}

	if c.Cancel("testConnection:7") {
		t.Error("second Cancel() = true, want false")
	}

	// Once settled, the key is free again.
	replyWith(tr, `{"command":"testConnection","status":"success","data":{"device_id":"7"}}`)
	if _, err := c.Call(ctx, testConnectionRequest("7", time.Second)); err != nil {
		t.Errorf("Call() after cancel error = %v", err)
	}
}

func TestCorrelator_SettlesExactlyOnce(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	ctx := context.Background()

	// Answer twice: once success, once failure. The first wins.
	tr.OnPublish(func(topic string, _ []byte) {
		tr.SimulateMessage(responseTopic, []byte(`{"command":"testConnection","status":"success","data":{"device_id":"7"}}`))
		tr.SimulateMessage(responseTopic, []byte(`{"command":"testConnection","status":"error","data":{"device_id":"7"}}`))
	})

	if _, err := c.Call(ctx, testConnectionRequest("7", 50*time.Millisecond)); err != nil {
		t.Fatalf("Call() error = %v, want first response to win", err)
	}

	// The timer was stopped; nothing fires later.
	time.Sleep(80 * time.Millisecond)
	if c.Cancel("testConnection:7") {
		t.Error("Cancel() after settlement = true, want false")
	}
}

// =============================================================================
// Matching Tests
// =============================================================================

func TestCorrelator_ConcurrentCallsMatchTheirOwnResponses(t *testing.T) {
	c, tr := newTestCorrelator(t, CorrelationIDStrategy{}, nil)
	ctx := context.Background()

	sent := make(chan Command, 2)
	tr.OnPublish(func(_ string, payload []byte) {
		var cmd Command
		_ = json.Unmarshal(payload, &cmd)
		sent <- cmd
	})

	type outcome struct {
		name string
		resp *Response
		err  error
	}
	results := make(chan outcome, 2)
	for _, name := range []string{"first", "second"} {
		go func() {
			resp, err := c.Call(ctx, Request{
				CommandTopic:  commandTopic,
				ResponseTopic: responseTopic,
				Command:       Command{Command: "getStatus", Value: name},
				Timeout:       time.Second,
			})
			results <- outcome{name, resp, err}
		}()
	}

	a, b := <-sent, <-sent
	if a.CorrelationID == "" || a.CorrelationID == b.CorrelationID {
		t.Fatalf("correlation ids %q and %q are not unique", a.CorrelationID, b.CorrelationID)
	}

	// Answer in reverse order; each carries the value it was asked about.
	for _, cmd := range []Command{b, a} {
		body := fmt.Sprintf(`{"command":"getStatus","status":"success","correlation_id":%q,"result":%q}`, cmd.CorrelationID, cmd.Value)
		tr.SimulateMessage(responseTopic, []byte(body))
	}

	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.Errorf("Call(%s) error = %v", o.name, o.err)
			continue
		}
		if want := fmt.Sprintf("%q", o.name); string(o.resp.Result) != want {
			t.Errorf("Call(%s) result = %s, want %s", o.name, o.resp.Result, want)
		}
	}
}

func TestCorrelator_ResponseOnOtherTopicIgnored(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	ctx := context.Background()
	otherResponse := "accessControl/device/legacyResponse"

	// Establish a second response subscription through a completed call.
	tr.OnPublish(func(string, []byte) {
		tr.SimulateMessage(otherResponse, []byte(`{"command":"ping","status":"success","data":{"device_id":"1"}}`))
	})
	_, err := c.Call(ctx, Request{
		CommandTopic:  commandTopic,
		ResponseTopic: otherResponse,
		Command:       Command{Command: "ping", Data: map[string]any{"device_id": "1"}},
	})
	if err != nil {
		t.Fatalf("Call(ping) error = %v", err)
	}
	tr.OnPublish(nil)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, testConnectionRequest("7", 5*time.Second))
		errs <- err
	}()
	waitFor(t, "operation to be pending", func() bool { return c.Pending("testConnection:7") })

	answer := []byte(`{"command":"testConnection","status":"success","data":{"device_id":"7"}}`)
	tr.SimulateMessage(otherResponse, answer)
	if !c.Pending("testConnection:7") {
		t.Fatal("response on a different topic settled the operation")
	}

	tr.SimulateMessage(responseTopic, answer)
	if err := <-errs; err != nil {
		t.Errorf("Call() error = %v", err)
	}
}

func TestCorrelator_MalformedPayloadDropped(t *testing.T) {
	logger := &recordingLogger{}
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, logger)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), testConnectionRequest("7", 5*time.Second))
		errs <- err
	}()
	waitFor(t, "operation to be pending", func() bool { return c.Pending("testConnection:7") })

	tr.SimulateMessage(responseTopic, []byte("not json"))
	tr.SimulateMessage(responseTopic, []byte(`{"status":"success"}`))

	if !c.Pending("testConnection:7") {
		t.Fatal("malformed message settled the operation")
	}
	if !logger.has("WARN: MQTT handler returned error") {
		t.Error("unparseable response was not logged")
	}

	c.Cancel("testConnection:7")
	<-errs
}

// =============================================================================
// Connection Interaction Tests
// =============================================================================

func TestCorrelator_PendingSurviveConnectionLoss(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	ctx := context.Background()

	shortErr := make(chan error, 1)
	longErr := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, testConnectionRequest("short", 100*time.Millisecond))
		shortErr <- err
	}()
	go func() {
		_, err := c.Call(ctx, testConnectionRequest("long", 5*time.Second))
		longErr <- err
	}()
	waitFor(t, "both operations pending", func() bool { return c.PendingCount() == 2 })

	tr.Drop(errors.New("network blip"))
	if got := c.PendingCount(); got != 2 {
		t.Errorf("PendingCount() right after drop = %d, want 2", got)
	}

	conn := c.mux.Connection()
	waitFor(t, "reconnect", conn.IsConnected)

	if err := <-shortErr; !errors.Is(err, ErrTimeout) {
		t.Errorf("short Call() error = %v, want ErrTimeout", err)
	}

	tr.SimulateMessage(responseTopic, []byte(`{"command":"testConnection","status":"success","data":{"device_id":"long"}}`))
	if err := <-longErr; err != nil {
		t.Errorf("long Call() error = %v, want late response to settle it", err)
	}
}

func TestCorrelator_PublishFailure(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	if err := c.mux.Connection().Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr.SetPublishErr(errors.New("quota exceeded"))

	_, err := c.Call(context.Background(), testConnectionRequest("7", time.Second))
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Call() error = %v, want ErrPublishFailed", err)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestCorrelator_Close(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), testConnectionRequest("7", 5*time.Second))
		errs <- err
	}()
	waitFor(t, "operation to be pending", func() bool { return c.Pending("testConnection:7") })

	c.Close()

	if err := <-errs; !errors.Is(err, ErrCorrelatorClosed) {
		t.Errorf("Call() error = %v, want ErrCorrelatorClosed", err)
	}
	if got := tr.Subscriptions(); len(got) != 0 {
		t.Errorf("subscriptions after Close() = %v, want none", got)
	}
	if _, err := c.Call(context.Background(), testConnectionRequest("8", time.Second)); !errors.Is(err, ErrCorrelatorClosed) {
		t.Errorf("Call() after Close() error = %v, want ErrCorrelatorClosed", err)
	}
}

func TestCorrelator_CallValidation(t *testing.T) {
	c, _ := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name:    "missing command name",
			req:     Request{CommandTopic: commandTopic, ResponseTopic: responseTopic},
			wantErr: ErrInvalidCommand,
		},
		{
			name:    "missing target",
			req:     Request{CommandTopic: commandTopic, ResponseTopic: responseTopic, Command: Command{Command: "open"}},
			wantErr: ErrMissingTarget,
		},
		{
			name:    "wildcard command topic",
			req:     Request{CommandTopic: "accessControl/+/command", ResponseTopic: responseTopic, Command: Command{Command: "open"}},
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "empty response topic",
			req:     Request{CommandTopic: commandTopic, Command: Command{Command: "open"}},
			wantErr: ErrInvalidTopic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Call(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Call() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Response Subscription Tests
// =============================================================================

func TestCorrelator_RebuildsClearedResponseSubscription(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	replyWith(tr, `{"command":"testConnection","status":"success","data":{"device_id":"7"}}`)
	ctx := context.Background()

	if _, err := c.Call(ctx, testConnectionRequest("7", time.Second)); err != nil {
		t.Fatalf("first Call() error = %v", err)
	}

	// Another consumer clears every handle on the response topic.
	if err := c.mux.Unsubscribe(responseTopic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if _, err := c.Call(ctx, testConnectionRequest("7", time.Second)); err != nil {
		t.Fatalf("Call() after the topic was cleared error = %v", err)
	}
	if got := c.mux.HandlerCount(responseTopic); got != 1 {
		t.Errorf("HandlerCount() = %d, want 1", got)
	}
}

func TestCorrelator_ConcurrentFirstCallsShareSubscription(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	tr.OnPublish(func(topic string, payload []byte) {
		var cmd Command
		if topic != commandTopic || json.Unmarshal(payload, &cmd) != nil {
			return
		}
		tr.SimulateMessage(responseTopic, []byte(fmt.Sprintf(
			`{"command":"testConnection","status":"success","data":{"device_id":"%v"}}`, cmd.Data["device_id"])))
	})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, id := range []string{"1", "2", "3", "4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), testConnectionRequest(id, time.Second))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Call() error = %v", err)
		}
	}

	if got := c.mux.HandlerCount(responseTopic); got != 1 {
		t.Errorf("HandlerCount() = %d, want 1", got)
	}
	subscribes := 0
	for _, topic := range tr.SubscribeCalls() {
		if topic == responseTopic {
			subscribes++
		}
	}
	if subscribes != 1 {
		t.Errorf("network subscribes on %s = %d, want 1", responseTopic, subscribes)
	}
}

func TestCorrelator_CloseDoesNotWaitForSubscribe(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	release := tr.HoldConnect()
	defer release()

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), testConnectionRequest("7", 5*time.Second))
		errs <- err
	}()
	waitFor(t, "connect attempt", func() bool { return tr.ConnectCalls() > 0 })

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(testConnectTimeout / 2):
		t.Fatal("Close() blocked on a pending response subscription")
	}

	release()
	if err := <-errs; !errors.Is(err, ErrCorrelatorClosed) {
		t.Errorf("Call() error = %v, want ErrCorrelatorClosed", err)
	}
	if got := c.mux.HandlerCount(responseTopic); got != 0 {
		t.Errorf("HandlerCount() after Close() = %d, want 0", got)
	}
}

func TestCorrelator_ExplicitKey(t *testing.T) {
	c, tr := newTestCorrelator(t, CommandTargetStrategy{}, nil)
	ctx := context.Background()

	// No data.device_id: the strategy alone could not key this command.
	req := Request{
		CommandTopic:  commandTopic,
		ResponseTopic: responseTopic,
		Command:       Command{Command: "testConnection"},
		Key:           "testConnection:7",
		Timeout:       5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, req)
		errs <- err
	}()
	waitFor(t, "operation to be pending", func() bool { return c.Pending("testConnection:7") })

	if _, err := c.Call(ctx, req); !errors.Is(err, ErrDuplicateOperation) {
		t.Errorf("second Call() error = %v, want ErrDuplicateOperation", err)
	}

	tr.SimulateMessage(responseTopic, []byte(`{"command":"testConnection","status":"success","data":{"device_id":"7"}}`))
	if err := <-errs; err != nil {
		t.Errorf("Call() error = %v", err)
	}
}
