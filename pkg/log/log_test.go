package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

type captureLogger struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureLogger) Log(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestEventRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	in := Event{
		Timestamp:    ts,
		ConnectionID: "c-1",
		Direction:    DirectionOut,
		Layer:        LayerTransport,
		Category:     CategoryFrame,
		DeviceKey:    "dev-1",
		Frame: &FrameEvent{
			Type:          wire.FrameTransfer,
			Link:          wire.LinkTelemetry,
			CorrelationID: "x",
			Size:          42,
		},
	}

	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if !out.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, ts)
	}
	if out.Frame == nil || out.Frame.Size != 42 || out.Frame.Link != wire.LinkTelemetry {
		t.Errorf("frame = %+v", out.Frame)
	}
	if out.Operation != nil || out.StateChange != nil || out.Error != nil {
		t.Error("unexpected payload sections after decode")
	}
}

func TestFileLoggerAndFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.hlog")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	if fl.Path() != path {
		t.Errorf("Path = %q", fl.Path())
	}

	now := time.Now()
	fl.Log(Event{Timestamp: now, DeviceKey: "dev-1", Category: CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntityDevice, NewState: "CONNECTED"}})
	fl.Log(Event{Timestamp: now, DeviceKey: "dev-1/mod-a", Category: CategoryFrame,
		Frame: &FrameEvent{Type: wire.FramePing}})
	fl.Log(Event{Timestamp: now, DeviceKey: "dev-2", Category: CategoryFrame,
		Frame: &FrameEvent{Type: wire.FramePong}})
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fl.Log(Event{Timestamp: now, DeviceKey: "dev-1"})
	if fl.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1 after close", fl.Dropped())
	}
	if err := fl.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	r, err := OpenFile(path, Filter{DeviceKey: "dev-1"})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r.Close()

	var got []string
	for e, err := range r.All() {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		got = append(got, e.DeviceKey)
	}
	if len(got) != 2 || got[0] != "dev-1" || got[1] != "dev-1/mod-a" {
		t.Errorf("filtered keys = %v, want [dev-1 dev-1/mod-a]", got)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next after end = %v, want io.EOF", err)
	}

	r2, err := OpenFile(path, Filter{Categories: []Category{CategoryFrame}})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r2.Close()
	n := 0
	for _, err := range r2.All() {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("frame events = %d, want 2", n)
	}
}

func TestFilterMatch(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	throttled := Event{
		Timestamp: base,
		DeviceKey: "dev-1",
		Layer:     LayerPipeline,
		Category:  CategoryError,
		Error:     &ErrorEventData{Kind: wire.KindThrottled},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter", Filter{}, true},
		{"other device", Filter{DeviceKey: "dev-2"}, false},
		{"device prefix is not a module", Filter{DeviceKey: "dev"}, false},
		{"layer listed", Filter{Layers: []Layer{LayerTransport, LayerPipeline}}, true},
		{"layer not listed", Filter{Layers: []Layer{LayerTransport}}, false},
		{"since inclusive", Filter{Since: base}, true},
		{"until exclusive", Filter{Until: base}, false},
		{"error kind", Filter{ErrorKinds: []wire.ErrorKind{wire.KindThrottled}}, true},
		{"other error kind", Filter{ErrorKinds: []wire.ErrorKind{wire.KindTimeout}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(throttled); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReaderFromStream(t *testing.T) {
	var buf bytes.Buffer
	for _, key := range []string{"a", "b"} {
		data, err := EncodeEvent(Event{Timestamp: time.Now(), DeviceKey: key})
		if err != nil {
			t.Fatalf("EncodeEvent: %v", err)
		}
		buf.Write(data)
	}
	buf.Write([]byte{0xff})

	r := NewReader(&buf, Filter{})
	var keys []string
	var lastErr error
	for e, err := range r.All() {
		if err != nil {
			lastErr = err
			continue
		}
		keys = append(keys, e.DeviceKey)
	}
	if len(keys) != 2 {
		t.Errorf("keys = %v", keys)
	}
	if lastErr == nil {
		t.Error("trailing garbage should surface as an error")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := NewSlogAdapter(logger)

	a.Log(Event{
		Timestamp: time.Now(),
		Layer:     LayerPipeline,
		Category:  CategoryOperation,
		DeviceKey: "dev-1",
		Operation: &OperationEvent{Name: "open", Attempts: 3, Outcome: "ok"},
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if rec["layer"] != "PIPELINE" {
		t.Errorf("layer = %v", rec["layer"])
	}
	if rec["op"] != "open" {
		t.Errorf("op = %v", rec["op"])
	}
	if rec["attempts"] != float64(3) {
		t.Errorf("attempts = %v", rec["attempts"])
	}
	if rec["device"] != "dev-1" {
		t.Errorf("device = %v", rec["device"])
	}
	if _, ok := rec["direction"]; ok {
		t.Error("direction should be omitted for DirectionNone")
	}
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	a, b := &captureLogger{}, &captureLogger{}
	m := NewMultiLogger(a, nil, b)
	m.Log(Event{DeviceKey: "x"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("events = %d/%d, want 1/1", len(a.events), len(b.events))
	}
}

func TestNewErrorEventCarriesKind(t *testing.T) {
	err := wire.WrapError(wire.KindThrottled, "send", errors.New("429"))
	e := NewErrorEvent(LayerPipeline, "c", "dev", "send_telemetry", err)

	if e.Category != CategoryError || e.Error == nil {
		t.Fatalf("event = %+v", e)
	}
	if e.Error.Kind != wire.KindThrottled {
		t.Errorf("kind = %v, want THROTTLED", e.Error.Kind)
	}
	if e.Error.Context != "send_telemetry" {
		t.Errorf("context = %q", e.Error.Context)
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}
	c := &captureLogger{}
	if OrNoop(c) != c {
		t.Error("OrNoop should return the given logger")
	}
}
