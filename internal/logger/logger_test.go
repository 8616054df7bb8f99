package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestNewWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	l := New("tablepay-test", Options{Level: "debug", Output: &buf})
	l.Debug().Str("order_id", "ORD-1").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["service"] != "tablepay-test" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["order_id"] != "ORD-1" {
		t.Errorf("order_id = %v", entry["order_id"])
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New("svc", Options{Level: "nonsense", Output: &buf})
	l.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered, got %q", buf.String())
	}
}

func TestCtxRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := New("svc", Options{Output: &buf})
	ctx := WithContext(context.Background(), l)
	Ctx(ctx).Info().Msg("from ctx")
	if buf.Len() == 0 {
		t.Fatal("expected log output through context logger")
	}
}
