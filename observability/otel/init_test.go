package otel

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("api-key=abc, x-team = lending ,broken,=skip")
	if len(headers) != 2 || headers["api-key"] != "abc" || headers["x-team"] != "lending" {
		t.Fatalf("unexpected headers %v", headers)
	}
}
