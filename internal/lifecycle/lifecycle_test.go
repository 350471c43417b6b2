package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetShuttingDown(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true)")
	}
}

func TestSequence_RunsStepsInOrder(t *testing.T) {
	SetShuttingDown(false)
	defer SetShuttingDown(false)

	var order []string
	var flagDuringFirst bool
	s := NewSequence(nil)
	s.Add("http server", func(ctx context.Context) error {
		flagDuringFirst = IsShuttingDown()
		order = append(order, "http server")
		return nil
	})
	s.Add("cache", func(ctx context.Context) error {
		order = append(order, "cache")
		return nil
	})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !flagDuringFirst {
		t.Error("drain flag not set before the first step")
	}
	if want := []string{"http server", "cache"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestSequence_ContinuesPastFailures(t *testing.T) {
	defer SetShuttingDown(false)
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewSequence(zap.New(core))

	boom := errors.New("memcache: connection reset")
	ran := false
	s.Add("cache", func(ctx context.Context) error { return boom })
	s.Add("logs", func(ctx context.Context) error { ran = true; return nil })

	err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if !ran {
		t.Error("step after failure did not run")
	}
	if logs.FilterMessage("shutdown step failed").Len() != 1 {
		t.Error("failure not logged")
	}
	if logs.FilterMessage("shutdown step complete").Len() != 1 {
		t.Error("completion not logged")
	}
}
