package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapBackendCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapCore(core, false).With(String("instance_id", "bs-1"))

	l.Warn(context.Background(), "protocol violation", Uint16("cid", 7), Err(errors.New("bad tlv")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "protocol violation" {
		t.Fatalf("unexpected entry %+v", e.Entry)
	}
	fields := e.ContextMap()
	if fields["instance_id"] != "bs-1" || fields["error"] != "bad tlv" {
		t.Fatalf("fields = %v", fields)
	}
	if fields["cid"] != uint16(7) {
		t.Fatalf("cid field = %#v", fields["cid"])
	}
}

func TestZapLevelFiltering(t *testing.T) {
	core, logs := observer.New(zapLevel("warn"))
	l := NewZapCore(core, false)
	l.Info(context.Background(), "dropped")
	l.Error(context.Background(), "kept")
	if logs.Len() != 1 {
		t.Fatalf("got %d entries, want 1", logs.Len())
	}
}

func TestInstanceIDIsStable(t *testing.T) {
	ctx, id := EnsureInstanceID(context.Background())
	if id == "" {
		t.Fatalf("empty instance id")
	}
	ctx2, id2 := EnsureInstanceID(ctx)
	if id2 != id || InstanceIDFromContext(ctx2) != id {
		t.Fatalf("instance id changed: %q -> %q", id, id2)
	}

	_, l := WithInstanceLogger(ctx, nil)
	if l == nil {
		t.Fatalf("WithInstanceLogger returned nil logger")
	}
	if LoggerFromContext(ContextWithLogger(ctx, nil)) == nil {
		t.Fatalf("ContextWithLogger dropped the noop logger")
	}
}

type cid uint16

func (c cid) String() string { return fmt.Sprintf("CID(%d)", uint16(c)) }

func TestStringerFieldIsLazy(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZapCore(core, false)

	calls := 0
	l.Debug(context.Background(), "filtered", Stringer("cid", countingStringer{&calls}))
	if calls != 0 {
		t.Fatalf("String called %d times for a filtered entry", calls)
	}

	l.Info(context.Background(), "kept", Stringer("cid", cid(42)))
	if got := logs.All()[0].ContextMap()["cid"]; got != "CID(42)" {
		t.Fatalf("cid field = %#v", got)
	}
}

type countingStringer struct{ n *int }

func (c countingStringer) String() string { *c.n++; return "x" }

func TestZapSamplingBoundsRepeats(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapCore(sampled(core, Config{SampleFirst: 3, SampleThereafter: 100}), false)
	for i := 0; i < 50; i++ {
		l.Warn(context.Background(), "inbound pdu dropped")
	}
	if logs.Len() != 3 {
		t.Fatalf("got %d entries, want 3", logs.Len())
	}

	core, logs = observer.New(zapcore.DebugLevel)
	l = NewZapCore(sampled(core, Config{}), false)
	for i := 0; i < 5; i++ {
		l.Warn(context.Background(), "inbound pdu dropped")
	}
	if logs.Len() != 5 {
		t.Fatalf("sampling applied without SampleFirst: %d entries", logs.Len())
	}
}

func TestNewFromEnvFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("LOG_MAX_SIZE_MB", "large")
	if NewFromEnv() == nil {
		t.Fatalf("NewFromEnv returned nil")
	}

	var cfg Config
	t.Setenv("LOG_MAX_SIZE_MB", "7")
	t.Setenv("LOG_BACKEND", "zap")
	if err := envconfig.Process("LOG", &cfg); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if cfg.MaxSizeMB != 7 || cfg.Backend != "zap" || cfg.Level != "info" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestSlogBackendReportsCallerSource(t *testing.T) {
	var buf bytes.Buffer
	l := (&slogger{h: slogHandler(&buf, Config{Level: "debug", Format: "json", AddSource: true})}).
		With(String("instance_id", "bs-1"))

	l.Info(context.Background(), "station registered", Stringer("cid", cid(9)), Uint64("frame", 12))

	var entry struct {
		Msg        string `json:"msg"`
		InstanceID string `json:"instance_id"`
		CID        string `json:"cid"`
		Frame      uint64 `json:"frame"`
		Source     struct {
			File string `json:"file"`
		} `json:"source"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if entry.Msg != "station registered" || entry.InstanceID != "bs-1" || entry.CID != "CID(9)" || entry.Frame != 12 {
		t.Fatalf("entry = %+v", entry)
	}
	if !strings.HasSuffix(entry.Source.File, "logging_test.go") {
		t.Fatalf("source = %q, want the test file", entry.Source.File)
	}

	buf.Reset()
	l.Debug(nil, "nil context")
	if buf.Len() == 0 {
		t.Fatalf("nil context dropped the entry")
	}
}
