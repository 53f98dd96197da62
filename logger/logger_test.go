package logger

import (
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestRecordStreamMessage(t *testing.T) {
	RecordStreamMessage("feed_out", 42)
	RecordStreamMessage("feed_out", 8)

	v, ok := streams.Load("feed_out")
	if !ok {
		t.Fatal("stream stat not recorded")
	}
	ss := v.(*streamStat)
	if got := atomic.LoadInt64(&ss.messages); got < 2 {
		t.Errorf("messages = %d, want >= 2", got)
	}
	if got := atomic.LoadInt64(&ss.bytes); got < 50 {
		t.Errorf("bytes = %d, want >= 50", got)
	}
}

func TestWarnRecordsComponentCounter(t *testing.T) {
	log := Logger()
	log.WithComponent("merge").Warn("boom")

	v, ok := components.Load("merge")
	if !ok {
		t.Fatal("warn did not create component stat")
	}
	ls := v.(*levelStat)
	if atomic.LoadInt64(&ls.warns) == 0 {
		t.Error("warn counter not incremented")
	}
}
