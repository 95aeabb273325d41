package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestInfoFormatsFields(t *testing.T) {
	out := capture(t, func() {
		Info("engine", "job started", "job_id", "j-1", "flow_id", "f-1")
	})
	if !strings.Contains(out, "[ENGINE] job started job_id=j-1 flow_id=f-1") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestErrorOddFieldCount(t *testing.T) {
	out := capture(t, func() {
		Error("store", "write failed", "key")
	})
	if !strings.Contains(out, "key=(missing)") {
		t.Fatalf("odd field not padded: %q", out)
	}
}

func TestFieldsSanitizeWhitespace(t *testing.T) {
	out := capture(t, func() {
		Warn("sched", "bad value", "raw", "a\nb\tc")
	})
	if !strings.Contains(out, "raw=a b c") {
		t.Fatalf("whitespace not collapsed: %q", out)
	}
}
