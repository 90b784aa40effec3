package monitoring

import (
	"fmt"
	"log"
	"testing"
	"time"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(log.Printf)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("[face/listener] dropped %d datagrams", 3)
	if got != "[face/listener] dropped 3 datagrams" {
		t.Errorf("custom logger got %q", got)
	}

	// nil installs a no-op logger
	got = ""
	SetLogger(nil)
	Logf("should be muted")
	if got != "" {
		t.Errorf("no-op logger should not have triggered callback, got %q", got)
	}
}

func TestThrottle(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewThrottle(time.Second)
	th.now = func() time.Time { return now }

	if !th.Allow() {
		t.Fatal("first event should be allowed")
	}
	if th.Allow() {
		t.Error("second event within the interval should be suppressed")
	}
	now = now.Add(999 * time.Millisecond)
	if th.Allow() {
		t.Error("event just inside the interval should be suppressed")
	}
	now = now.Add(time.Millisecond)
	if !th.Allow() {
		t.Error("event after the interval should be allowed")
	}
}

func TestThrottle_ZeroIntervalAndNil(t *testing.T) {
	th := NewThrottle(0)
	for i := 0; i < 3; i++ {
		if !th.Allow() {
			t.Fatalf("zero interval should allow every event (i=%d)", i)
		}
	}

	var nilThrottle *Throttle
	if !nilThrottle.Allow() {
		t.Error("nil throttle should allow every event")
	}
}
