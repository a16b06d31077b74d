package security

import "testing"

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("call %d denied within budget", i)
		}
	}
	if rl.Allow() {
		t.Error("call allowed past budget")
	}

	rl.Reset()
	if !rl.Allow() {
		t.Error("call denied after reset")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow() {
			t.Fatal("unlimited limiter denied a call")
		}
	}
}

func TestResourceMonitorRates(t *testing.T) {
	limits := DefaultResourceLimits()
	limits.CallsPerSecond = 2
	limits.EventsPerSecond = 1
	rm := NewResourceMonitor(limits)

	if !rm.TryCall() || !rm.TryCall() {
		t.Fatal("calls denied within budget")
	}
	if rm.TryCall() {
		t.Error("call allowed past budget")
	}
	if !rm.IsExceeded() {
		t.Error("exceeded flag not set")
	}
	if rm.ExceededReason() != "call rate limit exceeded" {
		t.Errorf("reason = %q", rm.ExceededReason())
	}
	if rm.CallCount() != 2 {
		t.Errorf("call count = %d", rm.CallCount())
	}

	if !rm.TryEvent() {
		t.Fatal("event denied within budget")
	}
	if rm.TryEvent() {
		t.Error("event allowed past budget")
	}

	rm.Reset()
	if rm.IsExceeded() || rm.CallCount() != 0 {
		t.Error("reset did not clear state")
	}
	if !rm.TryCall() {
		t.Error("call denied after reset")
	}
}

func TestResourceMonitorMessageSize(t *testing.T) {
	limits := DefaultResourceLimits()
	limits.MaxMessageSize = 1024
	rm := NewResourceMonitor(limits)

	if !rm.CheckMessageSize(1024) {
		t.Error("message at limit rejected")
	}
	if rm.CheckMessageSize(1025) {
		t.Error("oversized message accepted")
	}
	if rm.ExceededReason() != "message size limit exceeded" {
		t.Errorf("reason = %q", rm.ExceededReason())
	}
}

func TestResourceMonitorMemorySampling(t *testing.T) {
	limits := DefaultResourceLimits()
	limits.MemoryLimit = 1 // any real process exceeds one byte
	rm := NewResourceMonitor(limits)

	if !rm.SampleMemory() {
		t.Skip("process memory info unavailable")
	}
	if rm.MemoryUsage() <= 0 {
		t.Error("no usage recorded")
	}
	if rm.ExceededReason() != "memory limit exceeded" {
		t.Errorf("reason = %q", rm.ExceededReason())
	}
}
