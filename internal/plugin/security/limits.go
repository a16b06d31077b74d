package security

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceLimits defines resource ceilings for a plugin instance.
type ResourceLimits struct {
	// Memory limit in bytes (advisory - enforced by periodic sampling)
	MemoryLimit int64

	// Maximum execution time per RPC call
	ExecutionTimeout time.Duration

	// Maximum time to wait for the bootstrap ready signal
	ReadyTimeout time.Duration

	// Maximum RPC calls per second
	CallsPerSecond int

	// Maximum events per second
	EventsPerSecond int

	// Maximum serialized message size in bytes
	MaxMessageSize int64
}

// DefaultResourceLimits returns sensible default ceilings.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimit:      64 * 1024 * 1024, // 64 MB
		ExecutionTimeout: 10 * time.Second,
		ReadyTimeout:     5 * time.Second,
		CallsPerSecond:   100,
		EventsPerSecond:  200,
		MaxMessageSize:   4 * 1024 * 1024, // 4 MB
	}
}

// StrictResourceLimits returns tighter ceilings for untrusted plugins.
func StrictResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimit:      16 * 1024 * 1024, // 16 MB
		ExecutionTimeout: 2 * time.Second,
		ReadyTimeout:     2 * time.Second,
		CallsPerSecond:   10,
		EventsPerSecond:  20,
		MaxMessageSize:   512 * 1024, // 512 KB
	}
}

// ResourceMonitor tracks resource usage for one plugin instance and
// enforces its limits.
type ResourceMonitor struct {
	mu sync.RWMutex

	limits ResourceLimits

	// Tracking
	callCount   int64
	eventCount  int64
	memoryUsage int64

	// Rate limiters
	callLimiter  *RateLimiter
	eventLimiter *RateLimiter

	// Host process handle for memory sampling
	proc *process.Process

	// State
	exceeded bool
	reason   string
}

// NewResourceMonitor creates a monitor with the given limits.
func NewResourceMonitor(limits ResourceLimits) *ResourceMonitor {
	rm := &ResourceMonitor{
		limits:       limits,
		callLimiter:  NewRateLimiter(limits.CallsPerSecond),
		eventLimiter: NewRateLimiter(limits.EventsPerSecond),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		rm.proc = p
	}
	return rm
}

// TryCall attempts an RPC call. Returns false if rate limited.
func (rm *ResourceMonitor) TryCall() bool {
	if !rm.callLimiter.Allow() {
		rm.setExceeded("call rate limit exceeded")
		return false
	}
	atomic.AddInt64(&rm.callCount, 1)
	return true
}

// TryEvent attempts an event publish. Returns false if rate limited.
func (rm *ResourceMonitor) TryEvent() bool {
	if !rm.eventLimiter.Allow() {
		rm.setExceeded("event rate limit exceeded")
		return false
	}
	atomic.AddInt64(&rm.eventCount, 1)
	return true
}

// CheckMessageSize returns true if a message of the given size may pass.
func (rm *ResourceMonitor) CheckMessageSize(size int64) bool {
	if rm.limits.MaxMessageSize > 0 && size > rm.limits.MaxMessageSize {
		rm.setExceeded("message size limit exceeded")
		return false
	}
	return true
}

// SampleMemory records current host-process resident memory and returns
// true if the plugin's advisory ceiling is exceeded. Sampling is at the
// process level; per-plugin attribution is approximate.
func (rm *ResourceMonitor) SampleMemory() bool {
	if rm.proc == nil {
		return false
	}
	info, err := rm.proc.MemoryInfo()
	if err != nil {
		return false
	}
	rss := int64(info.RSS)
	atomic.StoreInt64(&rm.memoryUsage, rss)
	if rm.limits.MemoryLimit > 0 && rss > rm.limits.MemoryLimit {
		rm.setExceeded("memory limit exceeded")
		return true
	}
	return false
}

// MemoryUsage returns the last sampled memory usage.
func (rm *ResourceMonitor) MemoryUsage() int64 {
	return atomic.LoadInt64(&rm.memoryUsage)
}

// CallCount returns the total RPC calls observed.
func (rm *ResourceMonitor) CallCount() int64 {
	return atomic.LoadInt64(&rm.callCount)
}

// EventCount returns the total events observed.
func (rm *ResourceMonitor) EventCount() int64 {
	return atomic.LoadInt64(&rm.eventCount)
}

// ExecutionTimeout returns the per-call execution timeout.
func (rm *ResourceMonitor) ExecutionTimeout() time.Duration {
	return rm.limits.ExecutionTimeout
}

// Limits returns the current limits.
func (rm *ResourceMonitor) Limits() ResourceLimits {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.limits
}

// IsExceeded returns true if any limit was exceeded.
func (rm *ResourceMonitor) IsExceeded() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.exceeded
}

// ExceededReason returns the reason a limit was exceeded, if any.
func (rm *ResourceMonitor) ExceededReason() string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.reason
}

// setExceeded marks limits as exceeded with a reason.
func (rm *ResourceMonitor) setExceeded(reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.exceeded = true
	rm.reason = reason
}

// Reset clears all counters and the exceeded state.
func (rm *ResourceMonitor) Reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	atomic.StoreInt64(&rm.callCount, 0)
	atomic.StoreInt64(&rm.eventCount, 0)
	atomic.StoreInt64(&rm.memoryUsage, 0)
	rm.callLimiter.Reset()
	rm.eventLimiter.Reset()
	rm.exceeded = false
	rm.reason = ""
}

// RateLimiter implements a simple token bucket rate limiter.
type RateLimiter struct {
	mu sync.Mutex

	rate       int       // operations per second
	tokens     int       // current tokens
	maxTokens  int       // maximum tokens (burst size)
	lastRefill time.Time // last token refill time
}

// NewRateLimiter creates a new rate limiter. A non-positive rate means
// no limit.
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	if ratePerSecond <= 0 {
		return &RateLimiter{rate: 0, tokens: 1, maxTokens: 1}
	}
	return &RateLimiter{
		rate:       ratePerSecond,
		tokens:     ratePerSecond,
		maxTokens:  ratePerSecond,
		lastRefill: time.Now(),
	}
}

// Allow returns true if an operation is allowed.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.rate == 0 {
		return true
	}

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(rl.rate))
	if tokensToAdd > 0 {
		rl.tokens += tokensToAdd
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens <= 0 {
		return false
	}

	rl.tokens--
	return true
}

// Reset restores the rate limiter to full capacity.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = rl.maxTokens
	rl.lastRefill = time.Now()
}
