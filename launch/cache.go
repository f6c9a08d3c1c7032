package launch

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/shapes"
	"github.com/cymqqqq/oneflow/types/xsync"
)

// CompilationResult is the compiled, device-executable artifact for one
// signature, together with the shape descriptors execution needs.
//
// It is shared, read-only, by every invocation that hits its signature. Its
// lifetime is reference-counted: the cache holds one reference, and every
// lookup hands the caller one more, returned with Release. The executable is
// finalized when the last reference goes.
type CompilationResult struct {
	Executable backends.Executable

	// InputShapes holds one on-device shape descriptor per entry argument,
	// in entry order.
	InputShapes []shapes.Shape

	// OutputShape is a tuple with one element per return value.
	OutputShape shapes.Shape

	entry *cacheEntry
}

// Release returns the reference obtained from Cache.Get or Cache.GetOrCompile.
// The executable is finalized once the cache has dropped the artifact and the
// last holder released it. For a result never handed to a Cache there is no
// reference to return and Release is a no-op.
func (r *CompilationResult) Release() {
	if r.entry != nil {
		r.entry.release()
	}
}

// memoryEstimate of the buffers the artifact moves per launch, for logging.
func (r *CompilationResult) memoryEstimate() uint64 {
	var total uintptr
	for _, shape := range r.InputShapes {
		total += shape.Memory()
	}
	for _, shape := range r.OutputShape.TupleShapes {
		total += shape.Memory()
	}
	return uint64(total)
}

// DefaultCacheCapacity is the number of compiled artifacts a Cache keeps per
// launch unit if not configured otherwise (see WithCacheCapacity). A launch
// unit needs one artifact per distinct combination of entry shapes it is
// invoked with.
const DefaultCacheCapacity = 32

// compileOutcome is what a compile flight delivers to its waiters.
type compileOutcome struct {
	result *CompilationResult
	err    error
}

// cacheEntry is the per-signature promise plus the reference count guarding
// the artifact's lifetime. The goroutine that created the entry compiles and
// triggers the promise, everyone else waits on it. refs counts the cache's
// own hold plus one per holder between lookup and Release.
type cacheEntry struct {
	sig     Signature
	promise *xsync.LatchWithValue[compileOutcome]
	refs    atomic.Int64
}

// release drops one reference and finalizes the artifact when the last one
// goes. By then the promise is always triggered: the cache's own reference
// outlives un-triggered flights (see Cache.onEvict), and holders only release
// after receiving the outcome.
func (entry *cacheEntry) release() {
	if entry.refs.Add(-1) > 0 {
		return
	}
	outcome := entry.promise.Wait()
	if outcome.result == nil {
		return
	}
	klog.V(1).Infof("compilation cache: finalizing %s (~%s moved per launch)",
		entry.sig, humanize.IBytes(outcome.result.memoryEstimate()))
	outcome.result.Executable.Finalize()
}

// Cache maps Signature to CompilationResult with get-or-compile semantics.
//
// It is safe for concurrent use. Concurrent misses on the same signature
// compile at most once: losers of the insertion race wait on the winner's
// promise. Capacity is bounded with LRU eviction; every hit marks its entry
// as recently used. Eviction drops only the cache's reference: an invocation
// holding the artifact keeps the executable alive until it Releases.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[Signature, *cacheEntry]
}

// NewCache returns a Cache bounded to the given capacity. Non-positive
// capacities fall back to DefaultCacheCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	cache := &Cache{}
	// Error is only possible for non-positive capacity.
	cache.entries, _ = lru.NewWithEvict(capacity, cache.onEvict)
	return cache
}

// onEvict drops the cache's reference to the evicted entry. It runs with
// c.mu held, from inside the lru calls. An entry may be evicted while its
// compile flight is still in flight; the release then waits for the flight in
// a separate goroutine, so waiters receive the outcome before the artifact
// can be finalized.
func (c *Cache) onEvict(sig Signature, entry *cacheEntry) {
	klog.V(1).Infof("compilation cache: evicting %s", sig)
	if entry.promise.Test() {
		entry.release()
		return
	}
	go func() {
		entry.promise.Wait()
		entry.release()
	}()
}

// Get returns the artifact recorded for the signature, if any, handing the
// caller a reference it must Release. It never compiles; flights still in
// progress and failed flights read as missing.
func (c *Cache) Get(sig Signature) (*CompilationResult, bool) {
	c.mu.Lock()
	entry, found := c.entries.Get(sig)
	if found {
		entry.refs.Add(1)
	}
	c.mu.Unlock()
	if !found {
		return nil, false
	}
	if !entry.promise.Test() {
		entry.release()
		return nil, false
	}
	outcome := entry.promise.Wait()
	if outcome.err != nil {
		entry.release()
		return nil, false
	}
	return outcome.result, true
}

// Record inserts or overwrites the artifact for the signature, transferring
// ownership of result to the cache. Last write wins: a replaced artifact is
// finalized once every invocation still holding it has released it.
func (c *Cache) Record(sig Signature, result *CompilationResult) {
	entry := &cacheEntry{sig: sig, promise: xsync.NewLatchWithValue[compileOutcome]()}
	entry.refs.Store(1) // The cache's own hold.
	result.entry = entry
	entry.promise.Trigger(compileOutcome{result: result})

	c.mu.Lock()
	replaced, found := c.entries.Peek(sig)
	c.entries.Add(sig, entry)
	c.mu.Unlock()
	if found {
		// Add on an existing key replaces without the eviction callback, so
		// drop the cache's hold on the replaced entry here.
		replaced.release()
	}
}

// GetOrCompile returns the artifact for the signature, compiling it with
// compile on a miss. The caller must Release the artifact once the invocation
// is done with it.
//
// At most one compile flight runs per signature: concurrent callers of the
// same signature wait for the flight and receive its outcome, success or
// error. A failed flight is cleared from the cache so a later call may retry.
func (c *Cache) GetOrCompile(sig Signature, compile func() (*CompilationResult, error)) (*CompilationResult, error) {
	entry := &cacheEntry{sig: sig, promise: xsync.NewLatchWithValue[compileOutcome]()}
	entry.refs.Store(2) // One reference for the cache, one for the caller.

	c.mu.Lock()
	if prev, found := c.entries.Get(sig); found {
		prev.refs.Add(1)
		c.mu.Unlock()
		outcome := prev.promise.Wait()
		if outcome.err != nil {
			prev.release()
			return nil, outcome.err
		}
		return outcome.result, nil
	}
	c.entries.Add(sig, entry)
	c.mu.Unlock()

	klog.V(1).Infof("compilation cache: miss for %s, compiling", sig)
	// If compile panics the promise must still resolve, or waiters of the same
	// signature would block forever.
	defer func() {
		if entry.promise.Test() {
			return
		}
		entry.promise.Trigger(compileOutcome{err: errorf(KindCompilationFailure, "compilation of %s aborted", sig)})
		c.removeFailed(sig, entry)
	}()
	result, err := compile()
	if err != nil {
		entry.promise.Trigger(compileOutcome{err: err})
		c.removeFailed(sig, entry)
		return nil, err
	}
	result.entry = entry
	entry.promise.Trigger(compileOutcome{result: result})
	klog.V(1).Infof("compilation cache: recorded %s (~%s moved per launch)",
		sig, humanize.IBytes(result.memoryEstimate()))
	return result, nil
}

// removeFailed clears a failed flight so later invocations retry, and returns
// the winner's reference. Only the flight's own entry is removed: a
// concurrent Record may have replaced it.
func (c *Cache) removeFailed(sig Signature, entry *cacheEntry) {
	c.mu.Lock()
	if current, found := c.entries.Peek(sig); found && current == entry {
		c.entries.Remove(sig) // onEvict drops the cache's reference.
	}
	c.mu.Unlock()
	entry.release()
}

// Len returns the number of cached artifacts, including in-flight compiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Finalize drops every entry; each executable is finalized as soon as no
// invocation holds it anymore. The Cache must not be used afterwards.
func (c *Cache) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
