// Package resource implements a Controller for memory, request and IO limits.
//
// objstore runs every object request through a Controller:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:      64 << 20,  // page cache budget
//	    MaxConcurrentRequests: 8,
//	    IOLimitBytesPerSec:    100 << 20,
//	})
//
//	if err := rc.AcquireRequest(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseRequest()
//	if err := rc.AcquireIO(ctx, len(page)); err != nil {
//	    return err
//	}
//
// AcquireMemory is non-blocking and fails fast with ErrMemoryLimitExceeded;
// the cache treats that as "do not cache". All methods are safe for
// concurrent use, and a nil *Controller turns every call into a no-op.
package resource
