package remotecache

import "context"

// Provider adapts RemoteCache to a build orchestrator's cache-provider hook:
// Retrieve(hash, dir) before a task runs and Store(hash, dir) after a miss.
// One Provider serves exactly one task invocation; it threads the Attempt
// from Retrieve to Store so a retrieved result is never uploaded again.
type Provider struct {
	cache   *RemoteCache
	attempt *Attempt
}

// NewProvider returns a Provider for a single task invocation.
func (rc *RemoteCache) NewProvider() *Provider {
	return &Provider{cache: rc}
}

// Retrieve reports whether the task's outputs were materialized from the
// remote cache into dir. A failed transfer is returned as an error.
func (p *Provider) Retrieve(ctx context.Context, hash, dir string) (bool, error) {
	attempt, err := p.cache.Retrieve(ctx, hash, dir)
	p.attempt = attempt
	if err != nil {
		return false, err
	}
	return attempt.Hit(), nil
}

// Store publishes the task's outputs from dir. It returns false, without any
// upload, when Retrieve already produced the outputs, and false when the
// upload failed.
func (p *Provider) Store(ctx context.Context, hash, dir string) bool {
	if p.attempt == nil || p.attempt.Hash() != hash || p.attempt.Dir() != dir {
		p.attempt = NewAttempt(hash, dir)
	}
	return p.cache.Store(ctx, p.attempt)
}

// Attempt returns the state of the current task, or nil before any call.
func (p *Provider) Attempt() *Attempt {
	return p.attempt
}
