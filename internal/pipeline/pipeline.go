package pipeline

import (
	"context"
	"time"

	"media-preview/internal/cache"
	"media-preview/internal/fetch"
	"media-preview/internal/logging"
	"media-preview/internal/metrics"
	"media-preview/internal/preview"
	"media-preview/internal/scheduler"
)

// Identifier classifies a source from its byte prefix.
type Identifier interface {
	Identify(ctx context.Context, src fetch.Source) (preview.MediaDescriptor, error)
}

// Producer turns an identified source into a preview artifact.
type Producer interface {
	Produce(ctx context.Context, src fetch.Source, desc preview.MediaDescriptor, spec preview.QualitySpec) (*preview.PreviewArtifact, error)
}

// Service orchestrates one preview request end to end: resolve the file's
// current identity, consult the cache, and on a miss run
// identify-then-produce under the scheduler's admission control.
type Service struct {
	hosts    map[string]*fetch.Local
	ident    Identifier
	producer Producer
	cache    *cache.Cache
	sched    *scheduler.Scheduler
}

// New wires the pipeline stages together. The hosts map binds host labels to
// their fetch adapters.
func New(hosts map[string]*fetch.Local, ident Identifier, producer Producer, c *cache.Cache, s *scheduler.Scheduler) *Service {
	return &Service{
		hosts:    hosts,
		ident:    ident,
		producer: producer,
		cache:    c,
		sched:    s,
	}
}

// RequestPreview returns the preview for (host, path) at the given quality,
// producing and caching it when absent. Requests for equal keys are
// coalesced; ctx cancellation detaches this caller without affecting others.
func (s *Service) RequestPreview(ctx context.Context, host, path string, spec preview.QualitySpec) (*preview.PreviewArtifact, error) {
	start := time.Now()
	artifact, outcome, err := s.requestPreview(ctx, host, path, spec)

	metrics.PipelineRequestsTotal.WithLabelValues(string(spec.Kind), outcome).Inc()
	metrics.PipelineRequestDuration.WithLabelValues(string(spec.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues(string(preview.KindOf(err))).Inc()
	}
	return artifact, err
}

func (s *Service) requestPreview(ctx context.Context, host, path string, spec preview.QualitySpec) (*preview.PreviewArtifact, string, error) {
	if err := spec.Validate(); err != nil {
		return nil, "invalid", preview.E(preview.KindInternal, "pipeline.RequestPreview", err)
	}

	adapter, ok := s.hosts[host]
	if !ok {
		return nil, "error", preview.Errorf(preview.KindHostUnreachable, "pipeline.RequestPreview",
			"unknown host %q", host)
	}

	identity, err := adapter.Stat(path)
	if err != nil {
		return nil, "error", err
	}

	key := preview.KeyFor(identity, spec)

	if artifact, hit, err := s.cache.Get(ctx, key); err != nil {
		logging.Warn("Cache lookup failed for %s: %v", key, err)
	} else if hit {
		if artifact.Source.SameContent(identity) {
			return artifact, "hit", nil
		}
		// Key collision across identities cannot happen with derived keys;
		// a mismatch here means the stored row predates a hash upgrade.
		if err := s.cache.Invalidate(ctx, key); err != nil {
			logging.Warn("Failed to invalidate stale entry %s: %v", key, err)
		}
	}

	// The file changed identity at some point: drop artifacts derived from
	// its previous versions so they stop occupying budget.
	if _, err := s.cache.InvalidateStale(ctx, identity); err != nil {
		logging.Warn("Stale invalidation failed for %s:%s: %v", host, path, err)
	}

	artifact, err := s.sched.Request(ctx, key, func(jobCtx context.Context) (*preview.PreviewArtifact, error) {
		return s.produce(jobCtx, adapter, path, identity, key, spec)
	})
	if err != nil {
		return nil, "error", err
	}
	return artifact, "miss", nil
}

// produce runs the identify-then-produce stages for one admitted job and
// caches the result while it is still the file's current content.
func (s *Service) produce(ctx context.Context, adapter *fetch.Local, path string, identity preview.FileIdentity, key preview.PreviewKey, spec preview.QualitySpec) (*preview.PreviewArtifact, error) {
	src, err := adapter.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logging.Warn("Failed to close source %s: %v", path, err)
		}
	}()

	desc, err := s.ident.Identify(ctx, src)
	if err != nil {
		return nil, err
	}

	artifact, err := s.producer.Produce(ctx, src, desc, spec)
	if err != nil {
		return nil, err
	}
	if artifact.Source.Host == "" {
		artifact.Source = identity
	}

	// The result belongs to the identity observed at admission. If the file
	// changed while we worked, the artifact still answers this request (its
	// key names the old content) but must not enter the cache as current.
	current, statErr := adapter.Stat(path)
	if statErr != nil || !current.SameContent(identity) {
		logging.Debug("Not caching %s: identity changed during production", key)
		// The cache never adopted the spool; release it while the waiters
		// can still read through the detached handle.
		if err := artifact.Detach(); err != nil {
			logging.Warn("Failed to release spool for %s: %v", key, err)
		}
		return artifact, nil
	}

	// Cache writes survive request cancellation; the work is already done.
	putCtx := context.WithoutCancel(ctx)
	if err := s.cache.Put(putCtx, key, artifact); err != nil {
		logging.Warn("Failed to cache artifact %s: %v", key, err)
		if derr := artifact.Detach(); derr != nil {
			logging.Warn("Failed to release spool for %s: %v", key, derr)
		}
	}

	return artifact, nil
}

// Handle tracks one preview request for callers that manage cancellation
// explicitly instead of through a context, typically UI code driving
// previews from selection changes.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	artifact *preview.PreviewArtifact
	err      error
}

// Request starts a preview request and returns a Handle for it. The request
// runs until completion or Cancel.
func (s *Service) Request(host, path string, spec preview.QualitySpec) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer cancel()
		h.artifact, h.err = s.RequestPreview(ctx, host, path, spec)
		close(h.done)
	}()

	return h
}

// Cancel detaches this request. If it was the last waiter on the underlying
// job, production stops.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the request has an outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the request finishes and returns its outcome.
func (h *Handle) Result() (*preview.PreviewArtifact, error) {
	<-h.done
	return h.artifact, h.err
}

// Invalidate drops every cached artifact derived from the named file.
func (s *Service) Invalidate(ctx context.Context, host, path string) (int, error) {
	return s.cache.InvalidateFile(ctx, host, path)
}

// Hosts returns the configured host labels, for startup logging and the
// health surface.
func (s *Service) Hosts() []string {
	hosts := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}
