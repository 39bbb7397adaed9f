package cascade

import (
	"context"
	"sync"
	"time"

	"github.com/mkarlsen/stackhost/internal/notification"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/rs/zerolog"
)

// Propagator promotes dependent resources out of Waiting once every resource
// they wait on has become healthy. Each dependent is watched by its own
// goroutine, so dependents of a shared upstream are promoted independently.
// The notification service replays the current snapshot on subscribe, which
// makes promotion idempotent: an upstream that is already healthy promotes
// the dependent without waiting for a new publish.
type Propagator struct {
	logger        zerolog.Logger
	notifications *notification.Service
	graph         *resource.Graph
	clock         func() time.Time
}

// New constructs a Propagator over the given graph and notification service.
func New(logger zerolog.Logger, notifications *notification.Service, graph *resource.Graph) *Propagator {
	return &Propagator{
		logger:        logger,
		notifications: notifications,
		graph:         graph,
		clock:         time.Now,
	}
}

// Run watches every dependent resource and blocks until the context is
// cancelled and all watchers have released.
func (p *Propagator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	dependents := 0
	for _, name := range p.graph.Names() {
		res, _ := p.graph.Get(name)
		if !res.HasUpstream() {
			continue
		}
		dependents++
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.watchDependent(ctx, res)
		}()
	}

	p.logger.Info().Int("dependents", dependents).Msg("cascade propagator started")
	wg.Wait()
	return nil
}

func (p *Propagator) watchDependent(ctx context.Context, res resource.Resource) {
	for _, upstream := range res.Upstreams() {
		if _, err := p.notifications.WaitForResourceHealthy(ctx, upstream); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().
					Err(err).
					Str("resource", res.Name).
					Str("upstream", upstream).
					Msg("upstream wait failed, dependent stays waiting")
			}
			return
		}
	}
	p.promote(res.Name)
}

// promote moves the dependent from Waiting through Starting to Running, the
// same lifecycle roots take. A dependent that has already progressed past
// Waiting is left alone.
func (p *Propagator) promote(name string) {
	promoted := false
	err := p.notifications.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
		if s.State != resource.StateWaiting && s.State != resource.StateNotStarted {
			return s
		}
		promoted = true
		s.State = resource.StateStarting
		return s
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("resource", name).Msg("promotion publish failed")
		return
	}
	if !promoted {
		return
	}

	err = p.notifications.PublishUpdate(name, func(s resource.Snapshot) resource.Snapshot {
		if s.State != resource.StateStarting {
			return s
		}
		s.State = resource.StateRunning
		s.StartTimestamp = p.clock()
		return s
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("resource", name).Msg("promotion publish failed")
		return
	}
	p.logger.Info().Str("resource", name).Msg("dependent promoted to running")
}
