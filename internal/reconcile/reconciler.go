// Package reconcile retries calendar work that the request path could not
// finish: pending upserts and deletes of cancel-pending reservations.
package reconcile

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"studio-booking-backend/config"
	"studio-booking-backend/internal/calendar"
	"studio-booking-backend/internal/metrics"
	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/store"
)

type job struct {
	res  model.Reservation
	done *sync.WaitGroup
}

// Reconciler periodically drains the mirror backlog with a pool of workers.
type Reconciler struct {
	cfg    config.ReconcilerConfig
	store  store.Store
	mirror calendar.Mirror
	jobs   chan job
	now    func() time.Time
}

// New creates a reconciler. Call Start before ReconcileOnce.
func New(cfg config.ReconcilerConfig, st store.Store, mirror calendar.Mirror) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		cfg:    cfg,
		store:  st,
		mirror: mirror,
		jobs:   make(chan job, cfg.Workers),
		now:    time.Now,
	}
}

// Start launches the worker goroutines. They stop when ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		go r.worker(ctx, i)
	}
}

func (r *Reconciler) worker(ctx context.Context, id int) {
	for {
		select {
		case j := <-r.jobs:
			r.process(ctx, &j.res)
			j.done.Done()
		case <-ctx.Done():
			log.Printf("reconciler: worker %d shutting down", id)
			r.release()
			return
		}
	}
}

// release marks queued jobs done without processing them.
func (r *Reconciler) release() {
	for {
		select {
		case j := <-r.jobs:
			j.done.Done()
		default:
			return
		}
	}
}

// Run starts the workers and reconciles on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	if !r.cfg.Enabled {
		log.Println("reconciler: disabled, not starting")
		return
	}
	log.Printf("reconciler: starting with %d workers every %s", r.cfg.Workers, r.cfg.Interval)
	r.Start(ctx)
	r.ReconcileOnce(ctx)

	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: shutting down")
			return
		case <-timer.C:
			r.ReconcileOnce(ctx)
			timer.Reset(r.cfg.Interval)
		}
	}
}

// ReconcileOnce dispatches every due reservation and waits for the pass to
// finish. It returns the number of reservations dispatched.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	start := time.Now()
	defer func() { metrics.ObserveReconcile(time.Since(start)) }()

	due, err := r.store.DueForMirror(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		log.Printf("reconciler: could not list due reservations: %v", err)
		return 0
	}
	metrics.SetMirrorBacklog(len(due))
	if len(due) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	dispatched := 0
	for _, res := range due {
		wg.Add(1)
		select {
		case r.jobs <- job{res: res, done: &wg}:
			dispatched++
		case <-ctx.Done():
			wg.Done()
			wait(ctx, &wg)
			return dispatched
		}
	}
	if !wait(ctx, &wg) {
		log.Printf("reconciler: pass interrupted after dispatching %d reservations", dispatched)
		return dispatched
	}
	log.Printf("reconciler: pass over %d reservations finished in %s", dispatched, time.Since(start))
	return dispatched
}

// wait blocks until wg is done or ctx ends. It reports whether wg finished.
func wait(ctx context.Context, wg *sync.WaitGroup) bool {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Reconciler) process(ctx context.Context, res *model.Reservation) {
	if res.Hidden() {
		r.finishCancel(ctx, res)
		return
	}
	r.retryUpsert(ctx, res)
}

func (r *Reconciler) retryUpsert(ctx context.Context, res *model.Reservation) {
	eventID, err := r.mirror.Upsert(ctx, res)
	if err != nil {
		metrics.TrackMirror("upsert", result(err))
		next := r.now().Add(r.backoff(res.MirrorAttempts, err))
		log.Printf("reconciler: upsert of %s failed (attempt %d), next at %s: %v", res.ID, res.MirrorAttempts+1, next.Format(time.RFC3339), err)
		if _, err := r.store.MarkMirrorPending(ctx, res.ID, res.Version, err.Error(), next); err != nil {
			log.Printf("reconciler: could not reschedule %s: %v", res.ID, err)
		}
		return
	}
	metrics.TrackMirror("upsert", "ok")

	ok, err := r.store.MarkMirrored(ctx, res.ID, res.Version, eventID)
	switch {
	case err != nil:
		log.Printf("reconciler: could not record event %s for %s: %v", eventID, res.ID, err)
	case !ok:
		if calendar.DropIfCancelled(ctx, r.store, r.mirror, res.ID, eventID) {
			log.Printf("reconciler: %s was cancelled while mirroring; dropped event %s", res.ID, eventID)
			return
		}
		log.Printf("reconciler: %s changed while mirroring; leaving it for the next pass", res.ID)
	}
}

func (r *Reconciler) finishCancel(ctx context.Context, res *model.Reservation) {
	eventID := res.EventID()
	if eventID == "" {
		eventID = calendar.EventIDFor(res.ID)
	}

	if err := r.mirror.Delete(ctx, eventID); err != nil {
		metrics.TrackMirror("delete", result(err))
		next := r.now().Add(r.backoff(res.MirrorAttempts, err))
		log.Printf("reconciler: delete of event %s for %s failed, next at %s: %v", eventID, res.ID, next.Format(time.RFC3339), err)
		if err := r.store.RescheduleCancel(ctx, res.ID, err.Error(), next); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("reconciler: could not reschedule cancel of %s: %v", res.ID, err)
		}
		return
	}
	metrics.TrackMirror("delete", "ok")

	if err := r.store.RemoveCancelled(ctx, res.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("reconciler: could not remove cancelled %s: %v", res.ID, err)
	}
}

// backoff doubles the base delay per failed attempt up to the maximum.
// Permanent failures wait the maximum straight away.
func (r *Reconciler) backoff(attempts int, err error) time.Duration {
	base, ceiling := r.cfg.BaseBackoff, r.cfg.MaxBackoff
	if base <= 0 {
		base = 30 * time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if !calendar.IsTransient(err) {
		return ceiling
	}
	d := base
	for i := 0; i < attempts && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

func result(err error) string {
	if calendar.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
