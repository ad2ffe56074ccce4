package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zeonglow/buildbot/internal/hypervisor"
	"github.com/zeonglow/buildbot/internal/imaging"
	"github.com/zeonglow/buildbot/internal/workqueue"
)

// StartInstance provisions and starts the worker's domain. It reports
// whether the domain is running and never returns an error: failures are
// logged once and kept in Failures.
//
// Image preparation and domain creation run on the connection queue. When
// ctx ends first StartInstance returns false, and a domain that is created
// afterwards is still adopted by the worker.
func (w *VMWorker) StartInstance(ctx context.Context) bool {
	attemptID, ok := w.beginStart()
	if !ok {
		return false
	}
	logger := w.logger.With("attempt_id", attemptID)
	logger.Info("starting instance", "image", w.cfg.Image, "base_image", w.cfg.BaseImage, "cheap_copy", w.CheapCopy())

	result := make(chan bool, 1)
	settle := func(stage Stage) func(hypervisor.Domain, error) {
		return func(domain hypervisor.Domain, err error) {
			result <- w.finishStart(attemptID, stage, domain, err)
		}
	}

	prepared := workqueue.Submit(w.conn.Queue(), w.prepare)
	prepared.Then(func(descriptor string, err error) {
		if err != nil {
			settle(StagePrepare)(nil, err)
			return
		}
		w.conn.CreateDomain(w.cfg.Name, w.cfg.Image, descriptor).Then(settle(StageCreate))
	})

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		logger.Warn("stopped waiting for instance start", "error", ctx.Err())
		return false
	}
}

func (w *VMWorker) beginStart() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var reason string
	switch {
	case !w.ready:
		reason = "worker is not ready"
	case w.state == StateSubstantiating:
		reason = "start already in progress"
	case w.state == StateStopping:
		reason = "instance is stopping"
	case w.domain != nil:
		reason = "instance already has a domain"
	}
	if reason != "" {
		w.logger.Warn("refusing to start instance", "reason", reason, "state", w.state.String())
		return "", false
	}

	w.state = StateSubstantiating
	w.connected = false
	return uuid.NewString(), true
}

// prepare runs on the connection queue. It returns the descriptor to create
// the domain from.
func (w *VMWorker) prepare(ctx context.Context) (string, error) {
	if err := imaging.PrepareBaseImage(ctx, w.runner, w.cfg.BaseImage, w.cfg.Image, w.CheapCopy()); err != nil {
		return "", err
	}

	descriptor := w.cfg.DescriptorXML
	if w.cfg.SeedImage == "" {
		return descriptor, nil
	}
	seed := imaging.Seed{
		Name:              w.cfg.Name,
		Password:          w.cfg.Password,
		Master:            w.cfg.Master,
		KeepaliveInterval: int(w.cfg.KeepaliveInterval / time.Second),
	}
	if err := imaging.WriteSeedImage(w.cfg.SeedImage, seed); err != nil {
		return "", err
	}
	return hypervisor.AttachSeedImage(descriptor, w.cfg.SeedImage)
}

func (w *VMWorker) finishStart(attemptID string, stage Stage, domain hypervisor.Domain, err error) bool {
	if err == nil && domain == nil {
		err = errors.New("hypervisor returned no domain")
	}

	w.mu.Lock()
	var failure *Failure
	if err != nil {
		failure = &Failure{AttemptID: attemptID, Stage: stage, At: time.Now(), Err: err}
		w.failures = append(w.failures, failure)
		w.domain = nil
		w.state = StateReady
	} else {
		w.domain = domain
		w.substantiated = true
		w.state = StateRunning
	}
	w.mu.Unlock()

	w.metrics.StartAttempt(w.cfg.Name, err == nil)
	w.publish()
	if failure != nil {
		w.logger.Error("instance start failed", "attempt_id", attemptID, "stage", string(stage), "error", err)
		return false
	}
	w.logger.Info("instance started", "attempt_id", attemptID, "domain", domain.Name())
	return true
}

// StopInstance powers the domain off, gracefully unless fast is set, and
// removes the disposable image when a base image is configured. The worker
// returns to ready either way.
func (w *VMWorker) StopInstance(ctx context.Context, fast bool) error {
	w.mu.Lock()
	if w.state == StateStopping || w.state == StateSubstantiating {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot stop worker %q while %s", w.cfg.Name, state)
	}
	domain := w.domain
	if domain == nil {
		w.connected = false
		w.substantiated = false
		w.mu.Unlock()
		w.publish()
		return nil
	}
	w.state = StateStopping
	w.mu.Unlock()

	op := "shutdown"
	teardown := w.conn.ShutdownDomain
	if fast {
		op = "destroy"
		teardown = w.conn.DestroyDomain
	}
	w.logger.Info("stopping instance", "domain", domain.Name(), "op", op)

	result := make(chan error, 1)
	teardown(domain).Then(func(_ struct{}, err error) {
		result <- w.finishStop(err)
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishStop runs on the connection queue once the teardown settled.
func (w *VMWorker) finishStop(err error) error {
	if err != nil {
		w.logger.Warn("domain teardown failed", "error", err)
	}
	removeErr := w.removeImage()

	w.mu.Lock()
	w.domain = nil
	w.connected = false
	w.substantiated = false
	w.state = StateReady
	w.mu.Unlock()
	w.publish()

	return errors.Join(err, removeErr)
}

// removeImage deletes the disposable image when a base image is configured.
func (w *VMWorker) removeImage() error {
	if w.cfg.BaseImage == "" {
		return nil
	}
	if err := imaging.RemoveImage(w.cfg.Image); err != nil {
		w.logger.Warn("removing disposable image failed", "image", w.cfg.Image, "error", err)
		return err
	}
	return nil
}
