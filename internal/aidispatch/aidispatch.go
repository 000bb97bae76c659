// Package aidispatch is the pipeline's AI-dispatch stage (spec
// §4.J-L): between rule evaluation and batching, every currently open
// detection is sent through the AI Orchestrator Client so its digest
// entry, once batched, can carry a threat assessment. Detections stay
// open across several ticks while their window accumulates events, so
// the same detection can be dispatched more than once before it
// closes — the AI Knowledge Cache (internal/aicache) is what makes
// that affordable, since a repeat of the same pattern signature is a
// cache hit rather than a second Orchestrator call.
package aidispatch

import (
	"context"
	"log/slog"

	"centinela/internal/aiclient"
	"centinela/internal/logging"
	"centinela/internal/model"
)

// Store loads the open detections and their sample events for one tick.
type Store interface {
	TenantsWithOpenDetections(ctx context.Context) ([]string, error)
	OpenDetectionsForTenant(ctx context.Context, tenantID string) ([]model.Detection, error)
	NormalizedEventsByIDs(ctx context.Context, ids []string) ([]model.NormalizedEvent, error)
	RawEventsByIDs(ctx context.Context, normalizedEventIDs []string) ([]model.RawEvent, error)
}

// Client dispatches one detection to the Orchestrator.
type Client interface {
	Dispatch(ctx context.Context, detection model.Detection, rawSamples []model.RawEvent, normalizedSamples []model.NormalizedEvent) aiclient.Outcome
}

// Stage runs the AI-dispatch tick.
type Stage struct {
	store  Store
	client Client
	logger *slog.Logger
}

// Config configures a Stage.
type Config struct {
	Store  Store
	Client Client
	Logger *slog.Logger
}

// New builds a Stage.
func New(cfg Config) *Stage {
	return &Stage{
		store:  cfg.Store,
		client: cfg.Client,
		logger: logging.Default(cfg.Logger).With("component", "aidispatch"),
	}
}

// RunTick dispatches every open detection, across every tenant, once.
// Returns how many detections were processed; a per-detection failure
// is logged and does not stop the tick from covering the rest.
func (s *Stage) RunTick(ctx context.Context) (int, error) {
	tenantIDs, err := s.store.TenantsWithOpenDetections(ctx)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, tenantID := range tenantIDs {
		detections, err := s.store.OpenDetectionsForTenant(ctx, tenantID)
		if err != nil {
			s.logger.Error("load open detections failed", "tenant_id", tenantID, "error", err)
			continue
		}
		for _, det := range detections {
			if s.dispatchOne(ctx, det) {
				dispatched++
			}
		}
	}
	return dispatched, nil
}

func (s *Stage) dispatchOne(ctx context.Context, det model.Detection) bool {
	normalizedSamples, err := s.store.NormalizedEventsByIDs(ctx, det.Evidence.SampleEventIDs)
	if err != nil {
		s.logger.Error("load normalized samples failed", "detection_id", det.ID, "error", err)
		return false
	}
	rawSamples, err := s.store.RawEventsByIDs(ctx, det.Evidence.SampleEventIDs)
	if err != nil {
		s.logger.Error("load raw samples failed", "detection_id", det.ID, "error", err)
		return false
	}

	outcome := s.client.Dispatch(ctx, det, rawSamples, normalizedSamples)
	if outcome.Error != nil {
		s.logger.Error("ai dispatch failed", "detection_id", det.ID, "error", outcome.Error)
		return false
	}
	return true
}
