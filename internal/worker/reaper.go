package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/service/visitflow"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

// AvailabilityService is the part of visitflow.Service the reaper drives.
type AvailabilityService interface {
	ListClinicians(ctx context.Context, filter model.AvailabilityFilter) ([]*model.ClinicianAvailability, error)
	ReapClinician(ctx context.Context, clinicianRef string, cutoff time.Time) (*visitflow.OfflineResult, error)
	RepairDrift(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, bool, error)
}

type ReaperConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// Reaper takes silent clinicians offline and returns their visits to the
// queue. A record it cannot correct is left for the next sweep.
type Reaper struct {
	svc     AvailabilityService
	clock   clock.Clock
	config  ReaperConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

type SweepResult struct {
	Checked  int `json:"checked"`
	Reaped   int `json:"reaped"`
	Requeued int `json:"requeued"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

func NewReaper(svc AvailabilityService, clk clock.Clock, config ReaperConfig, log *logger.Logger, m *metrics.Metrics) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = 5 * time.Minute
	}
	return &Reaper{svc: svc, clock: clk, config: config, logger: log, metrics: m}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Starting stale session reaper",
		"interval", r.config.Interval.String(),
		"stale_threshold", r.config.StaleThreshold.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Shutting down stale session reaper")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error(err, "Reaper sweep failed")
			}
		}
	}
}

// Sweep makes a single pass over every logged-in clinician, plus offline
// records still pointing at a visit.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	timer := prometheus.NewTimer(r.metrics.ReaperDuration)
	defer timer.ObserveDuration()

	var res SweepResult
	now := r.clock.Now()
	cutoff := now.Add(-r.config.StaleThreshold)

	recs, err := r.svc.ListClinicians(ctx, model.AvailabilityFilter{})
	if err != nil {
		return res, err
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !rec.IsLoggedIn() && rec.CurrentVisitRef == nil {
			continue
		}
		res.Checked++

		if rec.IsStale(now, r.config.StaleThreshold) {
			r.reap(ctx, rec, cutoff, &res)
			continue
		}

		if _, repaired, err := r.svc.RepairDrift(ctx, rec.ClinicianRef); err != nil {
			res.Failed++
			r.logger.ZL.Warn().Err(err).Str("clinician_ref", rec.ClinicianRef).Msg("drift repair failed")
		} else if repaired {
			res.Repaired++
			r.metrics.ReaperCorrection.WithLabelValues("drift_repaired").Inc()
			r.logger.ZL.Warn().Str("clinician_ref", rec.ClinicianRef).Msg("availability drift repaired")
		}
	}

	r.metrics.ReaperSweeps.Inc()
	if res.Reaped > 0 || res.Repaired > 0 || res.Failed > 0 {
		r.logger.ZL.Info().
			Int("checked", res.Checked).
			Int("reaped", res.Reaped).
			Int("requeued", res.Requeued).
			Int("repaired", res.Repaired).
			Int("failed", res.Failed).
			Msg("reaper sweep finished")
	}
	return res, nil
}

func (r *Reaper) reap(ctx context.Context, rec *model.ClinicianAvailability, cutoff time.Time, res *SweepResult) {
	out, err := r.svc.ReapClinician(ctx, rec.ClinicianRef, cutoff)
	if err != nil {
		res.Failed++
		r.logger.ZL.Warn().Err(err).Str("clinician_ref", rec.ClinicianRef).Msg("failed to reap stale clinician")
		return
	}
	if out == nil {
		// activity arrived between listing and reaping
		return
	}

	res.Reaped++
	r.metrics.ReaperCorrection.WithLabelValues("offline").Inc()
	event := r.logger.ZL.Warn().
		Str("clinician_ref", rec.ClinicianRef).
		Time("last_activity_time", rec.LastActivityTime).
		Str("previous_state", string(rec.State))
	if out.Requeued != nil {
		res.Requeued++
		r.metrics.ReaperCorrection.WithLabelValues("requeued").Inc()
		event = event.Str("requeued_session_id", out.Requeued.ID.String())
	}
	event.Msg("stale clinician taken offline")
}
