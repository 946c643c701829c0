package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/hydro-sentinel/internal/config"
	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/feedback"
	"github.com/sweeney/hydro-sentinel/internal/forecast"
	"github.com/sweeney/hydro-sentinel/internal/ingest"
	"github.com/sweeney/hydro-sentinel/internal/learner"
	"github.com/sweeney/hydro-sentinel/internal/metrics"
	"github.com/sweeney/hydro-sentinel/internal/mqtt"
	"github.com/sweeney/hydro-sentinel/internal/snapshot"
	"github.com/sweeney/hydro-sentinel/internal/status"
	"github.com/sweeney/hydro-sentinel/internal/synth"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// daemon owns the long-lived components behind the serve command. pub and
// conn are set by the caller once the broker client exists.
type daemon struct {
	log      *zap.Logger
	det      *detector.Detector
	drift    *drift.Detector
	window   *drift.Window
	monitor  *forecast.Monitor
	learner  *learner.Learner
	feedback *feedback.Store
	store    snapshot.Store
	tracker  *status.Tracker
	metrics  *metrics.Metrics
	now      func() time.Time

	pub  mqtt.Publisher
	conn mqtt.ConnectionStatus

	forecastSnapshot string

	feedbackCh chan feedback.Input
	retrainCh  chan struct{}
}

// ticks drive the periodic work in run. A nil channel disables that work.
type ticks struct {
	drift     <-chan time.Time
	heartbeat <-chan time.Time
}

// newDaemon builds every component from cfg. The snapshot store is opened,
// the model, drift baseline and forecaster are restored or bootstrapped, and
// the learner's running counts are restored from the feedback database.
func newDaemon(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics) (*daemon, error) {
	store, err := openStore(ctx, cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	source := "mqtt"
	if cfg.Kafka.Enabled {
		source = "mqtt+kafka"
	}
	d := &daemon{
		log:     log,
		store:   store,
		metrics: m,
		now:     time.Now,
		tracker: status.NewTracker(time.Now(), status.Config{
			HeartbeatMs:     cfg.Heartbeat.Milliseconds(),
			DriftIntervalMs: cfg.Drift.Interval.Milliseconds(),
			Broker:          cfg.MQTT.Broker,
			Source:          source,
			Store:           cfg.Persistence.Backend,
			HTTPAddr:        cfg.HTTP.Addr,
		}),
		drift:            drift.New(cfg.Drift, log),
		window:           drift.NewWindow(cfg.Drift.Window),
		forecastSnapshot: cfg.Forecast.SnapshotName,
		feedbackCh:       make(chan feedback.Input, 64),
		retrainCh:        make(chan struct{}, 1),
	}

	if err := d.drift.Load(ctx, store); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		log.Warn("could not load drift baseline", zap.Error(err))
	}

	opts := []detector.Option{
		detector.WithObserver(m),
		detector.WithRetrainHook(d.onRetrain),
	}
	if cfg.Scorer.Command != "" {
		opts = append(opts, detector.WithScorer(func(native detector.Scorer) detector.Scorer {
			return &detector.Fallback{
				Primary:       &detector.CommandScorer{Path: cfg.Scorer.Command, Args: cfg.Scorer.Args},
				Secondary:     native,
				Timeout:       cfg.Scorer.Timeout,
				MinConfidence: cfg.Scorer.MinConfidence,
				OnFallback: func(reason error) {
					log.Debug("scorer fell back to forest", zap.Error(reason))
				},
			}
		}))
	}
	d.det, err = detector.New(ctx, cfg.Model, store, log, opts...)
	if err != nil {
		return nil, err
	}

	if d.drift.Baseline() == nil {
		if err := d.bootstrapBaseline(ctx, cfg.Model); err != nil {
			log.Warn("could not bootstrap drift baseline", zap.Error(err))
		}
	}

	fc, err := loadForecaster(ctx, store, cfg.Forecast)
	if err != nil {
		log.Warn("could not restore forecaster, starting untrained", zap.Error(err))
		if fc, err = forecast.New(cfg.Forecast.Params); err != nil {
			return nil, err
		}
	}
	d.monitor = forecast.NewMonitor(cfg.Forecast, fc, log)

	path := cfg.Feedback.Path
	if path == "" {
		path = ":memory:"
	}
	if d.feedback, err = feedback.Open(path); err != nil {
		return nil, fmt.Errorf("open feedback store: %w", err)
	}
	d.learner = learner.New(d.det, cfg.Learner, log)
	stats, err := d.feedback.Stats(ctx)
	if err != nil {
		d.feedback.Close()
		return nil, fmt.Errorf("read feedback stats: %w", err)
	}
	d.learner.RestoreCounts(stats.Counts)

	d.tracker.SetModel(d.det.Info())
	d.tracker.SetLearner(d.learner.Metrics())
	return d, nil
}

// bootstrapBaseline rebuilds a missing drift baseline. The serving model's
// own training distribution is preferred; synthetic normals are used only
// when the model does not carry one.
func (d *daemon) bootstrapBaseline(ctx context.Context, cfg detector.Config) error {
	if b := d.det.TrainingBaseline(); b != nil {
		d.drift.Restore(b)
		return d.drift.Save(ctx, d.store)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = d.now().UnixNano()
	}
	normals := synth.Normals(synth.New(rand.New(rand.NewSource(seed)), d.now().Year()).Generate(cfg.TrainSamples))
	if err := d.drift.Initialize(normals); err != nil {
		return err
	}
	return d.drift.Save(ctx, d.store)
}

func loadForecaster(ctx context.Context, store snapshot.Store, cfg forecast.Config) (*forecast.Forecaster, error) {
	data, err := store.Load(ctx, cfg.SnapshotName)
	if errors.Is(err, snapshot.ErrNotFound) {
		return forecast.New(cfg.Params)
	}
	if err != nil {
		return nil, err
	}
	var snap forecast.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode forecaster snapshot: %w", err)
	}
	return forecast.FromSnapshot(snap)
}

// onRetrain moves the drift baseline to the corpus the model was refit on.
func (d *daemon) onRetrain(ctx context.Context, readings []telemetry.Reading) {
	if err := d.drift.UpdateBaseline(readings); err != nil {
		d.log.Warn("could not update drift baseline", zap.Error(err))
		return
	}
	if err := d.drift.Save(ctx, d.store); err != nil {
		d.log.Warn("could not persist drift baseline", zap.Error(err))
	}
}

func (d *daemon) saveForecaster(ctx context.Context) {
	fc := d.monitor.Forecaster()
	if !fc.Trained() {
		return
	}
	data, err := json.Marshal(fc.Snapshot())
	if err != nil {
		d.log.Warn("could not encode forecaster", zap.Error(err))
		return
	}
	if err := d.store.Save(ctx, d.forecastSnapshot, data); err != nil {
		d.log.Warn("could not persist forecaster", zap.Error(err))
	}
}

// offerReading is the broker callback for inbound readings. It never blocks.
func (d *daemon) offerReading(q *ingest.Queue) func(telemetry.Reading) {
	return func(r telemetry.Reading) {
		if !q.Offer(r) {
			d.tracker.RecordDropped()
			d.metrics.Dropped("queue_full")
		}
	}
}

// offerFeedback is the broker callback for operator feedback. It never blocks.
func (d *daemon) offerFeedback(in feedback.Input) {
	select {
	case d.feedbackCh <- in:
	default:
		d.log.Warn("feedback queue full, dropping", zap.String("reading", in.ReadingID))
		d.metrics.Dropped("feedback_queue_full")
	}
}

func (d *daemon) invalidMessage(topic string, err error) {
	d.tracker.RecordInvalid()
	d.metrics.Dropped("invalid")
	d.log.Warn("invalid message", zap.String("topic", topic), zap.Error(err))
}

// run publishes STARTUP, processes readings and feedback until a signal
// arrives or a source fails, then publishes SHUTDOWN.
func (d *daemon) run(ctx context.Context, sources []ingest.Source, t ticks, sig <-chan os.Signal) error {
	d.publishEvent(mqtt.EventStartup, "", true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	readings := make(chan telemetry.Reading)
	for _, src := range sources {
		g.Go(func() error { return src.Run(gctx, readings) })
	}
	g.Go(func() error { d.scoreLoop(gctx, readings); return nil })
	g.Go(func() error { d.feedbackLoop(gctx); return nil })
	g.Go(func() error { d.retrainLoop(gctx); return nil })
	g.Go(func() error { d.tickLoop(gctx, t); return nil })

	reason := "CANCELLED"
	select {
	case s := <-sig:
		reason = signalName(s)
		d.log.Info("shutting down", zap.String("signal", reason))
	case <-gctx.Done():
	}
	cancel()
	err := g.Wait()
	if err != nil && reason == "CANCELLED" {
		reason = "SOURCE_ERROR"
		d.log.Error("reading source failed", zap.Error(err))
	}

	// ctx is done; persistence gets a fresh one.
	saveCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	d.saveForecaster(saveCtx)

	d.publishEvent(mqtt.EventShutdown, reason, true)
	return err
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

func (d *daemon) scoreLoop(ctx context.Context, readings <-chan telemetry.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-readings:
			d.handleReading(ctx, r)
		}
	}
}

// handleReading scores r and publishes the verdict. Every reading enters the
// drift window; only readings judged normal extend the generation history so
// that faults do not drag the forecast down.
func (d *daemon) handleReading(ctx context.Context, r telemetry.Reading) {
	r = ingest.Stamp(r, d.now())
	v := d.det.Detect(ctx, r)
	d.tracker.RecordVerdict(v)
	if v.IsAnomaly {
		d.log.Warn("anomalous reading",
			zap.String("reading", v.ReadingID),
			zap.String("device", v.DeviceID),
			zap.Float64("score", v.Score),
			zap.Float64("confidence", v.Confidence))
	}
	if err := d.pub.PublishVerdict(v); err != nil && !mqtt.IsBuffered(err) {
		d.log.Warn("verdict publish failed", zap.Error(err))
	}

	d.window.Add(r)
	if v.IsAnomaly {
		return
	}
	for _, bc := range d.monitor.Observe(r) {
		d.tracker.SetForecast(bc)
		d.metrics.ObserveForecast(bc.Check)
		if bc.Underperforming {
			d.log.Warn("generation below forecast",
				zap.Time("bucket", bc.Start),
				zap.String("severity", string(bc.Severity)),
				zap.Float64("actual", bc.Actual),
				zap.Float64("forecast", bc.Forecast))
		}
	}
}

func (d *daemon) feedbackLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-d.feedbackCh:
			d.handleFeedback(ctx, in)
		}
	}
}

// handleFeedback stores in and hands it to the learner, queueing a retrain
// when the learner asks for one.
func (d *daemon) handleFeedback(ctx context.Context, in feedback.Input) {
	rec, err := d.feedback.Append(ctx, in)
	if err != nil {
		d.log.Warn("feedback rejected", zap.String("reading", in.ReadingID), zap.Error(err))
		d.tracker.RecordInvalid()
		d.metrics.Dropped("invalid_feedback")
		return
	}
	d.tracker.RecordFeedback()
	d.metrics.ObserveFeedback(rec.Verdict())

	entry, ok := rec.Entry()
	if !ok {
		d.log.Info("feedback has no reading, stored only", zap.String("reading", rec.ReadingID))
		return
	}
	if err := d.learner.AddFeedback(entry); err != nil {
		d.log.Warn("learner rejected feedback", zap.Error(err))
		return
	}
	d.tracker.SetLearner(d.learner.Metrics())
	if d.learner.ShouldRetrain() {
		select {
		case d.retrainCh <- struct{}{}:
		default:
		}
	}
}

func (d *daemon) retrainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.retrainCh:
			if !d.learner.Retrain(ctx) {
				continue
			}
			info := d.det.Info()
			d.tracker.SetModel(info)
			d.tracker.SetLearner(d.learner.Metrics())
			d.publishEvent(mqtt.EventRetrain, fmt.Sprintf("feedback retrain on %d readings", info.TrainedOn), false)
		}
	}
}

func (d *daemon) tickLoop(ctx context.Context, t ticks) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.drift:
			d.checkDrift(ctx)
		case <-t.heartbeat:
			d.tracker.SetModel(d.det.Info())
			d.publishEvent(mqtt.EventHeartbeat, "", false)
		}
	}
}

func (d *daemon) checkDrift(ctx context.Context) {
	rep := d.drift.CheckDrift(d.window.Readings())
	d.tracker.SetDrift(rep)
	d.metrics.ObserveDrift(rep)
	if rep.HasDrift {
		names := make([]string, len(rep.Drifted))
		for i, f := range rep.Drifted {
			names[i] = f.Feature
		}
		d.log.Warn("drift detected", zap.Strings("features", names), zap.String("recommendation", rep.Recommendation))
		d.publishEvent(mqtt.EventDrift, rep.Recommendation, false)
	}
	d.saveForecaster(ctx)
}

// publishEvent publishes a system event carrying the full status snapshot.
func (d *daemon) publishEvent(event, reason string, retained bool) {
	if d.conn != nil {
		up := d.conn.IsConnected()
		d.tracker.SetMQTTConnected(up)
		d.metrics.SetMQTTConnected(up)
	}
	snap := d.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.pub.PublishSystem(ev); err != nil && !mqtt.IsBuffered(err) {
		d.log.Warn("system event publish failed", zap.String("event", event), zap.Error(err))
		return
	}
	d.log.Info("published system event", zap.String("event", event))
}

func (d *daemon) close() {
	if err := d.feedback.Close(); err != nil {
		d.log.Warn("closing feedback store", zap.Error(err))
	}
}
