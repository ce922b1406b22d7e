// Package engine sequences the report pipeline and assembles the run record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adreport/internal/analyzer"
	"adreport/internal/data"
	"adreport/internal/extract"
	"adreport/internal/output"
	"adreport/internal/stage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Extractor interface {
	Extract(ctx context.Context, date data.ReportDate) stage.Result[extract.Extraction]
}

type Loader interface {
	Load(ctx context.Context, records []data.RawRecord, source string, date data.ReportDate) stage.Result[int]
}

type Analyzer interface {
	Analyze(ctx context.Context, in analyzer.Input, date data.ReportDate) stage.Result[data.InsightSet]
}

type Reporter interface {
	Render(set data.InsightSet, date data.ReportDate) stage.Result[data.Report]
}

type Notifier interface {
	Deliver(ctx context.Context, rep data.Report, recipient string) stage.Result[data.Confirmation]
}

// EventWriter receives lifecycle events (see output.Manager).
type EventWriter interface {
	Write(v any) error
}

// Stages bundles the collaborators of one pipeline.
type Stages struct {
	Extractor Extractor
	Loader    Loader
	Analyzer  Analyzer
	Reporter  Reporter
	Notifier  Notifier
}

type Options struct {
	Recipient string
	// Location is the reporting timezone used to resolve "yesterday".
	Location *time.Location
	Logger   *zap.Logger
	Events   EventWriter
	Now      func() time.Time
}

type Engine struct {
	stages    Stages
	recipient string
	loc       *time.Location
	logger    *zap.Logger
	events    EventWriter
	now       func() time.Time
}

func New(stages Stages, opts Options) (*Engine, error) {
	var missing []string
	if stages.Extractor == nil {
		missing = append(missing, StageExtract)
	}
	if stages.Loader == nil {
		missing = append(missing, StageLoad)
	}
	if stages.Analyzer == nil {
		missing = append(missing, StageAnalyze)
	}
	if stages.Reporter == nil {
		missing = append(missing, StageReport)
	}
	if stages.Notifier == nil {
		missing = append(missing, StageNotify)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("engine: missing stages: %s", strings.Join(missing, ", "))
	}

	e := &Engine{
		stages:    stages,
		recipient: opts.Recipient,
		loc:       opts.Location,
		logger:    opts.Logger,
		events:    opts.Events,
		now:       opts.Now,
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// ResolveDate resolves rawDate in the engine's reporting timezone. An empty
// string means yesterday.
func (e *Engine) ResolveDate(rawDate string) (data.ReportDate, error) {
	return data.ResolveReportDate(rawDate, e.now(), e.loc)
}

// Run executes one pipeline run for rawDate. The only error it returns wraps
// data.ErrInvalidDate, in which case no stage ran; every stage failure is
// recorded in the returned RunRecord instead.
func (e *Engine) Run(ctx context.Context, rawDate string) (*RunRecord, error) {
	date, err := e.ResolveDate(rawDate)
	if err != nil {
		return nil, err
	}
	return e.RunDate(ctx, date)
}

// RunDate is Run for an already resolved date.
func (e *Engine) RunDate(ctx context.Context, date data.ReportDate) (*RunRecord, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("%w: empty date", data.ErrInvalidDate)
	}

	started := e.now()
	id := uuid.NewString()
	run := &run{
		engine: e,
		record: RunRecord{RunID: id, ReportDate: date, StartedAt: started.UTC()},
		logger: e.logger.With(zap.String("run_id", id), zap.String("report_date", date.String())),
	}
	run.emit(output.Event{Type: output.EventRunStarted})
	run.logger.Info("run started")

	extraction, extracted := run.extract(ctx, date)
	input := analyzer.FromWarehouse()
	if extracted {
		run.load(ctx, extraction, date)
		input = analyzer.Fresh(extraction.Records())
	} else {
		run.skip(StageLoad, "extract failed")
	}

	set := run.analyze(ctx, input, date)

	if rep, ok := run.render(set, date); ok {
		run.record.Report = &rep
		if conf, ok := run.notify(ctx, rep); ok {
			run.record.Confirmation = &conf
		}
	} else {
		run.skip(StageNotify, "report failed")
	}

	rec := run.record
	rec.Status = statusOf(rec.Stages)
	rec.DurationMS = e.now().Sub(started).Milliseconds()

	run.emit(output.Event{
		Type:     output.EventRunFinished,
		Status:   string(rec.Status),
		ExitCode: rec.ExitCode(),
		Record:   &rec,
		Report:   rec.Report,
	})
	run.logger.Info("run finished",
		zap.String("status", string(rec.Status)),
		zap.Int64("duration_ms", rec.DurationMS),
	)
	return &rec, nil
}

// run holds the state of one Run call.
type run struct {
	engine *Engine
	record RunRecord
	logger *zap.Logger
}

func (r *run) emit(ev output.Event) {
	if r.engine.events == nil {
		return
	}
	ev.RunID = r.record.RunID
	ev.ReportDate = r.record.ReportDate.String()
	if err := r.engine.events.Write(ev); err != nil {
		r.logger.Warn("output sink write failed", zap.String("event", ev.Type), zap.Error(err))
	}
}

func (r *run) finish(s StageSummary) {
	r.record.Stages = append(r.record.Stages, s)
	r.emit(output.Event{
		Type:       output.EventStageFinished,
		Stage:      s.Stage,
		Outcome:    string(s.Outcome),
		Cause:      string(s.Cause),
		Reason:     s.Reason,
		Rows:       s.Rows,
		Bytes:      s.Bytes,
		DurationMS: s.DurationMS,
	})

	fields := []zap.Field{
		zap.String("stage", s.Stage),
		zap.String("outcome", string(s.Outcome)),
		zap.Int("rows", s.Rows),
		zap.Int("bytes", s.Bytes),
		zap.Int64("duration_ms", s.DurationMS),
	}
	if s.Cause != "" {
		fields = append(fields, zap.String("cause", string(s.Cause)))
	}
	if s.Reason != "" {
		fields = append(fields, zap.String("reason", s.Reason))
	}
	switch s.Outcome {
	case stage.OutcomeSuccess:
		r.logger.Info("stage finished", fields...)
	default:
		r.logger.Warn("stage finished", fields...)
	}
}

func (r *run) skip(name, reason string) {
	r.finish(StageSummary{Stage: name, Outcome: OutcomeSkipped, Reason: reason})
}

func summarize[T any](name string, res stage.Result[T], took time.Duration) StageSummary {
	return StageSummary{
		Stage:      name,
		Outcome:    res.Outcome,
		Cause:      res.Cause(),
		Reason:     res.Reason(),
		DurationMS: took.Milliseconds(),
	}
}

// guard runs fn and converts a panic into a Failure of kind.
func guard[T any](kind stage.Kind, name string, fn func() stage.Result[T]) (res stage.Result[T]) {
	defer func() {
		if p := recover(); p != nil {
			res = stage.Failure[T](kind, stage.New(kind, stage.CauseInternal, name, fmt.Errorf("panic: %v", p)))
		}
	}()
	return fn()
}

func (r *run) extract(ctx context.Context, date data.ReportDate) (extract.Extraction, bool) {
	start := r.engine.now()
	res := guard(stage.KindSource, StageExtract, func() stage.Result[extract.Extraction] {
		return r.engine.stages.Extractor.Extract(ctx, date)
	})
	s := summarize(StageExtract, res, r.engine.now().Sub(start))
	s.Rows = len(res.Payload.Records())
	r.finish(s)
	return res.Payload, res.OK()
}

// load writes each extracted batch under its own source name. The stage is a
// Failure only when every non-empty batch failed to load.
func (r *run) load(ctx context.Context, extraction extract.Extraction, date data.ReportDate) {
	start := r.engine.now()

	var (
		rows     int
		attempts int
		failed   []*stage.Error
		warnings []string
	)
	for _, batch := range extraction.Batches {
		res := guard(stage.KindStorage, StageLoad, func() stage.Result[int] {
			return r.engine.stages.Loader.Load(ctx, batch.Records, batch.Source, date)
		})
		if len(batch.Records) > 0 {
			attempts++
		}
		switch res.Outcome {
		case stage.OutcomeFailure:
			failed = append(failed, res.Err)
		case stage.OutcomePartial:
			warnings = append(warnings, res.Warning)
			rows += res.Payload
		default:
			rows += res.Payload
		}
	}

	var res stage.Result[int]
	switch {
	case len(failed) > 0 && len(failed) >= attempts:
		err := failed[0]
		if len(failed) > 1 {
			errs := make([]error, 0, len(failed))
			for _, f := range failed {
				errs = append(errs, f)
			}
			err = stage.New(stage.KindStorage, failed[0].Cause, "load", errors.Join(errs...))
		}
		res = stage.Failure[int](stage.KindStorage, err)
	case len(failed) > 0:
		for _, f := range failed {
			warnings = append(warnings, f.Error())
		}
		res = stage.Partial(rows, strings.Join(warnings, "; "))
	case len(warnings) > 0:
		res = stage.Partial(rows, strings.Join(warnings, "; "))
	default:
		res = stage.Success(rows)
	}

	s := summarize(StageLoad, res, r.engine.now().Sub(start))
	s.Rows = rows
	r.finish(s)
}

// analyze never leaves the report without input: on Failure the report gets
// an empty set carrying a notice.
func (r *run) analyze(ctx context.Context, in analyzer.Input, date data.ReportDate) data.InsightSet {
	start := r.engine.now()
	res := guard(stage.KindAnalysis, StageAnalyze, func() stage.Result[data.InsightSet] {
		return r.engine.stages.Analyzer.Analyze(ctx, in, date)
	})
	s := summarize(StageAnalyze, res, r.engine.now().Sub(start))
	s.Rows = len(res.Payload.Evaluations)
	r.finish(s)

	if !res.OK() {
		return data.InsightSet{
			ReportDate: date,
			Notices:    []string{analyzer.NoticeAnalysisUnavailable},
		}
	}
	return res.Payload
}

func (r *run) render(set data.InsightSet, date data.ReportDate) (data.Report, bool) {
	start := r.engine.now()
	res := guard(stage.KindRender, StageReport, func() stage.Result[data.Report] {
		return r.engine.stages.Reporter.Render(set, date)
	})
	s := summarize(StageReport, res, r.engine.now().Sub(start))
	s.Bytes = res.Payload.Size()
	r.finish(s)
	return res.Payload, res.OK()
}

func (r *run) notify(ctx context.Context, rep data.Report) (data.Confirmation, bool) {
	start := r.engine.now()
	res := guard(stage.KindDelivery, StageNotify, func() stage.Result[data.Confirmation] {
		return r.engine.stages.Notifier.Deliver(ctx, rep, r.engine.recipient)
	})
	s := summarize(StageNotify, res, r.engine.now().Sub(start))
	s.Bytes = rep.Size()
	r.finish(s)
	return res.Payload, res.OK()
}
