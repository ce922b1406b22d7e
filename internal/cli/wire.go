package cli

import (
	"context"

	"adreport/internal/analyzer"
	"adreport/internal/config"
	"adreport/internal/engine"
	"adreport/internal/extract"
	"adreport/internal/llm"
	"adreport/internal/loader"
	"adreport/internal/notify"
	"adreport/internal/report"
	"adreport/internal/warehouse"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// loadConfig reads the config file named by --config, applies the global
// flags and then apply, and validates the result.
func loadConfig(apply func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Runtime.Verbose = true
	}
	if logFormat != "" {
		cfg.Runtime.LogFormat = logFormat
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// changed reports whether the named flag was set on cmd.
func changed(cmd *cobra.Command, name string) bool {
	return cmd != nil && cmd.Flags().Changed(name)
}

// buildEngine constructs every collaborator of the pipeline from cfg. The
// returned close func releases the warehouse.
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, events engine.EventWriter) (*engine.Engine, func() error, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	sources, err := extract.Build(ctx, cfg, extract.Deps{
		Logger:  logger,
		Verbose: cfg.Runtime.Verbose,
	})
	if err != nil {
		return nil, nil, err
	}

	var wh warehouse.Warehouse
	sqlWH, err := warehouse.Open(ctx, cfg.Warehouse.Driver, cfg.Warehouse.DSN)
	if err != nil {
		// An unreachable warehouse fails the load stage, not the run.
		logger.Warn("warehouse unavailable", zap.String("driver", cfg.Warehouse.Driver), zap.Error(err))
		wh = warehouse.Unavailable{Err: err}
	} else {
		wh = sqlWH
	}

	detectors, err := analyzer.Resolve(cfg.Analysis.Detectors)
	if err != nil {
		_ = wh.Close()
		return nil, nil, err
	}
	summarizer := newSummarizer(ctx, cfg.Analysis.Narrative, logger)

	reporter, err := report.New(report.Options{
		Title:    cfg.Report.Title,
		Currency: cfg.Report.Currency,
		Workbook: cfg.Report.AttachWorkbook,
	})
	if err != nil {
		_ = wh.Close()
		return nil, nil, err
	}

	mailer, err := notify.NewMailer(ctx, cfg.Notify, nil)
	if err != nil {
		_ = wh.Close()
		return nil, nil, err
	}

	eng, err := engine.New(engine.Stages{
		Extractor: extract.New(sources, 0),
		Loader:    loader.New(wh, cfg.Warehouse.Table),
		Analyzer: analyzer.New(wh, cfg.Warehouse.Table, analyzer.Options{
			BaselineDays:     cfg.Analysis.BaselineDays,
			MinBaselineDays:  cfg.Analysis.MinBaselineDays,
			DeviationRatio:   cfg.Analysis.DeviationRatio,
			NarrativeTimeout: cfg.Analysis.Narrative.Timeout,
		}, detectors, summarizer),
		Reporter: reporter,
		Notifier: notify.New(mailer, cfg.Notify.Sender, logger),
	}, engine.Options{
		Recipient: cfg.Notify.Recipient,
		Location:  loc,
		Logger:    logger,
		Events:    events,
	})
	if err != nil {
		_ = wh.Close()
		return nil, nil, err
	}
	return eng, wh.Close, nil
}

// newSummarizer returns nil when the narrative is disabled. A backend that
// cannot be built only costs the narrative: analysis degrades to Partial.
func newSummarizer(ctx context.Context, cfg config.Narrative, logger *zap.Logger) llm.Summarizer {
	if !cfg.Enabled {
		return nil
	}
	g, err := llm.NewGemini(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		logger.Warn("narrative unavailable", zap.Error(err))
		return llm.Unavailable{Err: err}
	}
	return g
}
