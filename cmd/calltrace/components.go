package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ongoingai/calltrace/internal/api"
	"github.com/ongoingai/calltrace/internal/calllog"
	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/config"
	"github.com/ongoingai/calltrace/internal/correlate"
	"github.com/ongoingai/calltrace/internal/extract"
	"github.com/ongoingai/calltrace/internal/jobs"
	"github.com/ongoingai/calltrace/internal/observability"
	"github.com/ongoingai/calltrace/internal/phone"
	"github.com/ongoingai/calltrace/internal/render"
	"github.com/ongoingai/calltrace/internal/sbc"
	"github.com/ongoingai/calltrace/internal/trace"
	"github.com/ongoingai/calltrace/internal/upstream"
)

var newTraceStore = openTraceStore

// components holds the wired backends shared by serve and the one-shot
// commands.
type components struct {
	callLog    *calllog.Client
	cdr        *cdr.Client
	sbc        *sbc.Client
	correlator *correlate.Correlator
	store      trace.Store
	sync       *jobs.SBCSync
}

func openTraceStore(cfg config.StorageConfig) (trace.Store, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "sqlite":
		store, err := trace.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite storage: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := trace.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Driver)
	}
}

// newComponents builds the backend clients and the correlator. store may be
// nil for commands that never touch stored traces.
func newComponents(cfg config.Config, store trace.Store, runtime *observability.Runtime, logger *slog.Logger) *components {
	var transport http.RoundTripper
	if runtime != nil {
		transport = runtime.WrapHTTPTransport(http.DefaultTransport)
	}
	httpOptions := upstream.Options{
		Timeout:    cfg.Backends.HTTP.Timeout,
		MaxElapsed: cfg.Backends.HTTP.RetryMaxElapsed,
		Transport:  transport,
		Logger:     logger,
	}

	c := &components{store: store}
	c.callLog = calllog.NewClient(calllog.Config{
		DialerURL: cfg.Backends.CallLog.DialerURL,
		LeadsURL:  cfg.Backends.CallLog.LeadsURL,
		APIKey:    cfg.Backends.CallLog.APIKey,
		HTTP:      httpOptions,
	})
	c.cdr = cdr.NewClient(cdr.Config{
		BaseURL:       cfg.Backends.CDR.BaseURL,
		User:          cfg.Backends.CDR.User,
		Password:      cfg.Backends.CDR.Password,
		ForcedSession: cfg.Backends.CDR.ForcedSession,
		SessionTTL:    cfg.Backends.CDR.SessionTTL,
		HTTP:          httpOptions,
	})
	c.sbc = sbc.NewClient(sbc.Config{
		BaseURL:     cfg.Backends.SBC.BaseURL,
		User:        cfg.Backends.SBC.User,
		Password:    cfg.Backends.SBC.Password,
		ResultLimit: cfg.Backends.SBC.ResultLimit,
		ClockOffset: cfg.Correlation.SBCClockOffset,
		HTTP:        httpOptions,
	})

	c.correlator = correlate.New(c.callLog, c.cdr, c.sbc, render.NewEnrichment(cfg.Correlation.SBCMaxTextLength), correlate.Options{
		Normalizer:        phone.NewNormalizer(cfg.Correlation.CountryCode),
		Invites:           extract.NewInviteParser(cfg.Correlation.PBXDomainPrefix),
		ClockSkew:         cfg.Correlation.ClockSkew,
		DurationTolerance: cfg.Correlation.ToleranceSeconds,
		SBCResultLimit:    cfg.Correlation.SBCResultLimit,
		Recorder:          runtime,
		Logger:            logger,
	})

	if store != nil {
		c.sync = jobs.NewSBCSync(c.sbc, store, jobs.SyncOptions{
			Window:    cfg.Jobs.SBCFetch.Window,
			Limit:     cfg.Jobs.SBCFetch.Limit,
			Retention: cfg.Jobs.SBCCleanup.Retention,
			Logger:    logger,
			Recorder:  runtime,
		})
	}
	return c
}

// routerOptions leaves unconfigured backends nil so their routes answer 503.
func (c *components) routerOptions(cfg config.Config) api.RouterOptions {
	options := api.RouterOptions{
		Correlator:     c.correlator,
		Store:          c.store,
		StorageDriver:  cfg.Storage.Driver,
		StoragePath:    cfg.Storage.Path,
		SBCClockOffset: cfg.Correlation.SBCClockOffset,
	}
	if strings.TrimSpace(cfg.Backends.CallLog.DialerURL) == "" && strings.TrimSpace(cfg.Backends.CallLog.LeadsURL) == "" {
		options.Correlator = nil
	}
	if strings.TrimSpace(cfg.Backends.CDR.BaseURL) != "" {
		options.CDR = c.cdr
	}
	if strings.TrimSpace(cfg.Backends.SBC.BaseURL) != "" {
		options.SBC = c.sbc
	}
	return options
}
