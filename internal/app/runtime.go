// Package app wires configuration into one measurement run and its
// collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/NodePath81/rmbt/internal/config"
	"github.com/NodePath81/rmbt/internal/engine"
	"github.com/NodePath81/rmbt/internal/geo"
	"github.com/NodePath81/rmbt/internal/netinfo"
	"github.com/NodePath81/rmbt/internal/preflight"
	"github.com/NodePath81/rmbt/internal/results"
	"github.com/NodePath81/rmbt/internal/session"
	"github.com/NodePath81/rmbt/internal/status"
	"github.com/NodePath81/rmbt/internal/store"
	"github.com/NodePath81/rmbt/internal/transport"
	"github.com/NodePath81/rmbt/internal/util"
)

type Runtime struct {
	cfg     config.Config
	logger  util.Logger
	archive *store.Store
	geo     *geo.Resolver
	metrics *status.Metrics
	// dialer replaces the config-built dialer when set.
	dialer session.Dialer
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	rt := &Runtime{cfg: cfg, logger: logger}
	if cfg.Archive.IsEnabled() {
		archive, err := store.Open(cfg.Archive.Path, logger)
		if err != nil {
			return nil, err
		}
		rt.archive = archive
	}
	resolver, err := geo.Open(cfg.GeoIP.CountryDB, cfg.GeoIP.ASNDB)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.geo = resolver
	if cfg.Status.IsEnabled() {
		rt.metrics = status.NewMetrics()
	}
	return rt, nil
}

func (r *Runtime) Close() error {
	var errs []error
	if r.archive != nil {
		errs = append(errs, r.archive.Close())
	}
	if r.geo != nil {
		errs = append(errs, r.geo.Close())
	}
	return errors.Join(errs...)
}

func (r *Runtime) engineFor(sink engine.StatusSink) (*engine.Engine, error) {
	srv := r.cfg.Server
	tlsCfg, err := srv.TLS.Build(srv.Host)
	if err != nil {
		return nil, err
	}
	var dialer session.Dialer = &transport.Dialer{Timeout: srv.DialTimeout.Duration(), TLSConfig: tlsCfg}
	if r.dialer != nil {
		dialer = r.dialer
	}
	test := r.cfg.Test
	return engine.New(engine.Params{
		Host:            srv.Host,
		Port:            srv.Port,
		Token:           srv.Token,
		PretestDuration: test.PretestDuration.Duration(),
		Duration:        test.Duration,
		Workers:         test.Workers,
	}, engine.Options{
		Session: session.Config{
			Greeting:        srv.Greeting,
			DownloadGrace:   test.DownloadGrace.Duration(),
			UploadSettle:    test.Upload.Settle.Duration(),
			UploadWait:      test.Upload.Wait.Duration(),
			UploadForceWait: test.Upload.ForceWait.Duration(),
			UploadDiscard:   test.Upload.Discard.Duration(),
		},
		Dialer:            dialer,
		RingCapacity:      test.RingCapacity,
		MinDelta:          test.MinDelta.Duration(),
		FallbackThreshold: test.FallbackThreshold,
		PingCount:         test.PingCount,
		Sink:              sink,
		Logger:            r.logger,
	})
}

// Preflight runs the optional ICMP check against the configured server.
func (r *Runtime) Preflight(ctx context.Context) error {
	if !r.cfg.Preflight.ICMPEnabled() {
		return nil
	}
	report, err := preflight.Echo(ctx, r.cfg.Server.Host, r.cfg.Preflight.Count, r.cfg.Preflight.Timeout.Duration())
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	r.logger.Info("preflight ok", "ip", report.IP.String(), "received", report.Received, "sent", report.Sent,
		"rtt_avg", util.FormatLatency(report.AvgRTT))
	return nil
}

// Run performs one measurement and archives it. The status server, when
// enabled, lives for the duration of the run. When the measurement fails
// after it started, the returned result carries the test id and the
// partial per-worker results.
func (r *Runtime) Run(ctx context.Context) (results.TestResult, error) {
	if r.cfg.Server.Host == "" {
		return results.TestResult{}, errors.New("server.host is required")
	}
	if err := r.Preflight(ctx); err != nil {
		return results.TestResult{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinks := []engine.StatusSink{engine.NewLogSink(r.logger)}
	var hub *status.Hub
	if r.cfg.Status.IsEnabled() {
		hub = status.NewHub(runCtx.Done())
		server := status.NewServer(r.cfg.Status, hub, r.metrics, r.logger)
		if err := server.Start(runCtx); err != nil {
			return results.TestResult{}, fmt.Errorf("status server: %w", err)
		}
		sinks = append(sinks, hub, r.metrics)
	}

	eng, err := r.engineFor(engine.MultiSink(sinks...))
	if err != nil {
		return results.TestResult{}, err
	}
	if hub != nil {
		go hub.StreamProgress(runCtx, r.cfg.Status.ProgressInterval.Duration(), func() engine.Status {
			st := eng.Status()
			r.metrics.Update(st)
			return st
		})
	}

	res, err := eng.Run(ctx)
	if err != nil {
		return res, err
	}
	res.Path = r.annotate(ctx, res)
	if r.metrics != nil {
		r.metrics.Finished(res)
	}
	if r.archive != nil {
		if err := r.archive.Save(ctx, res); err != nil {
			r.logger.Error("archive failed", "test_id", res.TestID, "error", err)
		}
	}
	return res, nil
}

func (r *Runtime) annotate(ctx context.Context, res results.TestResult) *results.PathInfo {
	path := &results.PathInfo{}
	for _, t := range res.Threads {
		if host, _, err := net.SplitHostPort(t.Conn.RemoteAddr); err == nil {
			path.ServerIP = host
			break
		}
	}
	if path.ServerIP == "" {
		ip, err := preflight.Resolve(ctx, res.Host)
		if err != nil {
			r.logger.Debug("server address unknown", "error", err)
			return nil
		}
		path.ServerIP = ip.String()
	}
	if err := r.geo.Annotate(path); err != nil {
		r.logger.Warn("geoip lookup failed", "ip", path.ServerIP, "error", err)
	}
	if r.cfg.NetInfo.IsEnabled() {
		if err := netinfo.Annotate(path); err != nil {
			r.logger.Debug("route lookup failed", "ip", path.ServerIP, "error", err)
		}
	}
	return path
}

// Archive returns the opened archive, or nil when archiving is disabled.
func (r *Runtime) Archive() *store.Store {
	return r.archive
}
