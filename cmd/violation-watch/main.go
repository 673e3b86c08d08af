package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"parking-monitor/internal/apiclient"
	"parking-monitor/internal/channel"
	"parking-monitor/internal/clock"
	"parking-monitor/internal/config"
	"parking-monitor/internal/domain/violation"
	"parking-monitor/internal/logger"
	"parking-monitor/internal/store"
)

const headSize = 5

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", false)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	filter, err := violation.ParseFilter(url.Values{
		"status":  {cfg.Store.Status},
		"sort_by": {cfg.Store.SortBy},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid store filter")
	}

	api := apiclient.New(cfg.Client.APIBaseURL, cfg.Client.Token, cfg.Client.RequestTimeout, logger.Component(log, "api"))

	dialer := channel.WebsocketDialer{BaseURL: cfg.Client.WSBaseURL}
	if cfg.Client.Token != "" {
		dialer.Header = http.Header{"Authorization": {"Bearer " + cfg.Client.Token}}
	}
	ch := channel.New(dialer, channel.Options{
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Channel.ReconnectDelay,
		DialTimeout:          cfg.Channel.DialTimeout,
	}, clock.Real(), logger.Component(log, "channel"))

	viewLog := logger.Component(log, "view")
	var st *store.Store
	st = store.New(api, ch, clock.Real(), store.Options{
		ChannelName:  cfg.Channel.Name,
		RemovalGrace: cfg.Store.RemovalGrace,
		OnChange: func() {
			logView(viewLog, st.State(), ch.State())
		},
	}, logger.Component(log, "store"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Open(ctx, filter); err != nil && !errors.Is(err, store.ErrSuperseded) {
		log.Warn().Err(err).Msg("initial load failed, waiting for pushes")
	}
	log.Info().
		Str("api", cfg.Client.APIBaseURL).
		Str("channel", dialer.URL(cfg.Channel.Name)).
		Msg("watching violations")

	<-ctx.Done()
	st.Close()
	ch.Disconnect()
	log.Info().Msg("stopped")
}

func logView(log zerolog.Logger, s store.State, conn channel.State) {
	evt := log.Info().
		Str("channel", string(conn)).
		Int64("open", s.Counts.OpenViolations).
		Int64("critical", s.Counts.CriticalViolations).
		Int64("total", s.Total).
		Int("shown", len(s.Items)).
		Bool("loading", s.Loading)
	if s.Err != nil {
		evt = evt.AnErr("last_error", s.Err)
	}

	arr := zerolog.Arr()
	for i, item := range s.Items {
		if i == headSize {
			break
		}
		d := zerolog.Dict().
			Int64("id", item.ID).
			Str("lot", item.LotName()).
			Float64("pct", item.OccupancyPercentage).
			Str("status", string(item.Status))
		if item.Removing {
			d = d.Bool("removing", true)
		}
		if item.Saving {
			d = d.Bool("saving", true)
		}
		arr = arr.Dict(d)
	}
	evt.Array("head", arr).Msg("view changed")
}
