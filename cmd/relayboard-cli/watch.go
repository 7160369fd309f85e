package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relayboard/internal/boardsync"
	"github.com/agentworkforce/relayboard/internal/realtime"
)

func (a *app) newWatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the board in real time",
		Long: `Follow the team's board in real time.

The board is loaded once, then kept current from the realtime stream. After
every reconnect the event feed is replayed from the last cursor (or the board
is listed again when the cursor is gone), and a periodic resync catches
anything the stream missed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return a.runWatch(ctx, team, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "resync once, print the board and exit")
	cmd.Flags().Duration("resync-interval", time.Minute, "periodic resync interval")
	cmd.Flags().Float64("resync-jitter", 0.2, "resync interval jitter ratio (0.0-1.0)")
	cmd.Flags().Duration("reconnect-delay", 2*time.Second, "delay before reconnecting the realtime stream")
	cmd.Flags().String("state-file", "", "file that keeps the event cursor between runs")
	for _, name := range []string{"resync-interval", "resync-jitter", "reconnect-delay", "state-file"} {
		_ = a.v.BindPFlag(viperKey(name), cmd.Flags().Lookup(name))
	}
	return cmd
}

func (a *app) runWatch(ctx context.Context, team string, once bool) error {
	client := a.httpClient()
	cache := boardsync.NewItemCache(boardsync.NewVersionStore())
	resyncer, err := boardsync.NewResyncer(client, boardsync.ResyncerOptions{
		TeamID:    team,
		Cache:     cache,
		StateFile: a.cfg.StateFile,
		Logger:    debugLogger{a.clientLogger("resync")},
	})
	if err != nil {
		return err
	}

	resync := func(reason string) {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout*2)
		defer cancel()
		if err := resyncer.ResyncOnce(rctx); err != nil {
			a.out.Warning("resync after %s failed: %v", reason, err)
			return
		}
		a.logger.WithField("cursor", resyncer.Cursor()).Debugf("resync after %s complete", reason)
	}

	if once {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout*2)
		defer cancel()
		if err := resyncer.ResyncOnce(rctx); err != nil {
			return a.requestFailed("resync", err)
		}
		return a.out.Items(cache.All())
	}

	cache.OnChange(func(itemID string) {
		if item, ok := cache.Get(itemID); ok {
			a.out.Info("%s v%d %s %s %s", item.ID, item.Version, item.Status, item.Priority, item.Title)
			return
		}
		a.out.Warning("%s removed", itemID)
	})

	ch := realtime.NewChannel(
		realtime.WebSocketDialer{URL: realtime.RealtimeURL(client.BaseURL(), team), Token: client.Token},
		realtime.WithReconnectDelay(a.cfg.ReconnectDelay),
		realtime.WithLogger(debugLogger{a.clientLogger("realtime")}),
	)
	for _, sub := range cache.Attach(ch) {
		defer sub.Unsubscribe()
	}
	hook := ch.OnReconnect(func() {
		a.out.Info("connected to %s", realtime.RealtimeURL(client.BaseURL(), team))
		go resync("reconnect")
	})
	defer ch.OffReconnect(hook)

	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Disconnect()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(a.cfg.ResyncInterval, a.cfg.ResyncJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.out.Info("watch stopping")
			return nil
		case <-timer.C:
			resync("interval")
			timer.Reset(jitteredIntervalWithSample(a.cfg.ResyncInterval, a.cfg.ResyncJitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return time.Minute
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
