package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/ingest"
	"github.com/sweeney/hydro-sentinel/internal/metrics"
	"github.com/sweeney/hydro-sentinel/internal/mqtt"
	"github.com/sweeney/hydro-sentinel/internal/web"
)

func newServeCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Score readings from the broker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx := cmd.Context()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			d, err := newDaemon(ctx, cfg, log, m)
			if err != nil {
				return err
			}
			defer d.close()

			queue := ingest.NewQueue(cfg.QueueSize)
			client := mqtt.NewClient(cfg.MQTT, mqtt.Handlers{
				Reading:  d.offerReading(queue),
				Feedback: d.offerFeedback,
				Invalid:  d.invalidMessage,
			}, log)
			defer client.Close()
			d.pub, d.conn = client, client
			client.Connect()

			sources := []ingest.Source{queue}
			if cfg.Kafka.Enabled {
				ks, err := ingest.NewKafkaSource(cfg.Kafka, log)
				if err != nil {
					return err
				}
				ks.OnInvalid(func(err error) { d.invalidMessage(cfg.Kafka.Topic, err) })
				sources = append(sources, ks)
			}

			if cfg.HTTP.Addr != "" {
				srv := web.New(cfg.HTTP.Addr, d.tracker, m)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("http server error", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
			}

			driftTicker := time.NewTicker(cfg.Drift.Interval)
			defer driftTicker.Stop()
			t := ticks{drift: driftTicker.C}
			if cfg.Heartbeat > 0 {
				hb := time.NewTicker(cfg.Heartbeat)
				defer hb.Stop()
				t.heartbeat = hb.C
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			log.Info("started",
				zap.String("broker", cfg.MQTT.Broker),
				zap.Bool("kafka", cfg.Kafka.Enabled),
				zap.Bool("model_ready", d.det.Ready()),
				zap.Duration("heartbeat", cfg.Heartbeat),
				zap.Duration("drift_interval", cfg.Drift.Interval))
			return d.run(ctx, sources, t, sigCh)
		},
	}
}
