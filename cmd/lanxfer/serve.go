package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/lanxfer"
	"github.com/opd-ai/lanxfer/discovery"
	"github.com/opd-ai/lanxfer/metrics"
)

const reconnectInterval = 10 * time.Second

func serveCommand() *cobra.Command {
	var (
		listen      string
		metricsAddr string
		peers       []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept incoming transfers and stay connected to known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, cfg, err := openNode(cmd, func(o *lanxfer.Options) {
				if listen != "" {
					o.ListenAddr = listen
				}
			})
			if err != nil {
				return err
			}
			defer node.Close()

			if err := node.Listen(""); err != nil {
				return err
			}

			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}
			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, node.Metrics())
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			var static []discovery.PeerDescriptor
			for _, s := range append(cfg.Peers, peers...) {
				p, err := discovery.ParsePeer(s)
				if err != nil {
					return err
				}
				static = append(static, p)
			}
			go keepConnected(ctx, node, static)

			logrus.WithFields(logrus.Fields{
				"function": "serve",
				"peer_id":  node.PeerID(),
				"address":  node.Addr().String(),
				"download": cfg.DownloadDir,
				"peers":    len(static),
			}).Info("Serving")

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "TCP address to accept peers on")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address for the Prometheus /metrics endpoint")
	cmd.Flags().StringArrayVar(&peers, "peer", nil, "static peer as id@host:port[#hexkey] (repeatable)")
	return cmd
}

// keepConnected dials static peers and redials them while they are
// unreachable. Static peers are dialed regardless of id order.
func keepConnected(ctx context.Context, node *lanxfer.Node, peers []discovery.PeerDescriptor) {
	if len(peers) == 0 {
		return
	}
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		for _, p := range peers {
			if node.Manager().HasChannel(p.ID) {
				continue
			}
			dialCtx, cancel := context.WithTimeout(ctx, reconnectInterval)
			err := node.Connect(dialCtx, p)
			cancel()
			if err != nil && ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "keepConnected",
					"peer_id":  p.ID,
					"address":  p.Addr,
					"error":    err.Error(),
				}).Warn("Peer unreachable")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(addr string, mc *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mc.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Metrics endpoint stopped")
		}
	}()
	return srv
}
