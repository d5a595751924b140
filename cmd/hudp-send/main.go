// Command hudp-send is a traffic generator that dials a H-UDP server
// and sends fixed-size payloads at a configured rate on either
// channel, reporting delivery and retransmission stats on shutdown.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hudpio/hudp"
	"github.com/hudpio/hudp/reliable"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("hudp-send failed")
	}
}

func newRootCmd() *cobra.Command {
	var (
		host       string
		port       uint16
		reliable   bool
		rate       int
		payload    int
		durationS  int
		lossProb   float64
		jitterMs   int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "hudp-send",
		Short: "Send a stream of payloads to a H-UDP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return run(cmd.Context(), sendOptions{
				host: host, port: port, reliable: reliable, rate: rate,
				payloadSize: payload, duration: time.Duration(durationS) * time.Second,
				lossProb: lossProb, jitter: time.Duration(jitterMs) * time.Millisecond,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "server host")
	flags.Uint16Var(&port, "port", 9100, "server port")
	flags.BoolVar(&reliable, "reliable", true, "use the reliable channel")
	flags.IntVar(&rate, "rate", 100, "payloads per second")
	flags.IntVar(&payload, "payload-size", 512, "payload size in bytes")
	flags.IntVar(&durationS, "duration", 10, "how long to send, in seconds")
	flags.Float64Var(&lossProb, "loss-prob", 0, "egress-only drop probability (testing)")
	flags.IntVar(&jitterMs, "jitter-ms", 0, "egress-only max uniform delay in ms (testing)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	return cmd
}

type sendOptions struct {
	host        string
	port        uint16
	reliable    bool
	rate        int
	payloadSize int
	duration    time.Duration
	lossProb    float64
	jitter      time.Duration
}

type stats struct {
	sent, delivered, retx, dropped uint64
}

func run(ctx context.Context, opt sendOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var st stats

	cfg := hudp.DefaultConfig()
	cfg.LossProb = opt.lossProb
	cfg.Jitter = opt.jitter

	client, err := hudp.NewClient(opt.host, opt.port, cfg, func(hudp.Received) {
		atomic.AddUint64(&st.delivered, 1)
	}, func(_ string, ev reliable.Event) {
		switch ev.Kind {
		case reliable.EventRetx:
			atomic.AddUint64(&st.retx, 1)
		case reliable.EventDropMaxRetx:
			atomic.AddUint64(&st.dropped, 1)
		}
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	logrus.WithFields(logrus.Fields{
		"host": opt.host, "port": opt.port, "reliable": opt.reliable, "rate": opt.rate,
	}).Info("sending")

	interval := time.Second / time.Duration(opt.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.After(opt.duration)
	payload := make([]byte, opt.payloadSize)
	rand.Read(payload)

	for {
		select {
		case <-ctx.Done():
			report(&st)
			return nil
		case <-deadline:
			report(&st)
			return nil
		case <-ticker.C:
			sendCtx, cancelSend := context.WithTimeout(ctx, time.Second)
			_, err := client.Send(sendCtx, payload, opt.reliable)
			cancelSend()
			if err != nil {
				logrus.WithError(err).Debug("send failed")
				continue
			}
			atomic.AddUint64(&st.sent, 1)
		}
	}
}

func report(st *stats) {
	logrus.WithFields(logrus.Fields{
		"sent":      atomic.LoadUint64(&st.sent),
		"delivered": atomic.LoadUint64(&st.delivered),
		"retx":      atomic.LoadUint64(&st.retx),
		"dropped":   atomic.LoadUint64(&st.dropped),
	}).Info("final stats")
}
