// Command tradefeed replays a CSV of trades onto the engine's input topic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	kafkabus "rsi-engine/internal/bus/kafka"
	redisbus "rsi-engine/internal/bus/redis"
	"rsi-engine/internal/feed"
	"rsi-engine/internal/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradefeed",
	Short: "replay a trades CSV onto the input topic",

	SilenceUsage: true,

	RunE: run,
}

func init() {
	f := rootCmd.Flags()
	f.String("csv", "trades_data.csv", "path to the trades CSV file")
	f.String("backend", envOr("BUS_BACKEND", "kafka"), "bus backend: kafka or redis")
	f.String("brokers", envOr("KAFKA_BROKERS", "localhost:9092"), "comma separated kafka brokers")
	f.String("topic", envOr("INPUT_TOPIC", "trade-data"), "topic or stream to publish to")
	f.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	f.Duration("interval", 50*time.Millisecond, "pause between messages")
	f.Int("limit", 0, "stop after this many rows (0 = all)")
	f.StringSlice("string-columns", []string{"token_address"}, "columns always sent as strings")
	f.Bool("debug", false, "log every delivery")
}

func run(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	path, _ := f.GetString("csv")
	backend, _ := f.GetString("backend")
	brokers, _ := f.GetString("brokers")
	topic, _ := f.GetString("topic")
	redisAddr, _ := f.GetString("redis-addr")
	interval, _ := f.GetDuration("interval")
	limit, _ := f.GetInt("limit")
	stringCols, _ := f.GetStringSlice("string-columns")
	debug, _ := f.GetBool("debug")

	level := logger.ParseLevel("info")
	if debug {
		level = logger.ParseLevel("debug")
	}
	log := logger.Init("tradefeed", level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	var sink feed.Sink
	switch strings.ToLower(backend) {
	case "kafka":
		sink = kafkabus.NewProducer(kafkabus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   topic,
		})
	case "redis":
		rdb, err := redisbus.Dial(ctx, redisbus.Config{Addr: redisAddr})
		if err != nil {
			return err
		}
		defer rdb.Close()
		sink = redisbus.NewAppender(rdb, topic)
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}
	defer sink.Close()

	cols := make(map[string]bool, len(stringCols))
	for _, c := range stringCols {
		cols[c] = true
	}

	r := feed.NewReplayer(sink, feed.Options{
		StringColumns: cols,
		Throttle:      interval,
		Limit:         limit,
	}, log)

	log.Info("replaying trades", "csv", path, "backend", backend, "topic", topic, "interval", interval)
	st, err := r.Replay(ctx, in)
	log.Info("replay finished", "rows", st.Rows, "sent", st.Sent, "failed", st.Failed)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
