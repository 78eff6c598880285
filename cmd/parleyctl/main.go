package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	parley "github.com/parleymq/parley-go"
	"github.com/parleymq/parley-go/health"
	"github.com/parleymq/parley-go/message"
	"github.com/parleymq/parley-go/transports/rabbitmq"
)

const defaultBrokerURL = "tcp://localhost:1883"

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "parleyctl",
		Short: "Publish, subscribe and probe a Parley event bus",
		Long: `parleyctl talks to a Parley event bus from the command line.
It publishes messages, follows subscriptions, issues request/response
round trips and checks bus health.

The broker URL scheme selects the transport: amqp:// uses RabbitMQ,
anything else is treated as MQTT.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		brokerURL  string
		configPath string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "broker URL (defaults to the config file, then "+defaultBrokerURL+")")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	// Pub command
	var (
		pubData   string
		pubQoS    uint8
		pubRetain bool
		pubFast   bool
	)
	pubCmd := &cobra.Command{
		Use:   "pub <topic>",
		Short: "Publish one message",
		Long:  "Publish one message to a topic. JSON objects go out structured, anything else as raw bytes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newBusClient(ctx, brokerURL, configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			payload, err := readPayload(pubData)
			if err != nil {
				return err
			}

			if pubFast {
				return client.FastPublish(ctx, args[0], payload)
			}

			var opts []parley.PublishOption
			if cmd.Flags().Changed("qos") {
				opts = append(opts, parley.WithQoS(byte(pubQoS)))
			}
			if pubRetain {
				opts = append(opts, parley.WithRetain(true))
			}
			return client.Publish(ctx, args[0], payload, opts...)
		},
	}
	pubCmd.Flags().StringVarP(&pubData, "data", "d", "{}", `payload; "-" reads stdin`)
	pubCmd.Flags().Uint8Var(&pubQoS, "qos", 0, "delivery QoS level")
	pubCmd.Flags().BoolVar(&pubRetain, "retain", false, "ask the broker to retain the message")
	pubCmd.Flags().BoolVar(&pubFast, "fast", false, "skip the transform pipeline")

	// Sub command
	subCmd := &cobra.Command{
		Use:   "sub <pattern...>",
		Short: "Follow one or more subscription patterns",
		Long:  "Subscribe to the given patterns and print every delivery until interrupted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newBusClient(ctx, brokerURL, configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			printer := message.HandlerFunc(func(_ context.Context, d message.Delivery) error {
				body, err := d.Payload.Bytes()
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", d.Topic, body)
				return nil
			})
			for _, pattern := range args {
				if err := client.Subscribe(pattern, printer); err != nil {
					return err
				}
			}

			fmt.Fprintln(os.Stderr, "Listening... Press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}

	// Req command
	var reqData string
	var reqTimeout time.Duration
	reqCmd := &cobra.Command{
		Use:   "req <topic>",
		Short: "Send a request and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newBusClient(ctx, brokerURL, configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			payload, err := readPayload(reqData)
			if err != nil {
				return err
			}

			var opts []parley.RequestOption
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, parley.WithTimeout(reqTimeout))
			}
			res, err := client.Request(ctx, args[0], payload, opts...)
			if err != nil {
				return err
			}

			body, err := res.Bytes()
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	reqCmd.Flags().StringVarP(&reqData, "data", "d", "{}", `payload; "-" reads stdin`)
	reqCmd.Flags().DurationVarP(&reqTimeout, "timeout", "t", 10*time.Second, "how long to wait for the response")

	// Echo command
	echoCmd := &cobra.Command{
		Use:   "echo <pattern>",
		Short: "Answer requests with their own payload",
		Long:  "Run an echo responder on a pattern. Useful as the far end of req and health probes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newBusClient(ctx, brokerURL, configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			echo := message.HandlerFunc(func(ctx context.Context, d message.Delivery) error {
				if d.Responder == nil {
					// Plain publish, nothing to answer.
					return nil
				}
				return d.Responder.Respond(ctx, d.Payload, nil)
			})
			if err := client.Subscribe(args[0], echo); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Echoing requests on %s... Press Ctrl+C to stop\n", args[0])
			<-ctx.Done()
			return nil
		},
	}

	// Health command
	var (
		healthProbe  string
		healthListen string
	)
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check bus health",
		Long: `Connect to the bus and report health as JSON. With --probe, a request
round trip against the given topic joins the report. With --listen, the
report is served over HTTP instead of printed once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newBusClient(ctx, brokerURL, configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			registry := health.NewRegistry()
			registry.SetMetadata("version", version)
			registry.Register(health.NewConnectionChecker(client))
			if healthProbe != "" {
				registry.Register(health.NewRoundTripChecker(client, healthProbe, time.Second))
			}

			if healthListen != "" {
				return serveHealth(ctx, healthListen, registry)
			}

			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			report := registry.Check(checkCtx)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("bus is unhealthy")
			}
			return nil
		},
	}
	healthCmd.Flags().StringVar(&healthProbe, "probe", "", "topic to probe with a request round trip")
	healthCmd.Flags().StringVar(&healthListen, "listen", "", "serve /health, /ready and /live on this address")

	rootCmd.AddCommand(pubCmd, subCmd, reqCmd, echoCmd, healthCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

// newBusClient builds and connects a client from the global flags. The
// URL falls back to the config file and then to the local MQTT default;
// an amqp scheme switches the transport to RabbitMQ.
func newBusClient(ctx context.Context, url, configPath string, verbose bool, extra ...parley.Option) (*parley.Client, error) {
	cfg := parley.DefaultConfig()
	if configPath != "" {
		loaded, err := parley.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.Verbose = cfg.Verbose || verbose

	if url == "" {
		url = cfg.URL
	}
	if url == "" {
		url = defaultBrokerURL
	}

	opts := []parley.Option{parley.WithConfig(cfg)}
	if strings.HasPrefix(url, "amqp") {
		opts = append(opts, parley.WithTransport(rabbitmq.NewTransport()))
	}
	opts = append(opts, extra...)

	client, err := parley.New(url, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// readPayload turns the --data flag into a payload. "-" reads stdin.
func readPayload(data string) (message.Payload, error) {
	if data == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return message.Payload{}, fmt.Errorf("failed to read stdin: %w", err)
		}
		return message.Parse(b), nil
	}
	return message.Parse([]byte(data)), nil
}

// serveHealth exposes the registry over HTTP until ctx is done.
func serveHealth(ctx context.Context, addr string, registry *health.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
	mux.HandleFunc("/ready", health.ReadinessHandler(registry))
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "Serving health on %s... Press Ctrl+C to stop\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
