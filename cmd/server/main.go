package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tinyredis/internal/logging"
	"tinyredis/internal/server"
)

func main() {
	var port int
	var replicaof string

	root := &cobra.Command{
		Use:   "tinyredis-server",
		Short: "A partial RESP key-value server with master/replica replication",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(port, replicaof)
		},
	}
	root.Flags().IntVarP(&port, "port", "p", 6379, "port to listen on")
	root.Flags().StringVar(&replicaof, "replicaof", "", `upstream master as "<host> <port>"; empty means master role`)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(port int, replicaof string) error {
	log := logging.New()

	cfg := server.DefaultConfig()
	cfg.Port = port

	if replicaof != "" {
		parts := strings.Fields(replicaof)
		if len(parts) != 2 {
			log.Fatalf(`invalid --replicaof %q, expected "<host> <port>"`, replicaof)
		}
		masterPort, err := strconv.Atoi(parts[1])
		if err != nil {
			log.Fatalf("invalid --replicaof port %q: %v", parts[1], err)
		}
		cfg.Role = "slave"
		cfg.MasterHost = parts[0]
		cfg.MasterPort = masterPort
	}

	srv := server.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		srv.Shutdown()
	}()

	log.WithField("port", port).WithField("role", cfg.Role).Info("starting tinyredis-server")
	return srv.Start(ctx)
}
