package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chimenet/internal/chime"
	"chimenet/internal/config"
	"chimenet/internal/logging"
	"chimenet/internal/models"
	"chimenet/internal/nats"
	"chimenet/internal/presence"
	"chimenet/internal/pubsub"
)

// defaultRingWait must outlast the ChillGrinding auto-response delay
const defaultRingWait = presence.ChillGrindingDelay + 5*time.Second

var (
	ringServer   string
	ringAs       string
	ringNotes    []string
	ringChords   []string
	ringDuration time.Duration
	ringWait     time.Duration
)

var ringCmd = &cobra.Command{
	Use:   "ring <user> <chime-id>",
	Short: "Ring a chime and wait for its answer",
	Args:  cobra.ExactArgs(2),
	RunE:  runRing,
}

func init() {
	ringCmd.Flags().StringVar(&ringServer, "server", "", "NATS URL (defaults to broker.server_url or nats://127.0.0.1:4222)")
	ringCmd.Flags().StringVar(&ringAs, "as", "", "user to ring as (defaults to service.user)")
	ringCmd.Flags().StringSliceVar(&ringNotes, "notes", nil, "notes to play, e.g. C4,E4")
	ringCmd.Flags().StringSliceVar(&ringChords, "chords", nil, "chords to play, e.g. Am")
	ringCmd.Flags().DurationVar(&ringDuration, "duration", 0, "tone duration")
	ringCmd.Flags().DurationVar(&ringWait, "wait", defaultRingWait, "how long to wait for a response, 0 to not wait")
}

func runRing(cmd *cobra.Command, args []string) error {
	user, chimeID := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	server := ringServer
	if server == "" {
		server = cfg.Broker.ServerURL
	}
	if server == "" {
		server = "nats://127.0.0.1:4222"
	}
	as := ringAs
	if as == "" {
		as = cfg.Service.User
	}

	transport := nats.NewTransport(nats.Config{
		ServerURL:  server,
		ClientName: cfg.Broker.ClientName + "-ring",
		BucketName: cfg.Broker.RetainedBucket,
	}, logger)
	network, err := pubsub.NewNetwork(pubsub.NewClient(transport, logger), as)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := network.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		_ = network.Disconnect(context.Background())
		network.Client().Wait()
	}()

	responses := make(chan models.ResponseMessage, 8)
	if ringWait > 0 {
		_, err := network.SubscribeResponses(ctx, user, chimeID, func(t string, payload []byte) {
			if resp, err := pubsub.DecodeJSON[models.ResponseMessage](t, payload); err == nil {
				responses <- resp
			}
		})
		if err != nil {
			return err
		}
	}

	ringID, err := chime.Ring(ctx, network, user, chimeID, ringNotes, ringChords, ringDuration)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rang %s/%s (ring id %s)\n", user, chimeID, ringID)
	if ringWait <= 0 {
		return nil
	}

	timeout := time.After(ringWait)
	for {
		select {
		case resp := <-responses:
			if resp.OriginalRingID != ringID {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s answered %s\n", resp.NodeID, resp.Response)
			return nil
		case <-timeout:
			return fmt.Errorf("no response within %v", ringWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
