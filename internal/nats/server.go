package nats

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

const (
	NodeCenter = "center"
	NodeLeaf   = "leaf"
)

// startEmbeddedServer starts an in-process NATS server. A center node runs
// JetStream (and optionally the MQTT listener); a leaf node connects to CenterURL.
func startEmbeddedServer(cfg Config, logger *zap.Logger) (*server.Server, error) {
	nodeType := cfg.nodeType()
	center := nodeType == NodeCenter

	opts := &server.Options{
		Host:       "0.0.0.0",
		Port:       -1, // random port for client connections
		JetStream:  center,
		ServerName: fmt.Sprintf("chimenet-%s-%d", nodeType, time.Now().UnixNano()),
		NoSigs:     true,
	}

	if center {
		opts.JetStreamMaxMemory = 32 * 1024 * 1024
		opts.JetStreamMaxStore = 256 * 1024 * 1024
		if cfg.DataDir != "" {
			if err := ensureDirectory(cfg.DataDir); err != nil {
				return nil, fmt.Errorf("failed to ensure data directory: %w", err)
			}
			opts.StoreDir = cfg.DataDir
		}
		if cfg.LeafPort > 0 {
			opts.LeafNode.Host = "0.0.0.0"
			opts.LeafNode.Port = cfg.LeafPort
		}
		if cfg.ClusterPort > 0 {
			opts.Cluster.Host = "0.0.0.0"
			opts.Cluster.Port = cfg.ClusterPort
			opts.Cluster.Name = "chimenet-cluster"
		}
		// MQTT needs JetStream for sessions and retained messages
		if cfg.MQTTPort != 0 {
			opts.MQTT.Host = "0.0.0.0"
			opts.MQTT.Port = cfg.MQTTPort
		}
	} else {
		if cfg.CenterURL == "" {
			return nil, fmt.Errorf("leaf nodes must specify center URL")
		}
		centerURL, err := url.Parse(cfg.CenterURL)
		if err != nil {
			return nil, fmt.Errorf("invalid center URL: %w", err)
		}
		opts.LeafNode.Remotes = []*server.RemoteLeafOpts{{URLs: []*url.URL{centerURL}}}
	}

	logger.Info("Starting embedded NATS",
		zap.String("node_type", nodeType),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("jetstream", opts.JetStream),
		zap.Int("mqtt_port", cfg.MQTTPort))

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	go ns.Start()

	timeout := cfg.startTimeout()
	deadline := time.Now().Add(timeout)
	lastReport := time.Now()
	for !ns.ReadyForConnections(100 * time.Millisecond) {
		if time.Now().After(deadline) {
			ns.Shutdown()
			return nil, fmt.Errorf("server failed to start within %v (node type: %s)", timeout, nodeType)
		}
		if time.Since(lastReport) >= 5*time.Second {
			logger.Info("Embedded NATS still starting", zap.Duration("elapsed", time.Since(deadline.Add(-timeout)).Truncate(time.Second)))
			lastReport = time.Now()
		}
	}

	logger.Info("Embedded NATS started", zap.String("url", ns.ClientURL()))
	return ns, nil
}

// ensureDirectory creates the directory if it doesn't exist and verifies it's writable
func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".write-test")
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
