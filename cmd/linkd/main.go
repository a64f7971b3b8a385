// Command linkd runs one Radicle Link node: it loads a profile's
// configuration, unlocks its signing key, and drives storage, membership,
// broadcast, replication, interrogation and request-pull off the single
// cooperative scheduler until a shutdown signal arrives (spec §9
// "replace package-level singletons with a constructed Peer value, run
// from a cmd/linkd entrypoint").
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/radicle-dev/radicle-link-sub006/internal/config"
	"github.com/radicle-dev/radicle-link-sub006/internal/keystore"
	"github.com/radicle-dev/radicle-link-sub006/internal/peer"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/scheduler"
	"github.com/radicle-dev/radicle-link-sub006/internal/socketactivation"
)

func main() {
	root := &cobra.Command{
		Use:   "linkd",
		Short: "run a Radicle Link replication node",
		RunE:  runDaemon,
	}
	root.Flags().String("config", "", "path to the profile's config directory (overrides LINK_CONFIG_PATH)")
	root.Flags().String("env", "", "config overlay name, e.g. \"production\" (overrides LINK_ENV)")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("linkd: exiting")
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "linkd")

	signer, err := unlockSigner(cfg)
	if err != nil {
		return fmt.Errorf("linkd: unlock signing key: %w", err)
	}
	log.WithField("peer", mustPeerID(signer).String()).Info("unlocked signing key")

	linger := time.Duration(cfg.IdleLingerSeconds) * time.Second
	sched := scheduler.New(context.Background(), linger)

	p, err := peer.New(sched.Context(), cfg, signer)
	if err != nil {
		return fmt.Errorf("linkd: build peer: %w", err)
	}
	defer p.Close()

	for _, raw := range cfg.Network.BootstrapPeers {
		id, addrs, err := parseBootstrapPeer(raw)
		if err != nil {
			log.WithError(err).WithField("peer", raw).Warn("skipping malformed bootstrap peer")
			continue
		}
		if err := p.Bootstrap(id, addrs); err != nil {
			log.WithError(err).WithField("peer", id.String()).Warn("bootstrap failed")
		}
	}

	var debugListener net.Listener
	if cfg.Debug.Enabled {
		debugListener = adoptDebugListener(log)
	}
	p.Start(sched, debugListener)

	log.Info("linkd: running")
	if err := sched.Wait(); err != nil {
		return fmt.Errorf("linkd: %w", err)
	}
	log.Info("linkd: shut down cleanly")
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	env, _ := cmd.Flags().GetString("env")
	if path != "" {
		return config.Load(path, env)
	}
	if env != "" {
		configPath := os.Getenv("LINK_CONFIG_PATH")
		if configPath == "" {
			configPath = "./config"
		}
		return config.Load(configPath, env)
	}
	return config.LoadFromEnv()
}

// unlockSigner reads the per-profile keypair, generating one on first run.
// The passphrase comes from LINK_KEY_PASSPHRASE; an empty passphrase is
// accepted for local development profiles.
func unlockSigner(cfg *config.Config) (keystore.Signer, error) {
	passphrase := []byte(os.Getenv("LINK_KEY_PASSPHRASE"))
	keyPath := filepath.Join(cfg.Profile.Root, "keys", cfg.Profile.ID, "librad.key")
	store := keystore.NewFileStore(keyPath)
	if !store.Exists() {
		return store.Generate(passphrase)
	}
	return store.Unlock(passphrase)
}

func mustPeerID(s keystore.Signer) peerid.PeerID { return s.PeerID() }

// parseBootstrapPeer decodes a "<peerid>@<addr>[,<addr>...]" entry from
// network.bootstrap_peers.
func parseBootstrapPeer(raw string) (peerid.PeerID, []string, error) {
	at := strings.Index(raw, "@")
	if at < 0 {
		return peerid.PeerID{}, nil, fmt.Errorf("expected \"<peerid>@<addr>\", got %q", raw)
	}
	id, err := peerid.Parse(raw[:at])
	if err != nil {
		return peerid.PeerID{}, nil, err
	}
	addrs := strings.Split(raw[at+1:], ",")
	return id, addrs, nil
}

// adoptDebugListener prefers a supervisor-handed-down socket (systemd's
// LISTEN_FDS convention, or launchd on Darwin) for the debug HTTP surface
// over binding cfg.Debug.ListenAddr itself. It returns nil when no
// activated socket matches the name "linkd-debug" (without LISTEN_FDNAMES,
// every inherited socket matches), letting peer.Start bind the configured
// address directly.
func adoptDebugListener(log *logrus.Entry) net.Listener {
	listeners, err := socketactivation.Listeners("linkd-debug")
	if err != nil {
		if err != socketactivation.ErrUnsupported {
			log.WithError(err).Warn("linkd: socket activation lookup failed, binding debug address directly")
		}
		return nil
	}
	if len(listeners) == 0 {
		return nil
	}
	log.WithField("addr", listeners[0].Addr().String()).Info("linkd: serving debug surface on an activated socket")
	for _, extra := range listeners[1:] {
		_ = extra.Close()
	}
	return listeners[0]
}
