package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lattice-im/lattice/pkg/client"
	"github.com/lattice-im/lattice/pkg/crypto"
	"github.com/lattice-im/lattice/pkg/crypto/boltstore"
)

type Config struct {
	Homeserver  string            `yaml:"homeserver"`
	UserID      id.UserID         `yaml:"user_id"`
	DeviceID    id.DeviceID       `yaml:"device_id"`
	AccessToken string            `yaml:"access_token"`
	Database    string            `yaml:"database"`
	Passphrase  string            `yaml:"passphrase"`
	Logging     zeroconfig.Config `yaml:"logging"`
}

func run() error {
	path := "config.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	cli, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.DeviceID = cfg.DeviceID
	cli.Log = *log

	store, err := boltstore.New(cfg.Database, []byte(cfg.Passphrase))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	machine := crypto.NewMachine(*log, store, client.NewRequester(cli), nil, cfg.UserID, cfg.DeviceID)
	if err = machine.Load(ctx); err != nil {
		return err
	}

	syncer := cli.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.ToDeviceEncrypted, func(ctx context.Context, evt *event.Event) {
		machine.ProcessToDeviceEvents(ctx, []*event.Event{evt})
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if err := machine.HandleMemberEvent(ctx, evt); err != nil {
			log.Warn().Err(err).Msg("Failed to handle membership change")
		}
	})
	syncer.OnEventType(event.EventEncrypted, func(ctx context.Context, evt *event.Event) {
		decrypted, err := machine.DecryptMegolm(ctx, evt)
		if err != nil {
			log.Warn().
				Str("event_id", evt.ID.String()).
				Err(err).
				Msg("Unable to decrypt room message")
			return
		}
		log.Info().
			Str("room_id", decrypted.RoomID.String()).
			Str("type", decrypted.Type.String()).
			Msg("Decrypted room message")
	})
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		if err := machine.HandleOneTimeKeyCounts(ctx, &resp.DeviceOTKCount); err != nil {
			log.Warn().Err(err).Msg("Failed to replenish one-time keys")
		}
		return true
	})

	log.Info().Str("user_id", cfg.UserID.String()).Msg("Starting sync")
	return cli.SyncWithContext(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
