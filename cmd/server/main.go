package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"roomchat/internal/app"
	"roomchat/internal/chat"
	rclog "roomchat/internal/log"
	"roomchat/internal/presence"
	"roomchat/internal/storage"
)

// version is reported by --version.
const version = "0.1.0"

var (
	cfgFile string
	v       = app.NewViper()
)

var rootCmd = &cobra.Command{
	Use:           "roomchat-server",
	Short:         "Real-time room presence and messaging server",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket and HTTP server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(v, cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := rclog.Init(cfg.Server.Env)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		handle, err := app.RunServer(ctx, cfg, logger)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(handle.Wait)
		g.Go(func() error {
			select {
			case <-handle.Done():
				return nil
			case <-gctx.Done():
			}
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return handle.Stop(shutdownCtx)
		})
		return g.Wait()
	},
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage rooms in the directory",
}

var roomAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return chat.ErrEmptyRoom
			}
			if err := store.CreateRoom(ctx, name); err != nil {
				if errors.Is(err, storage.ErrRoomExists) {
					fmt.Fprintf(cmd.OutOrStdout(), "room %q already exists\n", name)
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created room %q\n", name)
			return nil
		})
	},
}

var roomRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Delete a room; its message history is kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			name := strings.TrimSpace(args[0])
			if err := store.DeleteRoom(ctx, name); err != nil {
				if errors.Is(err, chat.ErrNotFound) {
					return fmt.Errorf("room %q does not exist", name)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted room %q\n", name)
			return nil
		})
	},
}

var (
	userDisplay string
	userAvatar  string
	userRooms   []string
	userDefault string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user profiles in the directory",
}

var userAddCmd = &cobra.Command{
	Use:   "add IDENTITY",
	Short: "Create or replace a user profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			profile := chat.Profile{
				Identity:     strings.TrimSpace(args[0]),
				DisplayName:  userDisplay,
				AvatarRef:    userAvatar,
				AllowedRooms: userRooms,
				DefaultRoom:  userDefault,
			}
			if err := store.UpsertUser(ctx, profile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved user %q with rooms %v\n", profile.Identity, userRooms)
			return nil
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List users mirrored to Redis by running servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(v, cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is not configured")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		entries, err := presence.NewRedisMirror(client, cfg.Redis.Prefix, cfg.Redis.TTL).List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			room := e.Room
			if room == "" {
				room = "-"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", e.Identity, e.DisplayName, room)
		}
		return nil
	},
}

func withStore(ctx context.Context, fn func(context.Context, *storage.Store) error) error {
	cfg, err := app.LoadConfig(v, cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := app.OpenStore(ctx, cfg.DB.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./roomchat.yaml when present)")
	rootCmd.PersistentFlags().String("db", "", "path to the SQLite database")
	_ = v.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))

	serveCmd.Flags().String("addr", "", "server listen address")
	serveCmd.Flags().String("path", "", "websocket path")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("server.path", serveCmd.Flags().Lookup("path"))

	userAddCmd.Flags().StringVar(&userDisplay, "display", "", "display name")
	userAddCmd.Flags().StringVar(&userAvatar, "avatar", "", "avatar reference")
	userAddCmd.Flags().StringSliceVar(&userRooms, "rooms", nil, "rooms the user may join, comma separated")
	userAddCmd.Flags().StringVar(&userDefault, "default", "", "preferred room")

	roomCmd.AddCommand(roomAddCmd, roomRmCmd)
	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(serveCmd, roomCmd, userCmd, presenceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
