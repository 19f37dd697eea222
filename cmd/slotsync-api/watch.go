package main

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/slotsync/internal/apiclient"
	"github.com/MarcoPoloResearchLab/slotsync/internal/logging"
	"github.com/MarcoPoloResearchLab/slotsync/internal/syncengine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// newWatchCommand follows one group through the sync engine against a running
// server and logs roster, machine and highlight changes.
func newWatchCommand() *cobra.Command {
	var (
		serverURL string
		token     string
		groupID   string
		storeID   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a group's machines and presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(token) == "" || strings.TrimSpace(groupID) == "" {
				return fmt.Errorf("--token and --group are required")
			}
			logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchGroup(ctx, logger, serverURL, token, groupID, storeID)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "Session token")
	cmd.Flags().StringVar(&groupID, "group", "", "Group id")
	cmd.Flags().StringVar(&storeID, "store", "", "Store id (defaults to the first store)")
	return cmd
}

func watchGroup(ctx context.Context, logger *zap.Logger, serverURL, token, groupID, storeID string) error {
	client, err := apiclient.Connect(ctx, apiclient.Config{BaseURL: serverURL, Token: token, Logger: logger})
	if err != nil {
		return err
	}
	view, err := syncengine.OpenGroupView(ctx, syncengine.GroupViewConfig{
		Backend: client,
		GroupID: groupID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer view.Close()
	if storeID != "" {
		if err := view.SelectStore(ctx, storeID); err != nil {
			return err
		}
	}

	logger.Info("watching group", zap.String("group_id", groupID), zap.String("user_id", client.UserID()))
	var last watchSnapshot
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-view.Updates():
			current := snapshotView(view)
			current.log(logger, last)
			last = current
		}
	}
}

type watchSnapshot struct {
	store      string
	online     string
	machines   int
	highlights string
	err        string
}

func snapshotView(view *syncengine.GroupView) watchSnapshot {
	var snapshot watchSnapshot
	if store, ok := view.SelectedStore(); ok {
		snapshot.store = store.Name
	}
	names := make([]string, 0)
	for _, entry := range view.Online() {
		names = append(names, entry.DisplayName)
	}
	snapshot.online = strings.Join(names, ", ")
	snapshot.machines = len(view.Machines())
	highlights := make([]string, 0)
	for machineID, highlight := range view.Highlights() {
		highlights = append(highlights, fmt.Sprintf("%s:%s by %s", machineID, highlight.ChangeType, highlight.ChangerName))
	}
	sort.Strings(highlights)
	snapshot.highlights = strings.Join(highlights, "; ")
	if err := view.Err(); err != nil {
		snapshot.err = err.Error()
	}
	return snapshot
}

func (s watchSnapshot) log(logger *zap.Logger, previous watchSnapshot) {
	if s.online != previous.online {
		logger.Info("online members", zap.String("online", s.online))
	}
	if s.store != previous.store || s.machines != previous.machines {
		logger.Info("machines", zap.String("store", s.store), zap.Int("count", s.machines))
	}
	if s.highlights != previous.highlights && s.highlights != "" {
		logger.Info("highlights", zap.String("highlights", s.highlights))
	}
	if s.err != previous.err && s.err != "" {
		logger.Warn("group view error", zap.String("error", s.err))
	}
}
