package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dcrodman/tapserver/internal/core"
	"github.com/dcrodman/tapserver/internal/sessions"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Lists the client sessions recorded in the session log",
	RunE:  SessionsCommand,
}

var (
	LimitFlag int
	AddrFlag  string
)

func SessionsCommand(cmd *cobra.Command, args []string) error {
	cfg, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		return err
	}
	if err := os.Chdir(ConfigFlag); err != nil {
		return fmt.Errorf("error changing to config directory: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store, err := sessions.Open(sessions.Config{
		Engine:     cfg.SessionLog.Engine,
		Filename:   cfg.SessionLog.Filename,
		DataSource: cfg.DatabaseURL(),
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var list []sessions.Session
	if AddrFlag != "" {
		list, err = store.ForAddr(AddrFlag)
	} else {
		list, err = store.Recent(LimitFlag)
	}
	if err != nil {
		return fmt.Errorf("error listing sessions: %w", err)
	}

	printSessions(cmd, list)
	return nil
}

func printSessions(cmd *cobra.Command, list []sessions.Session) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tCONNECTED\tDURATION\tFRAMES IN\tFRAMES OUT\tDROPPED\tREASON")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.RemoteAddr,
			s.ConnectedAt.Local().Format("2006-01-02 15:04:05"),
			s.DisconnectedAt.Sub(s.ConnectedAt).Round(time.Second),
			s.FramesIn,
			s.FramesOut,
			s.Dropped,
			s.Reason,
		)
	}
	w.Flush()
}
