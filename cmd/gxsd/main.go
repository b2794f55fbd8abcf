// Command gxsd runs the GXS store daemon and offers maintenance commands
// against its database.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/aeolun/gxsstore/pkg/dataaccess"
	"github.com/aeolun/gxsstore/pkg/gxs"
	"github.com/aeolun/gxsstore/pkg/server"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gxsd",
	Short: "GXS group and message store",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			jww.SetStdoutThreshold(jww.LevelDebug)
		} else {
			jww.SetStdoutThreshold(jww.LevelInfo)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "~/.gxsstore/gxsd.toml", "path to the TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	statsCmd.Flags().String("group", "", "hex id of a single group to report on")
	migrateCmd.Flags().Bool("reset", false, "drop every table and recreate an empty store")

	rootCmd.AddCommand(serveCmd, statsCmd, migrateCmd)
}

func loadServerConfig() (server.ServerConfig, error) {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return server.ServerConfig{}, err
	}
	return cfg.ToServerConfig()
}

// openOffline opens the store without the metrics endpoint or the
// processing loop.
func openOffline() (*server.Server, error) {
	cfg, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	cfg.MetricsEnabled = false
	return server.NewServer(cfg)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store daemon until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig()
		if err != nil {
			return err
		}
		srv, err := server.NewServer(cfg)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			srv.Stop()
			return err
		}
		jww.INFO.Printf("[GXS-SRV] serving %s (processing every %v)", cfg.DatabasePath, cfg.ProcessInterval)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		jww.INFO.Printf("[GXS-SRV] received %v", sig)
		return srv.Stop()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupHex, _ := cmd.Flags().GetString("group")

		srv, err := openOffline()
		if err != nil {
			return err
		}
		defer srv.Stop()
		d := srv.Engine()

		if groupHex != "" {
			gid, err := gxs.ParseGroupID(groupHex)
			if err != nil {
				return errors.Wrap(err, "invalid --group")
			}
			token, err := d.RequestGroupStatistic(gid)
			if err != nil {
				return err
			}
			d.ProcessRequests()
			st, err := d.GetGroupStatistic(token)
			if err != nil {
				return err
			}
			printGroupStatistic(cmd, st)
			return nil
		}

		token, err := d.RequestServiceStatistic()
		if err != nil {
			return err
		}
		d.ProcessRequests()
		st, err := d.GetServiceStatistic(token)
		if err != nil {
			return err
		}
		printServiceStatistic(cmd, st)
		return nil
	},
}

func printGroupStatistic(cmd *cobra.Command, st dataaccess.GroupStatistic) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "group               %s\n", st.GroupID)
	fmt.Fprintf(out, "messages            %d\n", st.NumMsgs)
	fmt.Fprintf(out, "authors             %d\n", st.NumAuthors)
	fmt.Fprintf(out, "threads new/unread  %d/%d\n", st.NumThreadMsgsNew, st.NumThreadMsgsUnread)
	fmt.Fprintf(out, "replies new/unread  %d/%d\n", st.NumChildMsgsNew, st.NumChildMsgsUnread)
	fmt.Fprintf(out, "message bytes       %d\n", st.TotalSizeOfMsgs)
}

func printServiceStatistic(cmd *cobra.Command, st dataaccess.ServiceStatistic) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "groups              %d (%d subscribed)\n", st.NumGroups, st.NumGroupsSubscribed)
	fmt.Fprintf(out, "messages            %d\n", st.NumMsgs)
	fmt.Fprintf(out, "threads new/unread  %d/%d\n", st.NumThreadMsgsNew, st.NumThreadMsgsUnread)
	fmt.Fprintf(out, "replies new/unread  %d/%d\n", st.NumChildMsgsNew, st.NumChildMsgsUnread)
	fmt.Fprintf(out, "group bytes         %d\n", st.SizeOfGroups)
	fmt.Fprintf(out, "message bytes       %d\n", st.SizeOfMsgs)
	fmt.Fprintf(out, "store bytes         %d\n", st.SizeStore)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the database to the current release",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")

		// Opening the store runs pending migrations.
		srv, err := openOffline()
		if err != nil {
			return err
		}
		defer srv.Stop()

		if reset {
			if err := srv.Store().ResetDataStore(); err != nil {
				return err
			}
			jww.WARN.Println("[GXS-SRV] store reset: all groups and messages removed")
		}
		release, err := srv.Store().Release()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database release %d\n", release)
		return nil
	},
}
