package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/hendraet/labshare/internal/client"
	"github.com/hendraet/labshare/internal/config"
	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/netutils"
)

func main() {
	if err := newRootCommand(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	fs            afero.Fs
	controllerURL string
	token         string
	insecure      bool
	api           *client.Client
}

func newRootCommand(fs afero.Fs) *cobra.Command {
	c := &cli{fs: fs}
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:          "labshare",
		Short:        "Reserve shared GPUs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindCommandToViper(cmd, v); err != nil {
				return err
			}
			return c.connect()
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.controllerURL, "controller-url", "", "controller URL (default from ~/.labshare.yaml)")
	rootCmd.PersistentFlags().StringVar(&c.token, "token", "", "API token (default from ~/.labshare.yaml)")
	rootCmd.PersistentFlags().BoolVar(&c.insecure, "insecure", false, "skip TLS certificate verification")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Store controller URL and token in ~/.labshare.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			if err := config.SaveCLIConfig(c.fs, home, &config.CLIConfig{ControllerURL: c.controllerURL, Token: c.token, Insecure: c.insecure}); err != nil {
				return err
			}
			me, err := c.api.Whoami(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", me.Name)
			return nil
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices and their GPU queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := c.api.Devices(cmd.Context())
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}

	var device string
	var next bool
	reserveCmd := &cobra.Command{
		Use:   "reserve [gpu-uuid]",
		Short: "Queue for a GPU, or for the next free GPU of a device with --next",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				created []models.Reservation
				err     error
			)
			switch {
			case next:
				if device == "" {
					return fmt.Errorf("--next needs --device")
				}
				created, err = c.api.ReserveNextAvailable(cmd.Context(), device)
			case len(args) == 1:
				created, err = c.api.Reserve(cmd.Context(), args[0])
			default:
				return fmt.Errorf("give a gpu uuid or --device with --next")
			}
			if err != nil {
				return err
			}
			for _, r := range created {
				state := "queued"
				if r.IsStarted() {
					state = "in use until " + r.UsageExpires.Local().Format(time.DateTime)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r.GPUUUID, state)
			}
			return nil
		},
	}
	reserveCmd.Flags().StringVar(&device, "device", "", "device for --next")
	reserveCmd.Flags().BoolVar(&next, "next", false, "take the next GPU of the device that becomes free")

	doneCmd := &cobra.Command{
		Use:   "done <gpu-uuid>",
		Short: "Release a GPU you are using",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			promoted, err := c.api.Done(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if promoted != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Released, GPU handed to %s\n", promoted.UserID)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Released, nobody waiting")
			}
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <gpu-uuid>",
		Short: "Withdraw your latest queued reservation for a GPU",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.api.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reservation canceled")
			return nil
		},
	}

	extendCmd := &cobra.Command{
		Use:   "extend <gpu-uuid>",
		Short: "Renew your usage window shortly before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.api.Extend(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Extended until %s\n", r.UsageExpires.Local().Format(time.DateTime))
			return nil
		},
	}

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the user behind the token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			me, err := c.api.Whoami(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", me.Name, me.ID)
			return nil
		},
	}

	rootCmd.AddCommand(loginCmd, devicesCmd, reserveCmd, doneCmd, cancelCmd, extendCmd, whoamiCmd)
	return rootCmd
}

// connect fills unset connection settings from ~/.labshare.yaml.
func (c *cli) connect() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	cfg, err := config.LoadCLIConfig(c.fs, home)
	if err != nil {
		return err
	}
	if c.controllerURL == "" {
		c.controllerURL = cfg.ControllerURL
	}
	if c.controllerURL == "" {
		c.controllerURL = "http://localhost:8080"
	}
	if c.token == "" {
		c.token = cfg.Token
	}
	if c.token == "" {
		return fmt.Errorf("no token: pass --token, set LABSHARE_TOKEN or run login")
	}
	c.insecure = c.insecure || cfg.Insecure

	c.api = client.New(c.controllerURL, c.token, netutils.NewClient(c.insecure, 30*time.Second))
	return nil
}

func printDevices(out io.Writer, devices []models.DeviceView) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tGPU\tMODEL\tMEMORY\tUSER\tQUEUE\tNOTE")
	for _, d := range devices {
		for _, g := range d.GPUs {
			user := g.CurrentUser
			if user == "" {
				user = "-"
			}
			var notes []string
			if g.Stale {
				notes = append(notes, "stale")
			}
			if g.Failed {
				notes = append(notes, "failed")
			}
			if g.ExtensionPossible {
				notes = append(notes, "extendable")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				d.Name, g.UUID, g.Name, g.Memory, user, strings.Join(g.NextUsers, ","), strings.Join(notes, ","))
		}
	}
	return w.Flush()
}
