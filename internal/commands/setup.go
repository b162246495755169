package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klabast/wb-services/bir-tomming/internal/app"
	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/config"
)

type setupFlags struct {
	address      string
	listen       string
	mqttBroker   string
	mqttUsername string
	mqttPassword string
}

func newSetupCommand(g *globals) *cobra.Command {
	var f setupFlags
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the address to track",
		Long: `Looks up the address with the BIR service and stores it in the config file.
A running server picks up the change without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.address, "address", "", "street address, e.g. \"Lillebotn 12\"")
	cmd.Flags().StringVar(&f.listen, "listen", "", "HTTP listen address (default "+config.DefaultListenAddr+")")
	cmd.Flags().StringVar(&f.mqttBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	cmd.Flags().StringVar(&f.mqttUsername, "mqtt-username", "", "MQTT username")
	cmd.Flags().StringVar(&f.mqttPassword, "mqtt-password", "", "MQTT password")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func runSetup(cmd *cobra.Command, g *globals, f setupFlags) error {
	hd, err := g.dir()
	if err != nil {
		return err
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}

	store := config.NewStore(hd.ConfigPath())
	var entry config.Entry
	err = store.Update(func(cfg *config.Config) error {
		client := birclient.New(birclient.Config{
			Credentials: cfg.Credentials(),
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.RequestTimeout.Duration,
			Logger:      g.logger,
		})
		e, err := app.ValidateInput(cmd.Context(), client, f.address)
		if err != nil {
			return err
		}
		entry = e
		cfg.Entry = &entry
		if f.listen != "" {
			cfg.ListenAddr = f.listen
		}
		if f.mqttBroker != "" {
			cfg.MQTT.Broker = f.mqttBroker
			cfg.MQTT.Username = f.mqttUsername
			cfg.MQTT.Password = f.mqttPassword
		}
		return nil
	})

	var setupErr *app.SetupError
	if errors.As(err, &setupErr) {
		return fmt.Errorf("setup failed (%s): %w", setupErr.Code, setupErr.Err)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered %q (property %s)\n", entry.Address, entry.AddressID)
	fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", store.Path())
	return nil
}
