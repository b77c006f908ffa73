package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the supported access point providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry, err := provider.FromConfig(cfg, nil)
		if err != nil {
			return err
		}
		descriptors := registry.Descriptors()
		return render(cmd, descriptors, func(w io.Writer) {
			for _, d := range descriptors {
				marker := " "
				if d.ID == cfg.ActiveProvider {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %-10s %-12s auth=%-7s %s\n", marker, d.ID, d.DisplayName, d.AuthScheme, capabilityList(d.Capabilities))
			}
		})
	},
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection [provider]",
	Short: "Check credentials against a provider (default: active provider)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id := cfg.ActiveProvider
		if len(args) == 1 {
			id = model.ProviderID(strings.ToLower(args[0]))
		}
		registry, err := provider.FromConfig(cfg, logger.New(cfg.LogLevel))
		if err != nil {
			return err
		}
		adapter, err := registry.Get(id)
		if err != nil {
			return err
		}

		printVerbose(cmd, "Testing %s (%s environment)\n", id, cfg.Environment)
		res := adapter.TestConnection(cmd.Context())
		if err := render(cmd, res, func(w io.Writer) {
			status := "OK"
			if !res.Success {
				status = "FAILED"
			}
			fmt.Fprintf(w, "%s: %s %s\n", id, status, res.Message)
		}); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("connection to %s failed", id)
		}
		return nil
	},
}

var registerEntityCmd = &cobra.Command{
	Use:   "register-entity [provider]",
	Short: "Register the configured company as a receiving participant",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			var id model.ProviderID
			if len(args) == 1 {
				id = model.ProviderID(strings.ToLower(args[0]))
			}
			entityID, err := a.exchange.RegisterLegalEntity(cmd.Context(), id, model.Party{})
			if err != nil {
				return err
			}
			return render(cmd, map[string]string{"legal_entity_id": entityID}, func(w io.Writer) {
				fmt.Fprintf(w, "registered legal entity %s\n", entityID)
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(providersCmd, testConnectionCmd, registerEntityCmd)
}

func capabilityList(c provider.Capabilities) string {
	var caps []string
	for _, f := range []struct {
		name string
		on   bool
	}{
		{"send", c.Send},
		{"receive", c.Receive},
		{"status", c.StatusTracking},
		{"webhooks", c.Webhooks},
		{"legal-entities", c.LegalEntities},
	} {
		if f.on {
			caps = append(caps, f.name)
		}
	}
	return strings.Join(caps, ",")
}
