package main

import (
	"github.com/spf13/cobra"

	"lifeguard/internal/app"
	"lifeguard/internal/config"
)

var checkCmd = &cobra.Command{
	Use:     "check",
	Short:   "Validate the settings document and exit",
	Example: `lifeguard check -c /etc/lifeguard/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(cfgPath)
		if err != nil {
			return err
		}
		warnings, err := app.Check(cfg)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			cmd.Println("warning:", w)
		}
		cmd.Printf("%s: ok (%d subjects, %d observers, %d pairs, channels: %v)\n",
			cfgPath, len(cfg.Relations.Subjects), len(cfg.Relations.Observers), len(cfg.Relations.Pairs), cfg.Channels.Names())
		return nil
	},
}
