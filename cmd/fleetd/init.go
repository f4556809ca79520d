// ABOUTME: fleetd init writes a starter configuration with generated secrets
// ABOUTME: Refuses to overwrite an existing file unless --force is given

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/wokspec/chopsticks-fleet/internal/config"
)

// dataPath returns the default data directory.
// Priority: XDG_DATA_HOME/chopsticks-fleet > ~/.local/share/chopsticks-fleet
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "chopsticks-fleet")
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type initOptions struct {
	path      string
	force     bool
	values    config.TemplateValues
	noScaling bool
}

func runInit(args []string) error {
	opts := initOptions{}
	fs := pflag.NewFlagSet("fleetd init", pflag.ContinueOnError)
	fs.StringVar(&opts.path, "config", config.Path(), "where to write the config")
	fs.BoolVar(&opts.force, "force", false, "overwrite an existing config")
	fs.StringVar(&opts.values.GRPCAddr, "grpc-addr", "localhost:50051", "runner listener address")
	fs.StringVar(&opts.values.HTTPAddr, "http-addr", "localhost:8080", "API listener address")
	fs.StringVar(&opts.values.DatabasePath, "db", filepath.Join(dataPath(), "fleet.db"), "SQLite database path")
	fs.StringVar(&opts.values.Superuser, "superuser", "", "chat user id granted superuser rights")
	fs.BoolVar(&opts.noScaling, "no-scaling", false, "leave the scale secret empty, disabling scale")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := writeStarterConfig(opts); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", opts.path)
	fmt.Println()
	yellow.Println("  Next steps:")
	fmt.Println("    fleetd serve                                  # start the controller")
	fmt.Println("    fleetd token --kind runner --subject runner-1  # token for a runner")
	fmt.Println("    fleetd token --kind api --subject chat-bot     # token for the command layer")
	fmt.Println()
	return nil
}

func writeStarterConfig(opts initOptions) error {
	if _, err := os.Stat(opts.path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", opts.path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config path: %w", err)
	}

	v := opts.values
	var err error
	if v.JWTSecret, err = randomSecret(32); err != nil {
		return err
	}
	if v.CredentialKey, err = randomSecret(32); err != nil {
		return err
	}
	if !opts.noScaling {
		if v.ScaleSecret, err = randomSecret(24); err != nil {
			return err
		}
	}

	data, err := config.Render(v)
	if err != nil {
		return err
	}
	// Round-trip so a bad flag value fails here instead of at serve time.
	if _, err := config.Parse(data, false); err != nil {
		return err
	}
	return config.WriteFile(opts.path, data)
}
