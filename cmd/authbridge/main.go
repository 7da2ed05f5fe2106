package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/relay-apps/authbridge/internal"
	"github.com/relay-apps/authbridge/internal/config"
	"github.com/relay-apps/authbridge/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": "v0.0.1-DEV_EDITION_EXPECT_CHANGES",
		"bridge": map[string]any{
			"baseURL":        "https://auth.yourcompany.com",
			"addr":           ":8080",
			"allowedOrigins": []string{"https://app.yourcompany.com"},
			"signingSecret":  map[string]string{"$env": "BRIDGE_SIGNING_SECRET"},
			"storage":        "memory",
			"providers": map[string]any{
				"apple": map[string]any{
					"clientId":         map[string]string{"$env": "APPLE_CLIENT_ID"},
					"issuer":           "https://appleid.apple.com",
					"jwksUrl":          "https://appleid.apple.com/auth/keys",
					"authUrl":          "https://appleid.apple.com/auth/authorize",
					"tokenUrl":         "https://appleid.apple.com/auth/token",
					"scopes":           []string{"name", "email"},
					"audienceSuffixes": []string{".native"},
				},
				"google": map[string]any{
					"clientId": map[string]string{"$env": "GOOGLE_CLIENT_ID"},
					"issuer":   "https://accounts.google.com",
					"jwksUrl":  "https://www.googleapis.com/oauth2/v3/certs",
					"authUrl":  "https://accounts.google.com/o/oauth2/v2/auth",
					"tokenUrl": "https://oauth2.googleapis.com/token",
					"scopes":   []string{"openid", "email", "profile"},
				},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, msg := range result.Errors {
			fmt.Printf("  - %s\n", msg)
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, msg := range result.Warnings {
			fmt.Printf("  - %s\n", msg)
		}
	}

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting authbridge", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewAuthBridge(ctx, cfg, nil)
	if err != nil {
		log.LogError("Failed to create auth bridge: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
