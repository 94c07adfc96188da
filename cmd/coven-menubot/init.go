// ABOUTME: Interactive generator for a starter coven-menubot config file
// ABOUTME: Prompts for transport, credential backend and logging, then writes YAML

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-menubot/internal/config"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-menubot configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.Path())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Transport Configuration ---")
	kind := prompt(reader, "Transport (matrix/loopback)", "matrix")
	var homeserver, username string
	if kind == "matrix" {
		homeserver = prompt(reader, "Homeserver URL", "https://matrix.org")
		username = prompt(reader, "Bot username", "menubot")
		fmt.Println("  The password is read from MENUBOT_MATRIX_PASSWORD (a .env file works too).")
	}
	phone := prompt(reader, "Phone number for pairing codes (digits, empty for none)", "")

	fmt.Println("\n--- Credentials Configuration ---")
	backend := prompt(reader, "Backend (memory/sqlite/redis/badger)", "sqlite")
	var location string
	switch backend {
	case "sqlite":
		location = prompt(reader, "SQLite database path", filepath.Join(config.DataDir(), "credentials.db"))
	case "redis":
		location = prompt(reader, "Redis address", "localhost:6379")
	case "badger":
		location = prompt(reader, "Badger directory (empty for in-memory)", filepath.Join(config.DataDir(), "badger"))
	}

	fmt.Println("\n--- Dialogue Configuration ---")
	menuPath := prompt(reader, "Menu file (empty for the built-in menu)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	content := renderConfig(initAnswers{
		kind:       kind,
		homeserver: homeserver,
		username:   username,
		phone:      phone,
		backend:    backend,
		location:   location,
		menuPath:   menuPath,
		logLevel:   logLevel,
		logFormat:  logFormat,
	})

	// Catch typos before writing: the generated file must load.
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.New(color.FgGreen).Print("\n✓ ")
	fmt.Printf("Configuration written to %s\n", outputFile)
	fmt.Println("\nStart the bot with:")
	fmt.Println("  coven-menubot run")
	return nil
}

type initAnswers struct {
	kind, homeserver, username, phone string
	backend, location                 string
	menuPath                          string
	logLevel, logFormat               string
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-menubot configuration\n")
	cfg.WriteString("# Generated by coven-menubot init\n\n")

	cfg.WriteString("transport:\n")
	cfg.WriteString(fmt.Sprintf("  kind: %q\n", a.kind))
	if a.phone != "" {
		cfg.WriteString(fmt.Sprintf("  phone_number: %q\n", a.phone))
	}
	if a.kind == "matrix" {
		cfg.WriteString("  matrix:\n")
		cfg.WriteString(fmt.Sprintf("    homeserver: %q\n", a.homeserver))
		cfg.WriteString(fmt.Sprintf("    username: %q\n", a.username))
		cfg.WriteString("    password: \"${MENUBOT_MATRIX_PASSWORD}\"\n")
		cfg.WriteString("    format_markdown: true\n")
	}

	cfg.WriteString("\ncredentials:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", a.backend))
	switch a.backend {
	case "sqlite":
		cfg.WriteString(fmt.Sprintf("  sqlite:\n    path: %q\n", a.location))
	case "redis":
		cfg.WriteString(fmt.Sprintf("  redis:\n    addr: %q\n", a.location))
	case "badger":
		cfg.WriteString(fmt.Sprintf("  badger:\n    dir: %q\n", a.location))
	}

	cfg.WriteString("\nreconnect:\n")
	cfg.WriteString("  initial_delay: \"3s\"\n")
	cfg.WriteString("  max_delay: \"60s\"\n")
	cfg.WriteString("  max_attempts: 6\n")

	cfg.WriteString("\ndialogue:\n")
	cfg.WriteString("  warn_after: \"5m\"\n")
	cfg.WriteString("  reset_after: \"10m\"\n")

	if a.menuPath != "" {
		cfg.WriteString(fmt.Sprintf("\nmenu:\n  path: %q\n", a.menuPath))
	}

	cfg.WriteString("\npolicy:\n")
	cfg.WriteString("  allow_direct: true\n")
	cfg.WriteString("  allow_groups: false\n")

	cfg.WriteString("\nlogging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.logFormat))

	cfg.WriteString("\nmetrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  addr: \"127.0.0.1:9464\"\n")
	return cfg.String()
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}
