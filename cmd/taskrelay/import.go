package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskrelay/internal/config"
)

// brokerEnvKeys maps .env names to keys of the broker section in config.yaml.
var brokerEnvKeys = []struct {
	env, key string
	numeric  bool
}{
	{env: "RABBITMQ_HOST", key: "host"},
	{env: "RABBITMQ_PORT", key: "port", numeric: true},
	{env: "RABBITMQ_USERNAME", key: "username"},
	{env: "RABBITMQ_PASSWORD", key: "password"},
	{env: "RABBITMQ_VHOST", key: "vhost"},
}

func runImportCommand(ctx context.Context, args []string) int {
	_ = ctx

	fs := flag.NewFlagSet("taskrelay import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envPath := fs.String("path", ".env", "path to the .env file")
	force := fs.Bool("force", false, "overwrite values already set in config.yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(stderr, "usage: taskrelay import [--path .env] [--force]")
		return 2
	}

	kv, err := parseDotEnvFile(*envPath)
	if err != nil {
		fmt.Fprintf(stderr, "read env: %v\n", err)
		return 1
	}
	if len(kv) == 0 {
		fmt.Fprintln(stdout, "no keys imported (empty env file)")
		return 0
	}

	cfgPath := config.ConfigPath(config.HomeDir())
	raw := make(map[string]any)
	if b, err := os.ReadFile(cfgPath); err == nil && len(b) > 0 {
		if err := yaml.Unmarshal(b, &raw); err != nil {
			fmt.Fprintf(stderr, "parse config.yaml: %v\n", err)
			return 1
		}
	}
	section, _ := raw["broker"].(map[string]any)
	if section == nil {
		section = make(map[string]any)
	}

	var imported, skipped []string
	for _, m := range brokerEnvKeys {
		v := strings.TrimSpace(kv[m.env])
		if v == "" {
			continue
		}
		if existing, ok := section[m.key]; ok && !*force && !isBlank(existing) {
			skipped = append(skipped, m.env)
			continue
		}
		if m.numeric {
			n, err := strconv.Atoi(v)
			if err != nil {
				fmt.Fprintf(stderr, "%s: not a number: %q\n", m.env, v)
				return 2
			}
			section[m.key] = n
		} else {
			section[m.key] = v
		}
		imported = append(imported, m.env)
	}

	if len(imported) == 0 {
		fmt.Fprintln(stdout, "no keys imported (already set)")
		if len(skipped) > 0 {
			fmt.Fprintf(stdout, "skipped: %s\n", strings.Join(skipped, ", "))
		}
		return 0
	}
	if _, ok := section["host"]; ok {
		if _, set := section["enabled"]; !set || *force {
			section["enabled"] = true
		}
	}
	raw["broker"] = section

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		fmt.Fprintf(stderr, "mkdir config dir: %v\n", err)
		return 1
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		fmt.Fprintf(stderr, "marshal config.yaml: %v\n", err)
		return 1
	}
	// The broker password lands in this file.
	if err := os.WriteFile(cfgPath, out, 0o600); err != nil {
		fmt.Fprintf(stderr, "write config.yaml: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "imported: %s\n", strings.Join(imported, ", "))
	if len(skipped) > 0 {
		fmt.Fprintf(stdout, "skipped: %s\n", strings.Join(skipped, ", "))
	}
	return 0
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case int:
		return t == 0
	}
	return false
}

func parseDotEnvFile(path string) (map[string]string, error) {
	out := make(map[string]string)
	b, err := os.ReadFile(path)
	if err != nil {
		// Missing .env is not fatal for import.
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if k, v, ok := parseDotEnvLine(line); ok {
			out[k] = v
		}
	}
	return out, nil
}

// parseDotEnvLine splits KEY=VALUE, skipping blanks and comments. Matching
// surrounding quotes are removed from the value.
func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	eq := strings.Index(line, "=")
	if eq <= 0 {
		return "", "", false
	}
	k := strings.TrimSpace(line[:eq])
	v := strings.TrimSpace(line[eq+1:])
	if k == "" {
		return "", "", false
	}
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		v = v[1 : len(v)-1]
	}
	return k, v, true
}
