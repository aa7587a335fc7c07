package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

const defaultGateway = "http://localhost:8089"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "status":
		runStatusCmd(args)
	case "tenants":
		runTenantsCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
	token   *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("OPENCLAW_GATEWAY", defaultGateway), "gateway base url")
	token := fs.String("token", envOr("OPENCLAW_CONTROL_PLANE_TOKEN", ""), "control-plane token")
	return &flagSet{FlagSet: fs, gateway: gateway, token: token}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func (fs *flagSet) client() *controlClient {
	if *fs.token == "" {
		fail("control-plane token required: pass --token or set OPENCLAW_CONTROL_PLANE_TOKEN")
	}
	return newControlClient(*fs.gateway, *fs.token)
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`openclawctl - OpenClaw gateway CLI

Usage:
  openclawctl status
  openclawctl tenants create <tenant_id> [--display-name NAME] [--json]
  openclawctl tenants list [--json]
  openclawctl tenants info <tenant_id> [--json]
  openclawctl tenants token <tenant_id> [--force]
  openclawctl tenants remove <tenant_id> [--delete-data] [--force]
  openclawctl tenants backup <tenant_id>
  openclawctl tenants backups <tenant_id>
  openclawctl tenants restore <tenant_id> --key KEY [--create-missing]

Global flags:
  --gateway  Gateway base URL (default from OPENCLAW_GATEWAY)
  --token    Control-plane token (default from OPENCLAW_CONTROL_PLANE_TOKEN)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
