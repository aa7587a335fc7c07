package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func runTenantsCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		fs := newFlagSet("tenants create")
		displayName := fs.String("display-name", "", "human-readable tenant name")
		asJSON := fs.Bool("json", false, "print raw json")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: tenants create <tenant_id> [--display-name NAME] [--json]")
		}
		out, err := fs.client().CreateTenant(context.Background(), fs.Arg(0), *displayName)
		check(err)
		if *asJSON {
			printJSON(out)
			return
		}
		token, _ := out["token"].(string)
		fmt.Printf("tenant %s created\n", fs.Arg(0))
		fmt.Printf("token: %s\n", token)
		fmt.Println("store this token now; it is not retrievable later")
	case "list":
		fs := newFlagSet("tenants list")
		asJSON := fs.Bool("json", false, "print raw json")
		fs.ParseArgs(args[1:])
		tenants, err := fs.client().ListTenants(context.Background())
		check(err)
		if *asJSON {
			printJSON(tenants)
			return
		}
		if len(tenants) == 0 {
			fmt.Println("no tenants")
			return
		}
		for _, t := range tenants {
			fmt.Println(tenantLine(t))
		}
	case "info":
		fs := newFlagSet("tenants info")
		asJSON := fs.Bool("json", false, "print raw json")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: tenants info <tenant_id> [--json]")
		}
		out, err := fs.client().GetTenant(context.Background(), fs.Arg(0))
		check(err)
		if *asJSON {
			printJSON(out)
			return
		}
		fmt.Println(tenantLine(out))
		for _, field := range []string{"createdAt", "lastSeenAt"} {
			if v, ok := out[field]; ok {
				fmt.Printf("%s: %v\n", field, v)
			}
		}
		if q, ok := out["quotas"]; ok {
			data, err := json.Marshal(q)
			check(err)
			fmt.Printf("quotas: %s\n", data)
		}
	case "token":
		fs := newFlagSet("tenants token")
		force := fs.Bool("force", false, "skip the confirmation prompt")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: tenants token <tenant_id> [--force]")
		}
		tenantID := fs.Arg(0)
		if !*force && !confirm(fmt.Sprintf("rotate token for tenant %s? the current token stops working immediately", tenantID)) {
			fail("aborted")
		}
		token, err := fs.client().RotateTenant(context.Background(), tenantID)
		check(err)
		fmt.Printf("token: %s\n", token)
		fmt.Println("store this token now; it is not retrievable later")
	case "remove":
		fs := newFlagSet("tenants remove")
		deleteData := fs.Bool("delete-data", false, "also delete the tenant's state directory")
		force := fs.Bool("force", false, "skip the confirmation prompt")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: tenants remove <tenant_id> [--delete-data] [--force]")
		}
		tenantID := fs.Arg(0)
		if !*force && !confirm(fmt.Sprintf("remove tenant %s%s?", tenantID, dataSuffix(*deleteData))) {
			fail("aborted")
		}
		check(fs.client().RemoveTenant(context.Background(), tenantID, *deleteData))
		fmt.Printf("tenant %s removed\n", tenantID)
	case "backup":
		fs := newFlagSet("tenants backup")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: tenants backup <tenant_id>")
		}
		key, err := fs.client().BackupTenant(context.Background(), fs.Arg(0))
		check(err)
		fmt.Println(key)
	case "backups":
		fs := newFlagSet("tenants backups")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: tenants backups <tenant_id>")
		}
		backups, err := fs.client().ListBackups(context.Background(), fs.Arg(0))
		check(err)
		if len(backups) == 0 {
			fmt.Println("no backups")
			return
		}
		for _, b := range backups {
			fmt.Printf("%v\t%v\t%v\n", b["key"], b["size"], b["lastModified"])
		}
	case "restore":
		fs := newFlagSet("tenants restore")
		key := fs.String("key", "", "backup object key")
		createMissing := fs.Bool("create-missing", false, "register the tenant if it does not exist")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: tenants restore <tenant_id> --key KEY [--create-missing]")
		}
		if *key == "" {
			fail("backup key required: pass --key (see 'tenants backups')")
		}
		check(fs.client().RestoreTenant(context.Background(), fs.Arg(0), *key, *createMissing))
		fmt.Printf("tenant %s restored from %s\n", fs.Arg(0), *key)
	default:
		usage()
		os.Exit(1)
	}
}

// tenantLine renders one tenant summary as a tab-separated line.
func tenantLine(t map[string]any) string {
	line := fmt.Sprintf("%v", t["tenantId"])
	if name, _ := t["displayName"].(string); name != "" {
		line += "\t" + name
	}
	if disabled, _ := t["disabled"].(bool); disabled {
		line += "\t(disabled)"
	}
	return line
}

func dataSuffix(deleteData bool) string {
	if deleteData {
		return " and all its data"
	}
	return ""
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
