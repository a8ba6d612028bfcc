package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	client, err := sdk.New()
	if err != nil {
		log.Fatalf("Failed to configure client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	command := strings.ToUpper(os.Args[1])
	args := os.Args[2:]

	switch command {
	case "LIST":
		if len(args) < 2 {
			log.Fatal("Usage: celerix-machines LIST <provider> <identity>")
		}
		list, err := client.ListMachines(ctx, args[0], args[1])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(list)

	case "HISTORY":
		if len(args) < 2 {
			log.Fatal("Usage: celerix-machines HISTORY <provider> <identity> [page]")
		}
		if len(args) > 2 {
			page, err := strconv.Atoi(args[2])
			if err != nil {
				log.Fatalf("page must be a number: %v", err)
			}
			p, err := client.MachineHistoryPage(ctx, args[0], args[1], page)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(p)
			return
		}
		list, err := client.MachineHistory(ctx, args[0], args[1])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(list)

	case "GET":
		if len(args) < 3 {
			log.Fatal("Usage: celerix-machines GET <provider> <identity> <machine>")
		}
		m, err := client.GetMachine(ctx, args[0], args[1], args[2])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(m)

	case "UPDATE":
		if len(args) < 4 {
			log.Fatal("Usage: celerix-machines UPDATE <provider> <identity> <machine> <json>")
		}
		var upd schema.MachineUpdate
		if err := json.Unmarshal([]byte(args[3]), &upd); err != nil {
			log.Fatalf("Invalid update JSON: %v", err)
		}
		m, err := client.UpdateMachine(ctx, args[0], args[1], args[2], upd)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(m)

	case "PROJECTS":
		list, err := client.ListProjects(ctx)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(list)

	case "PING":
		if err := client.Ping(ctx); err != nil {
			log.Fatal(err)
		}
		fmt.Println("PONG")

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}

func printUsage() {
	fmt.Println("Celerix Machines CLI - Interface for the machines API")
	fmt.Println("\nUsage:")
	fmt.Println("  celerix-machines LIST <provider> <identity>")
	fmt.Println("  celerix-machines HISTORY <provider> <identity> [page]")
	fmt.Println("  celerix-machines GET <provider> <identity> <machine>")
	fmt.Println(`  celerix-machines UPDATE <provider> <identity> <machine> '{"name":"...","tags":["..."]}'`)
	fmt.Println("  celerix-machines PROJECTS")
	fmt.Println("  celerix-machines PING")
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  CELERIX_MACHINES_ADDR    Address of the API (default: localhost:7002)")
	fmt.Println("  CELERIX_MACHINES_TOKEN   API token")
	fmt.Println("  CELERIX_MACHINES_TLS     Set to true when the daemon runs with --tls")
}
