package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bithedge/cmd/internal/passphrase"
	"bithedge/crypto"
)

var apiEndpoint = defaultAPIEndpoint() // Defaults to localhost, can be overridden via HEDGE_API_URL or --api flag
var apiAuthToken = os.Getenv("HEDGE_API_TOKEN")

const (
	defaultKeystore = "operator.keystore"
	defaultPassEnv  = "HEDGE_KEYSTORE_PASS"
)

func main() {
	args := os.Args[1:]
	var err error
	apiEndpoint = defaultAPIEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey(args[1:])
	case "address":
		showAddress(args[1:])
	case "status":
		showStatus()
	case "policy":
		if len(args) < 2 {
			fmt.Println("Usage: policy <id> [impacts|distributions|allocations]")
			return
		}
		showPolicy(args[1], args[2:])
	case "provider":
		if len(args) < 2 {
			fmt.Println("Usage: provider <address> [token]")
			return
		}
		showProvider(args[1], args[2:])
	case "pool":
		if len(args) < 2 {
			fmt.Println("Usage: pool <token>")
			return
		}
		printResponse(apiGet("/api/v1/pool/" + strings.ToUpper(args[1])))
	case "batches":
		path := "/api/v1/batches"
		if len(args) >= 2 {
			path += "?max=" + args[1]
		}
		printResponse(apiGet(path))
	case "batch":
		if len(args) < 2 {
			fmt.Println("Usage: batch <boundary>")
			return
		}
		printResponse(apiGet("/api/v1/batches/" + args[1]))
	case "pending":
		printResponse(apiGet("/api/v1/boundaries/pending"))
	case "audit":
		printResponse(apiPost("/api/v1/audit", nil))
	case "settle":
		if len(args) < 2 {
			fmt.Println("Usage: settle <boundary>")
			return
		}
		boundary, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid boundary.")
			return
		}
		printResponse(apiPost("/api/v1/settle", map[string]uint64{"boundary": boundary}))
	case "distribute":
		if len(args) < 2 {
			fmt.Println("Usage: distribute <boundary>")
			return
		}
		boundary, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid boundary.")
			return
		}
		printResponse(apiPost("/api/v1/distribute", map[string]uint64{"boundary": boundary}))
	case "pause", "resume":
		module := ""
		if len(args) >= 2 {
			module = args[1]
		}
		if _, err := apiPost("/api/v1/"+command, map[string]string{"module": module}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if module == "" {
			fmt.Printf("Scheduler %sd.\n", command)
		} else {
			fmt.Printf("Module %s %sd.\n", module, command)
		}
	case "pin-price":
		if len(args) < 4 {
			fmt.Println("Usage: pin-price <base> <boundary> <price>")
			return
		}
		pinPrice(args[1], args[2], args[3])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultAPIEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("HEDGE_API_URL")); v != "" {
		return v
	}
	return "http://localhost:7090"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--api" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --api")
			}
			apiEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--api=") {
			apiEndpoint = strings.TrimPrefix(arg, "--api=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey(args []string) {
	fs := flag.NewFlagSet("generate-key", flag.ExitOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Output path for the encrypted keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			fmt.Fprintf(os.Stderr, "Error: keystore file %s already exists (use --force to overwrite)\n", *keystorePath)
			os.Exit(1)
		} else if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	pass, err := passphrase.NewSource(*passEnv).GetConfirmed()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	_, addr, err := crypto.GenerateToKeystore(*keystorePath, pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote encrypted keystore to %s\n", *keystorePath)
	fmt.Printf("Provider address: %s\n", addr.String())
	fmt.Println("Store the passphrase securely; the key cannot be recovered without it.")
}

func showAddress(args []string) {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Println("Usage: address <keystore>")
		return
	}
	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	key, err := crypto.LoadFromKeystore(fs.Arg(0), pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to unlock keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(key.PubKey().Address().String())
}

func showStatus() {
	raw, err := apiGet("/api/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	var status struct {
		Scheduler struct {
			Paused        bool     `json:"paused"`
			Interval      string   `json:"interval"`
			Runs          int      `json:"runs"`
			LastBoundary  uint64   `json:"last_boundary"`
			NextBoundary  uint64   `json:"next_boundary"`
			LastRunAt     int64    `json:"last_run_at"`
			LastError     string   `json:"last_error"`
			PausedModules []string `json:"paused_modules"`
		} `json:"scheduler"`
		Tokens  []string                   `json:"tokens"`
		Pools   map[string]json.RawMessage `json:"pools"`
		Pending []uint64                   `json:"pending_boundaries"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed status response: %v\n", err)
		os.Exit(1)
	}

	state := "running"
	if status.Scheduler.Paused {
		state = "paused"
	}
	fmt.Printf("Scheduler:  %s (interval %s, %d runs)\n", state, status.Scheduler.Interval, status.Scheduler.Runs)
	fmt.Printf("Boundaries: last %d, next %d\n", status.Scheduler.LastBoundary, status.Scheduler.NextBoundary)
	if status.Scheduler.LastRunAt > 0 {
		fmt.Printf("Last run:   %s\n", time.Unix(status.Scheduler.LastRunAt, 0).UTC().Format(time.RFC3339))
	}
	if status.Scheduler.LastError != "" {
		fmt.Printf("Last error: %s\n", status.Scheduler.LastError)
	}
	if len(status.Scheduler.PausedModules) > 0 {
		fmt.Printf("Paused modules: %s\n", strings.Join(status.Scheduler.PausedModules, ", "))
	}
	fmt.Printf("Tokens:     %s\n", strings.Join(status.Tokens, ", "))
	if len(status.Pending) > 0 {
		pending := make([]string, len(status.Pending))
		for i, b := range status.Pending {
			pending[i] = strconv.FormatUint(b, 10)
		}
		fmt.Printf("Pending:    %s\n", strings.Join(pending, ", "))
	}
	for token, pool := range status.Pools {
		fmt.Printf("Pool %s: %s\n", token, indentJSON(pool))
	}
}

func showPolicy(id string, rest []string) {
	path := "/api/v1/policies/" + id
	if len(rest) > 0 {
		switch rest[0] {
		case "impacts", "distributions", "allocations":
			path += "/" + rest[0]
		default:
			fmt.Printf("Unknown policy subresource: %s\n", rest[0])
			return
		}
	}
	printResponse(apiGet(path))
}

func showProvider(addr string, rest []string) {
	path := "/api/v1/providers/" + addr
	if len(rest) > 0 {
		path += "/accounts/" + strings.ToUpper(rest[0])
	}
	printResponse(apiGet(path))
}

func pinPrice(base, boundary, price string) {
	parsed, err := strconv.ParseUint(boundary, 10, 64)
	if err != nil {
		fmt.Println("Error: Invalid boundary.")
		return
	}
	payload := map[string]interface{}{
		"base":     strings.ToUpper(base),
		"boundary": parsed,
		"price":    price,
	}
	if _, err := apiPost("/api/v1/prices", payload); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pinned %s price %s at boundary %d.\n", strings.ToUpper(base), price, parsed)
}

func apiGet(path string) (json.RawMessage, error) {
	return apiRequest(http.MethodGet, path, nil)
}

func apiPost(path string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}
	return apiRequest(http.MethodPost, path, body)
}

func apiRequest(method, path string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequest(method, strings.TrimRight(apiEndpoint, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(apiAuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return data, nil
}

func printResponse(raw json.RawMessage, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(indentJSON(raw))
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func printUsage() {
	fmt.Println("hedgectl [--api <url>] <command>")
	fmt.Println()
	fmt.Println("Key management:")
	fmt.Println("  generate-key [--keystore <path>] [--pass-env <var>] [--force]")
	fmt.Println("  address <keystore> [--pass-env <var>]")
	fmt.Println()
	fmt.Println("Inspection:")
	fmt.Println("  status")
	fmt.Println("  policy <id> [impacts|distributions|allocations]")
	fmt.Println("  provider <address> [token]")
	fmt.Println("  pool <token>")
	fmt.Println("  batches [max]")
	fmt.Println("  batch <boundary>")
	fmt.Println("  pending")
	fmt.Println()
	fmt.Println("Operations:")
	fmt.Println("  audit")
	fmt.Println("  settle <boundary>")
	fmt.Println("  distribute <boundary>")
	fmt.Println("  pause [module]")
	fmt.Println("  resume [module]")
	fmt.Println("  pin-price <base> <boundary> <price>")
	fmt.Println()
	fmt.Println("The API token is read from HEDGE_API_TOKEN; the endpoint from HEDGE_API_URL.")
}
