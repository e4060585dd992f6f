package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultBaseURL = "http://127.0.0.1:8090"

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

var apiCall = callAPI

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "get":
		return runContractGet(args[1:], stdout, stderr, "get", "")
	case "stats":
		return runContractGet(args[1:], stdout, stderr, "stats", "/stats")
	case "events":
		return runContractGet(args[1:], stdout, stderr, "events", "/events")
	case "list":
		return runList(args[1:], stdout, stderr)
	case "fund":
		return runFund(args[1:], stdout, stderr)
	case "cancel":
		return runCancel(args[1:], stdout, stderr)
	case "complete":
		return runMilestone(args[1:], stdout, stderr, "complete")
	case "approve":
		return runMilestone(args[1:], stdout, stderr, "approve")
	case "dispute":
		return runMilestone(args[1:], stdout, stderr, "dispute")
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

// milestoneFlags collects repeated --milestone name:percentage[:due] values.
type milestoneFlags []map[string]any

func (m *milestoneFlags) String() string {
	return fmt.Sprintf("%d milestones", len(*m))
}

func (m *milestoneFlags) Set(value string) error {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 {
		return fmt.Errorf("milestone must be name:percentage[:due]")
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return fmt.Errorf("milestone name required")
	}
	pct, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil || !pct.IsPositive() {
		return fmt.Errorf("milestone %q percentage must be a positive number", name)
	}
	entry := map[string]any{"name": name, "percentage": pct.String()}
	if len(parts) == 3 {
		due, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[2]))
		if err != nil {
			return fmt.Errorf("milestone %q due date must be RFC3339", name)
		}
		entry["due_date"] = due.UTC()
	}
	*m = append(*m, entry)
	return nil
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		total      string
		currency   string
		creator    string
		maker      string
		key        string
		milestones milestoneFlags
	)
	fs.StringVar(&total, "total", "", "contract total amount")
	fs.StringVar(&currency, "currency", "", "settlement currency (defaults to USDC)")
	fs.StringVar(&creator, "creator", "", "creator party id")
	fs.StringVar(&maker, "maker", "", "maker party id")
	fs.StringVar(&key, "idempotency-key", "", "optional idempotency key")
	fs.Var(&milestones, "milestone", "milestone as name:percentage[:RFC3339 due], repeatable")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(total))
	if err != nil || !amount.IsPositive() {
		return printError(stderr, "--total must be a positive number")
	}
	if strings.TrimSpace(creator) == "" {
		return printError(stderr, "--creator is required")
	}
	if strings.TrimSpace(maker) == "" {
		return printError(stderr, "--maker is required")
	}
	if len(milestones) == 0 {
		return printError(stderr, "at least one --milestone is required")
	}
	body := map[string]any{
		"total_amount": amount.String(),
		"creator_id":   strings.TrimSpace(creator),
		"maker_id":     strings.TrimSpace(maker),
		"milestones":   []map[string]any(milestones),
	}
	if c := strings.TrimSpace(currency); c != "" {
		body["currency"] = strings.ToUpper(c)
	}
	return send(stdout, stderr, http.MethodPost, "/v1/escrows", body, key)
}

func runContractGet(args []string, stdout, stderr io.Writer, name, suffix string) int {
	fs := newFlagSet(name, stderr)
	id := fs.String("id", "", "escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	contractID, ok := parseID(stderr, "--id", *id)
	if !ok {
		return 1
	}
	return send(stdout, stderr, http.MethodGet, "/v1/escrows/"+contractID+suffix, nil, "")
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	party := fs.String("party", "", "party id (defaults to the token subject)")
	role := fs.String("role", "", "creator or maker")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	r := strings.ToLower(strings.TrimSpace(*role))
	if r != "creator" && r != "maker" {
		return printError(stderr, "--role must be creator or maker")
	}
	query := url.Values{"role": {r}}
	if p := strings.TrimSpace(*party); p != "" {
		query.Set("party", p)
	}
	return send(stdout, stderr, http.MethodGet, "/v1/escrows?"+query.Encode(), nil, "")
}

func runFund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fund", stderr)
	id := fs.String("id", "", "escrow id")
	proof := fs.String("proof", "", "funding proof (transaction hash)")
	key := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	contractID, ok := parseID(stderr, "--id", *id)
	if !ok {
		return 1
	}
	if strings.TrimSpace(*proof) == "" {
		return printError(stderr, "--proof is required")
	}
	return send(stdout, stderr, http.MethodPost, "/v1/escrows/"+contractID+"/fund", map[string]string{"funding_proof": strings.TrimSpace(*proof)}, *key)
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("cancel", stderr)
	id := fs.String("id", "", "escrow id")
	reason := fs.String("reason", "", "cancellation reason")
	key := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	contractID, ok := parseID(stderr, "--id", *id)
	if !ok {
		return 1
	}
	if strings.TrimSpace(*reason) == "" {
		return printError(stderr, "--reason is required")
	}
	return send(stdout, stderr, http.MethodPost, "/v1/escrows/"+contractID+"/cancel", map[string]string{"reason": strings.TrimSpace(*reason)}, *key)
}

func runMilestone(args []string, stdout, stderr io.Writer, action string) int {
	fs := newFlagSet(action, stderr)
	id := fs.String("milestone", "", "milestone id")
	proof := fs.String("proof", "", "settlement proof (approve only)")
	reason := fs.String("reason", "", "dispute reason (dispute only)")
	key := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	milestoneID, ok := parseID(stderr, "--milestone", *id)
	if !ok {
		return 1
	}
	var body any
	switch action {
	case "approve":
		body = map[string]string{"settlement_proof": strings.TrimSpace(*proof)}
	case "dispute":
		if strings.TrimSpace(*reason) == "" {
			return printError(stderr, "--reason is required")
		}
		body = map[string]string{"reason": strings.TrimSpace(*reason)}
	}
	return send(stdout, stderr, http.MethodPost, "/v1/milestones/"+milestoneID+"/"+action, body, *key)
}

func send(stdout, stderr io.Writer, method, path string, body any, idempotencyKey string) int {
	status, payload, err := apiCall(method, path, body, strings.TrimSpace(idempotencyKey))
	if err != nil {
		fmt.Fprintf(stderr, "Request failed: %v\n", err)
		return 1
	}
	if status < 200 || status >= 300 {
		var apiErr apiError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Code != "" {
			fmt.Fprintf(stderr, "Error (%d %s): %s\n", status, apiErr.Error.Code, apiErr.Error.Message)
			if apiErr.Error.Retryable {
				fmt.Fprintln(stderr, "The request may be retried.")
			}
			return 1
		}
		fmt.Fprintf(stderr, "Error (%d): %s\n", status, strings.TrimSpace(string(payload)))
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		fmt.Fprintln(stdout, strings.TrimSpace(string(payload)))
		return 0
	}
	fmt.Fprintln(stdout, strings.TrimSpace(pretty.String()))
	return 0
}

func callAPI(method, path string, body any, idempotencyKey string) (int, []byte, error) {
	base := strings.TrimRight(strings.TrimSpace(os.Getenv("ESCROWCTL_URL")), "/")
	if base == "" {
		base = defaultBaseURL
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(os.Getenv("ESCROWCTL_TOKEN")); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

func parseID(stderr io.Writer, name, raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		printError(stderr, name+" is required")
		return "", false
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		printError(stderr, name+" must be a UUID")
		return "", false
	}
	return id.String(), true
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowctl <command> [flags]

Commands:
  create    Open an escrow (--total --creator --maker --milestone name:pct[:due]...)
  get       Show an escrow (--id)
  list      List escrows for a party (--role [--party])
  fund      Record the funding proof (--id --proof)
  complete  Mark a milestone delivered (--milestone)
  approve   Approve a completed milestone (--milestone [--proof])
  dispute   Dispute a milestone (--milestone --reason)
  cancel    Cancel an escrow (--id --reason)
  stats     Show escrow progress (--id)
  events    Show the audit trail (--id)

Environment:
  ESCROWCTL_URL    API base URL (default http://127.0.0.1:8090)
  ESCROWCTL_TOKEN  bearer token
`)
}
