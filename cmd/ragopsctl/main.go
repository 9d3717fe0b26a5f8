package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/ragops/core/ingest"
	"github.com/cordum/ragops/pkg/client"
)

const defaultGateway = "http://localhost:8081"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "ingest":
		runIngestCmd(args)
	case "batch":
		runBatchCmd(args)
	case "ready":
		runReadyCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runIngestCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "submit":
		fs := newFlagSet("ingest submit")
		tenant := fs.String("tenant", "", "tenant id")
		file := fs.String("file", "", "request json file with tenant and inputs")
		text := fs.String("text", "", "inline text input")
		ref := fs.String("url", "", "comma-separated http(s) urls to fetch")
		wait := fs.Bool("wait", false, "poll until the ingestion finishes")
		fs.ParseArgs(args[1:])
		req := buildRequest(*file, *tenant, *text, *ref)
		c := newClient(*fs.gateway, *fs.apiKey)
		resp, err := c.Ingest(context.Background(), req)
		check(err)
		if !*wait {
			printJSON(resp)
			return
		}
		printJSON(waitForIngestion(c, resp.IngestionID))
	case "list":
		fs := newFlagSet("ingest list")
		tenant := fs.String("tenant", "", "tenant id")
		fs.ParseArgs(args[1:])
		resp, err := newClient(*fs.gateway, *fs.apiKey).List(context.Background(), *tenant)
		check(err)
		printJSON(resp)
	case "status", "manifest", "phases", "rollback", "cancel":
		fs := newFlagSet("ingest " + args[0])
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("ingestion id required")
		}
		c := newClient(*fs.gateway, *fs.apiKey)
		ctx, id := context.Background(), fs.Arg(0)
		var (
			out any
			err error
		)
		switch args[0] {
		case "status":
			out, err = c.Status(ctx, id)
		case "manifest":
			out, err = c.Manifest(ctx, id)
		case "phases":
			out, err = c.Phases(ctx, id)
		case "rollback":
			out, err = c.Rollback(ctx, id)
		case "cancel":
			out, err = c.CancelIngestion(ctx, id)
		}
		check(err)
		printJSON(out)
	default:
		usage()
		os.Exit(1)
	}
}

func runBatchCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("batch list")
		status := fs.String("status", "", "only jobs in this status")
		journal := fs.Bool("journal", false, "list from the durable job journal")
		limit := fs.Int("limit", 0, "max journaled jobs to list")
		fs.ParseArgs(args[1:])
		c := newClient(*fs.gateway, *fs.apiKey)
		if *journal {
			jobs, err := c.JournalJobs(context.Background(), *status, *limit)
			check(err)
			printJSON(jobs)
			return
		}
		snap, err := c.Batch(context.Background(), *status)
		check(err)
		printJSON(snap)
	case "show", "history":
		fs := newFlagSet("batch " + args[0])
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("job id required")
		}
		c := newClient(*fs.gateway, *fs.apiKey)
		if args[0] == "show" {
			job, err := c.Job(context.Background(), fs.Arg(0))
			check(err)
			printJSON(job)
			return
		}
		history, err := c.JobHistory(context.Background(), fs.Arg(0))
		check(err)
		printJSON(history)
	case "cancel", "requeue", "hold", "release":
		fs := newFlagSet("batch " + args[0])
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("job id required")
		}
		job, err := newClient(*fs.gateway, *fs.apiKey).Act(context.Background(), fs.Arg(0), args[0])
		check(err)
		printJSON(job)
	default:
		usage()
		os.Exit(1)
	}
}

func runReadyCmd(args []string) {
	fs := newFlagSet("ready")
	fs.ParseArgs(args)
	st, err := newClient(*fs.gateway, *fs.apiKey).Ready(context.Background())
	check(err)
	printJSON(st)
	if !st.Ready() {
		os.Exit(2)
	}
}

// buildRequest reads a request file or assembles one from flags.
func buildRequest(file, tenant, text, refs string) ingest.Request {
	var req ingest.Request
	if file != "" {
		loadJSON(file, &req)
	}
	if strings.TrimSpace(tenant) != "" {
		req.Tenant = strings.TrimSpace(tenant)
	}
	if text != "" {
		req.Inputs = append(req.Inputs, ingest.Input{Type: "text", Content: text})
	}
	for _, ref := range strings.Split(refs, ",") {
		if ref = strings.TrimSpace(ref); ref != "" {
			req.Inputs = append(req.Inputs, ingest.Input{Type: "url", Ref: ref})
		}
	}
	if req.Tenant == "" {
		fail("tenant required (use --tenant or --file)")
	}
	if len(req.Inputs) == 0 {
		fail("at least one input required (use --text, --url or --file)")
	}
	return req
}

func waitForIngestion(c *client.Client, id string) ingest.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		ic, err := c.Status(ctx, id)
		check(err)
		switch ic.State {
		case ingest.StateCompleted, ingest.StateFailed, ingest.StateRolledBack:
			return ic
		}
		select {
		case <-ctx.Done():
			fail("timed out waiting for ingestion " + id)
		case <-ticker.C:
		}
	}
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
	apiKey  *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("RAGOPS_GATEWAY", defaultGateway), "gateway base url")
	apiKey := fs.String("api-key", envOr("RAGOPS_API_KEY", ""), "api key")
	return &flagSet{FlagSet: fs, gateway: gateway, apiKey: apiKey}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func newClient(gateway, apiKey string) *client.Client {
	return client.New(strings.TrimRight(gateway, "/"), apiKey)
}

func loadJSON(path string, out any) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	check(err)
	if err := json.Unmarshal(data, out); err != nil {
		fail(fmt.Sprintf("invalid json: %v", err))
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`ragopsctl - ingestion gateway CLI

Usage:
  ragopsctl ingest submit --tenant t1 [--text "..."] [--url https://host/doc,...] [--file req.json] [--wait]
  ragopsctl ingest list [--tenant t1]
  ragopsctl ingest status <ingestion_id>
  ragopsctl ingest phases <ingestion_id>
  ragopsctl ingest manifest <ingestion_id>
  ragopsctl ingest rollback <ingestion_id>
  ragopsctl ingest cancel <ingestion_id>
  ragopsctl batch list [--status RUNNING] [--journal [--limit 50]]
  ragopsctl batch show <job_id>
  ragopsctl batch history <job_id>
  ragopsctl batch (cancel|requeue|hold|release) <job_id>
  ragopsctl ready

Global flags:
  --gateway   Gateway base URL (default from RAGOPS_GATEWAY)
  --api-key   API key (default from RAGOPS_API_KEY)
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
