package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "hetfs-tiering API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("hetfs-ctl %s\n", version)
	case "status":
		printJSON(call(*addr, http.MethodGet, "/v1/status", nil))
	case "files":
		fs := flag.NewFlagSet("files", flag.ExitOnError)
		detail := fs.Bool("detail", false, "include per-table counts")
		fs.Parse(args[1:])
		cmdFiles(*addr, *detail)
	case "file":
		requireArgs(args, 2, "file <name>")
		cmdFile(*addr, args[1])
	case "region":
		requireArgs(args, 2, "region <match>")
		printJSON(call(*addr, http.MethodGet, "/v1/region", url.Values{"match": {args[1]}}))
	case "media":
		fs := flag.NewFlagSet("media", flag.ExitOnError)
		stream := fs.String("stream", "write", "map to query with a range: write or read")
		fs.Parse(args[1:])
		if fs.NArg() != 1 && fs.NArg() != 3 {
			fmt.Fprintln(os.Stderr, "usage: hetfs-ctl media [-stream write|read] <name> [start end]")
			os.Exit(1)
		}
		q := url.Values{"name": {fs.Arg(0)}}
		if fs.NArg() == 3 {
			q.Set("stream", *stream)
			q.Set("start", fs.Arg(1))
			q.Set("end", fs.Arg(2))
		}
		printJSON(call(*addr, http.MethodGet, "/v1/media", q))
	case "medium":
		requireArgs(args, 3, "medium <name> <block>...")
		cmdMedium(*addr, args[1], args[2:])
	case "analyze":
		fs := flag.NewFlagSet("analyze", flag.ExitOnError)
		p := fs.Int("p", -1, "percentile (default: server setting)")
		fs.Parse(args[1:])
		q := url.Values{}
		if fs.NArg() > 0 {
			q.Set("name", fs.Arg(0))
		}
		if *p >= 0 {
			q.Set("percentile", fmt.Sprint(*p))
		}
		cmdAnalyze(*addr, q)
	case "change-medium":
		requireArgs(args, 5, "change-medium <name> <start> <end> <fast|slow>")
		printJSON(call(*addr, http.MethodPost, "/v1/media", url.Values{
			"name": {args[1]}, "start": {args[2]}, "end": {args[3]}, "medium": {args[4]},
		}))
	case "reset":
		q := url.Values{}
		if len(args) > 1 {
			q.Set("name", args[1])
		}
		if len(args) > 2 {
			q.Set("scope", args[2])
		}
		printJSON(call(*addr, http.MethodPost, "/v1/reset", q))
	case "journal":
		fs := flag.NewFlagSet("journal", flag.ExitOnError)
		n := fs.Int("n", 0, "maximum entries (0 lists all)")
		fs.Parse(args[1:])
		cmdJournal(*addr, *n)
	case "ack":
		requireArgs(args, 2, "ack <seq>...")
		printJSON(call(*addr, http.MethodPost, "/v1/journal/ack", url.Values{"seq": args[1:]}))
	case "forget":
		requireArgs(args, 2, "forget <name>")
		printJSON(call(*addr, http.MethodDelete, "/v1/file", url.Values{"name": {args[1]}}))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `hetfs-ctl - heterogeneous storage tiering management CLI

Usage:
  hetfs-ctl [flags] <command> [args]

Commands:
  status                                 Show overall status
  files [-detail]                        List tracked files
  file <name>                            Show access tables of a file
  region <match>                         Show access tables of files whose name contains match
  media [-stream S] <name> [start end]   Show placement of a file, or the extents of
                                         one map intersecting [start, end)
  medium <name> <block>...               Show the read placement of single blocks
  analyze [-p N] [name]                  Promote hot block runs of one or every file
  change-medium <name> <start> <end> <m> Place blocks start..end on medium fast or slow
  reset [name] [read|write|both]         Clear access tables
  forget <name>                          Stop tracking a file
  journal [-n N]                         List relocation requests queued for the mover
  ack <seq>...                           Remove handled relocation requests from the journal
  version                                Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: hetfs-ctl %s\n", usage)
		os.Exit(1)
	}
}

// call performs a request and exits on transport or API errors.
func call(addr, method, path string, q url.Values) io.ReadCloser {
	target := addr + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= 400 && path != "/v1/analyze" {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", e.Error, resp.Status)
		os.Exit(1)
	}
	return resp.Body
}

func cmdFiles(addr string, detail bool) {
	q := url.Values{}
	if detail {
		q.Set("detail", "true")
	}
	body := call(addr, http.MethodGet, "/v1/files", q)
	defer body.Close()

	var files []map[string]interface{}
	if err := json.NewDecoder(body).Decode(&files); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if !detail {
		fmt.Fprintln(w, "FILE\tSIZE\tBLOCK_SIZE")
		for _, f := range files {
			fmt.Fprintf(w, "%v\t%v\t%v\n", f["file"], f["size"], f["block_size"])
		}
		w.Flush()
		return
	}
	fmt.Fprintln(w, "FILE\tSIZE\tBLOCK_SIZE\tOP\tBLOCKS\tTOTAL")
	for _, f := range files {
		tables, _ := f["tables"].([]interface{})
		for _, t := range tables {
			tbl, _ := t.(map[string]interface{})
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
				f["file"], f["size"], f["block_size"], tbl["op"], tbl["blocks"], tbl["total"])
		}
	}
	w.Flush()
}

func cmdFile(addr, name string) {
	body := call(addr, http.MethodGet, "/v1/file", url.Values{"name": {name}})
	defer body.Close()

	var rep struct {
		File      string `json:"file"`
		Size      int64  `json:"size"`
		BlockSize uint32 `json:"block_size"`
		Tables    []struct {
			Op      string `json:"op"`
			Entries []struct {
				BlockID uint64 `json:"block_id"`
				Count   uint64 `json:"count"`
			} `json:"entries"`
		} `json:"tables"`
	}
	if err := json.NewDecoder(body).Decode(&rep); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s  size=%d  block_size=%d\n", rep.File, rep.Size, rep.BlockSize)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OP\tBLOCK\tCOUNT")
	for _, t := range rep.Tables {
		for _, e := range t.Entries {
			fmt.Fprintf(w, "%s\t%d\t%d\n", t.Op, e.BlockID, e.Count)
		}
	}
	w.Flush()
}

func cmdMedium(addr, name string, blocks []string) {
	body := call(addr, http.MethodGet, "/v1/medium", url.Values{"name": {name}, "block": blocks})
	defer body.Close()

	var rep struct {
		Blocks []struct {
			Block  uint64 `json:"block"`
			Medium string `json:"medium"`
			Reads  uint64 `json:"reads"`
		} `json:"blocks"`
	}
	if err := json.NewDecoder(body).Decode(&rep); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCK\tMEDIUM\tREADS")
	for _, b := range rep.Blocks {
		fmt.Fprintf(w, "%d\t%s\t%d\n", b.Block, b.Medium, b.Reads)
	}
	w.Flush()
}

func cmdAnalyze(addr string, q url.Values) {
	body := call(addr, http.MethodPost, "/v1/analyze", q)
	defer body.Close()

	var resp struct {
		Percentile int    `json:"percentile"`
		Error      string `json:"error"`
		Requests   []struct {
			File       string `json:"file"`
			FirstBlock uint64 `json:"first_block"`
			LastBlock  uint64 `json:"last_block"`
			BlockSize  uint32 `json:"block_size"`
			Target     string `json:"target"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tFIRST\tLAST\tBLOCK_SIZE\tTARGET")
	for _, r := range resp.Requests {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", r.File, r.FirstBlock, r.LastBlock, r.BlockSize, r.Target)
	}
	w.Flush()
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Error)
		os.Exit(1)
	}
}

func cmdJournal(addr string, n int) {
	q := url.Values{}
	if n > 0 {
		q.Set("limit", fmt.Sprint(n))
	}
	body := call(addr, http.MethodGet, "/v1/journal", q)
	defer body.Close()

	var entries []struct {
		Seq      uint64 `json:"seq"`
		QueuedAt string `json:"queued_at"`
		Request  struct {
			File       string `json:"file"`
			FirstBlock uint64 `json:"first_block"`
			LastBlock  uint64 `json:"last_block"`
			Target     string `json:"target"`
		} `json:"request"`
	}
	if err := json.NewDecoder(body).Decode(&entries); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tFILE\tFIRST\tLAST\tTARGET\tQUEUED_AT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			e.Seq, e.Request.File, e.Request.FirstBlock, e.Request.LastBlock, e.Request.Target, e.QueuedAt)
	}
	w.Flush()
}

func printJSON(r io.ReadCloser) {
	defer r.Close()
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
