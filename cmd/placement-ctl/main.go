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
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "placementd API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("placement-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "blocks":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: placement-ctl blocks <chunkID>")
			os.Exit(1)
		}
		cmdBlocks(*addr, args[1])
	case "map", "dedup":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: placement-ctl %s <request.json>\n", args[0])
			os.Exit(1)
		}
		cmdPostFile(*addr, "/v1/"+args[0], args[1])
	case "allocate":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: placement-ctl allocate <tierID> <chunkID> [size]")
			os.Exit(1)
		}
		cmdAllocate(*addr, args[1], args[2], args[3:])
	case "retire":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: placement-ctl retire <blockID>...")
			os.Exit(1)
		}
		cmdRetire(*addr, args[1:])
	case "delete-node":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: placement-ctl delete-node <nodeID>")
			os.Exit(1)
		}
		cmdDeleteNode(*addr, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `placement-ctl - chunk placement management CLI

Usage:
  placement-ctl [flags] <command> [args]

Commands:
  status                          Show service status
  blocks <chunkID>                List the live blocks of a chunk in read order
  map <request.json>              Map a chunk under a tiering policy
  dedup <request.json>            Check whether a chunk can be reused as is
  allocate <tier> <chunk> [size]  Allocate one block on the next candidate node
  retire <blockID>...             Soft-delete blocks
  delete-node <nodeID>            Soft-delete a node so it gets no new blocks
  version                         Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdBlocks(addr, chunkID string) {
	resp, err := http.Get(addr + "/v1/chunks/" + chunkID + "/blocks")
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printJSON(resp.Body)
		os.Exit(1)
	}

	var blocks []struct {
		ID       string     `json:"id"`
		FragID   string     `json:"frag_id"`
		PoolID   string     `json:"pool_id"`
		Size     int64      `json:"size"`
		Building *time.Time `json:"building"`
		Node     *struct {
			ID       string `json:"id"`
			Readable bool   `json:"readable"`
		} `json:"node"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&blocks); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCK_ID\tFRAG\tPOOL\tNODE\tREADABLE\tSIZE\tAGE")
	for _, b := range blocks {
		node, readable := "-", false
		if b.Node != nil {
			node, readable = b.Node.ID, b.Node.Readable
		}
		age := "-"
		if b.Building != nil {
			age = humanize.Time(*b.Building)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			b.ID, b.FragID, b.PoolID, node, readable, humanize.IBytes(uint64(b.Size)), age)
	}
	w.Flush()
}

func cmdPostFile(addr, path, file string) {
	data, err := os.ReadFile(file)
	if err != nil {
		fail(err)
	}
	post(addr+path, data)
}

func cmdAllocate(addr, tierID, chunkID string, rest []string) {
	req := map[string]interface{}{"tier_id": tierID, "chunk_id": chunkID}
	if len(rest) > 0 {
		size, err := humanize.ParseBytes(rest[0])
		if err != nil {
			fail(fmt.Errorf("invalid size %q: %w", rest[0], err))
		}
		req["size"] = size
	}
	data, _ := json.Marshal(req)
	post(addr+"/v1/allocate", data)
}

func cmdRetire(addr string, ids []string) {
	data, _ := json.Marshal(map[string][]string{"block_ids": ids})
	post(addr+"/v1/retire", data)
}

func cmdDeleteNode(addr, nodeID string) {
	req, err := http.NewRequest(http.MethodDelete, addr+"/v1/nodes/"+url.PathEscape(nodeID), nil)
	if err != nil {
		fail(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "request failed with status "+strconv.Itoa(resp.StatusCode))
		os.Exit(1)
	}
}

func post(url string, body []byte) {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "request failed with status "+strconv.Itoa(resp.StatusCode))
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
