package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	persistlog "svocraft.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "evict":
			evictCmd(os.Args[2:])
			return
		case "logs":
			logsCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin db|state|evict|logs [flags]")
	os.Exit(2)
}

// logsCmd lists build log files with their record counts, or dumps the records
// of one file with -dump.
func logsCmd(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dump := fs.String("dump", "", "print every record of this build log file")
	_ = fs.Parse(args)

	if *dump != "" {
		recs, err := persistlog.ReadBuilds(*dump)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, r := range recs {
			printJSON(r)
		}
		return
	}

	files, err := filepath.Glob(filepath.Join(*dataDir, "builds", "builds-*.jsonl.zst"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "glob:", err)
		os.Exit(1)
	}
	for _, f := range files {
		recs, err := persistlog.ReadBuilds(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", f, err)
			continue
		}
		var nodes, uniform int
		for _, r := range recs {
			nodes += r.NodeCount
			if r.Uniform {
				uniform++
			}
		}
		size := int64(0)
		if st, err := os.Stat(f); err == nil {
			size = st.Size()
		}
		fmt.Printf("%s builds=%d uniform=%d nodes=%s size=%s\n",
			filepath.Base(f), len(recs), uniform, humanize.Comma(int64(nodes)), humanize.Bytes(uint64(size)))
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
