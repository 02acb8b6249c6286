package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"chunkfs/internal/chunker"
	"chunkfs/internal/logging"
)

const usage = `usage: client [-head URL] <command> [args]

commands:
  put <file> [name]          upload a local file
  get <name> [out]           download a file
  ls                         list files
  stat <name>                show a file's chunks and replicas
  rm <name>                  delete a file
  servers                    list chunk servers and their health
  split <file> [chunk_size]  split a local file into .partN files
  combine <part>...          join .partN files back together
`

func main() {
	headURL := flag.String("head", "http://localhost:8080", "head server URL")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.Setup("client", level, true)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(newHeadClient(*headURL), args[0], args[1:]); err != nil {
		log.Error().Err(err).Msgf("client: %s failed", args[0])
		os.Exit(1)
	}
}

func run(c *headClient, cmd string, args []string) error {
	out := os.Stdout
	switch cmd {
	case "put":
		if len(args) < 1 {
			return errUsage
		}
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		return c.put(out, args[0], name)
	case "get":
		if len(args) < 1 {
			return errUsage
		}
		dst := args[0]
		if len(args) > 1 {
			dst = args[1]
		}
		return c.get(out, args[0], dst)
	case "ls":
		return c.list(out)
	case "stat":
		if len(args) < 1 {
			return errUsage
		}
		return c.stat(out, args[0])
	case "rm":
		if len(args) < 1 {
			return errUsage
		}
		return c.remove(out, args[0])
	case "servers":
		return c.servers(out)
	case "split":
		if len(args) < 1 {
			return errUsage
		}
		size := chunker.DefaultChunkSize
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("bad chunk size %q", args[1])
			}
			size = n
		}
		parts, err := chunker.SplitToParts(args[0], size)
		if err != nil {
			return err
		}
		for _, p := range parts {
			fmt.Fprintln(out, p)
		}
		return nil
	case "combine":
		if len(args) < 1 {
			return errUsage
		}
		path, err := chunker.CombineParts(args)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)
		return nil
	}
	flag.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}
