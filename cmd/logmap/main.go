// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command logmap inspects and edits string to string maps stored with
// the logmap package.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bpowers/logmap"
	"github.com/bpowers/logmap/internal/bytesutil"
)

func usage() {
	fmt.Fprintf(os.Stderr, `logmap is a tool for working with durable maps.

Usage:

	logmap <command> [-d dir] [arguments]

The commands are:

	get KEY          print the value of KEY
	put KEY VALUE    set KEY to VALUE
	rm KEY           remove KEY
	stat             print record and entry counts
	load [FILE]      apply key:value and -key lines from FILE or stdin
	dump             print every entry as a key:value line
	compact          rewrite the map without stale records
`)
	os.Exit(2)
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "logmap: %s\n", err)
	os.Exit(1)
}

type config struct {
	dir     string
	bolt    bool
	verbose bool
}

func (c *config) options() []logmap.Option {
	opts := []logmap.Option{logmap.WithName("cli")}
	if c.bolt {
		opts = append(opts, logmap.WithBoltIndex())
	}
	if c.verbose {
		opts = append(opts, logmap.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	}
	return opts
}

func (c *config) open() (*logmap.Map[string, string], error) {
	return logmap.Open[string, string](c.dir, logmap.StringKeys{}, logmap.StringValues{}, c.options()...)
}

// parseFlags parses the flags shared by every command and checks the
// number of positional arguments.
func parseFlags(cmd string, args []string, nArgs ...int) (*config, []string) {
	var c config
	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	fs.StringVarP(&c.dir, "dir", "d", ".", "map directory")
	fs.BoolVar(&c.bolt, "bolt", false, "use the bbolt index")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")
	_ = fs.Parse(args)

	rest := fs.Args()
	for _, n := range nArgs {
		if len(rest) == n {
			return &c, rest
		}
	}
	if len(nArgs) > 0 {
		fmt.Fprintf(os.Stderr, "logmap %s: unexpected arguments %q\n", cmd, rest)
		usage()
	}
	return &c, rest
}

// withMap opens the map, runs fn and closes the map.
func withMap(c *config, fn func(m *logmap.Map[string, string]) error) error {
	m, err := c.open()
	if err != nil {
		return err
	}
	err = fn(m)
	if cerr := m.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func getCmd(args []string) error {
	c, rest := parseFlags("get", args, 1)
	return withMap(c, func(m *logmap.Map[string, string]) error {
		v, ok, err := m.Get(rest[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found", rest[0])
		}
		fmt.Println(v)
		return nil
	})
}

func putCmd(args []string) error {
	c, rest := parseFlags("put", args, 2)
	return withMap(c, func(m *logmap.Map[string, string]) error {
		return m.Put(rest[0], rest[1])
	})
}

func rmCmd(args []string) error {
	c, rest := parseFlags("rm", args, 1)
	return withMap(c, func(m *logmap.Map[string, string]) error {
		return m.Remove(rest[0])
	})
}

func statCmd(args []string) error {
	c, _ := parseFlags("stat", args, 0)
	return withMap(c, func(m *logmap.Map[string, string]) error {
		size, err := m.Size()
		if err != nil {
			return err
		}
		score, err := m.CompactionScore()
		if err != nil {
			return err
		}
		fmt.Printf("records:          %d\n", m.RecordsCount())
		fmt.Printf("entries:          %d\n", size)
		fmt.Printf("compaction score: %.3f\n", score)
		return nil
	})
}

func loadCmd(args []string) error {
	c, rest := parseFlags("load", args, 0, 1)
	var r io.Reader = os.Stdin
	if len(rest) == 1 && rest[0] != "-" {
		f, err := os.Open(rest[0])
		if err != nil {
			return fmt.Errorf("os.Open: %w", err)
		}
		defer f.Close()
		r = f
	}

	return withMap(c, func(m *logmap.Map[string, string]) error {
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 64*1024), 16*1024*1024)
		var lineNo, puts, removes int
		for s.Scan() {
			lineNo++
			key, value, remove, ok := bytesutil.ParseOp(s.Bytes())
			if !ok {
				return fmt.Errorf("line %d: expected key:value or -key", lineNo)
			}
			var err error
			if remove {
				err = m.Remove(string(key))
				removes++
			} else {
				err = m.Put(string(key), string(value))
				puts++
			}
			if err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
		if err := s.Err(); err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if err := m.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "applied %d puts and %d removes\n", puts, removes)
		return nil
	})
}

func dumpCmd(args []string) error {
	c, _ := parseFlags("dump", args, 0)
	w := bufio.NewWriter(os.Stdout)
	err := withMap(c, func(m *logmap.Map[string, string]) error {
		var line []byte
		_, err := m.ForEachEntry(func(k, v string) (bool, error) {
			line = bytesutil.AppendPut(line[:0], []byte(k), []byte(v))
			_, err := w.Write(line)
			return err == nil, err
		})
		return err
	})
	if ferr := w.Flush(); ferr != nil {
		err = errors.Join(err, ferr)
	}
	return err
}

func compactCmd(args []string) error {
	c, _ := parseFlags("compact", args, 0)
	return logmap.CompactDir[string, string](c.dir, logmap.StringKeys{}, logmap.StringValues{}, c.options()...)
}

func main() {
	pflag.Usage = usage
	if len(os.Args) < 2 {
		usage()
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		usage()
	case "get":
		err = getCmd(args)
	case "put":
		err = putCmd(args)
	case "rm":
		err = rmCmd(args)
	case "stat":
		err = statCmd(args)
	case "load":
		err = loadCmd(args)
	case "dump":
		err = dumpCmd(args)
	case "compact":
		err = compactCmd(args)
	}
	if err != nil {
		die(err)
	}
}
