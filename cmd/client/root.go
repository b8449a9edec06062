// Package client implements the "repkv client" subcommand: pairs a replica
// against a running authority on 127.0.0.1 and drops into an interactive
// shell against it, in the spirit of the original program's demo client
// loop (see SPEC_FULL.md §5).
package client

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cmdUtil "github.com/jsiwek/repkv/cmd/util"
	"github.com/jsiwek/repkv/internal/frontend"
	"github.com/jsiwek/repkv/internal/log"
	"github.com/jsiwek/repkv/internal/repkverr"
	"github.com/jsiwek/repkv/pkg/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var clientCfg struct {
	port     int
	name     string
	topic    string
	logLevel string
	timeout  time.Duration
}

// ClientCmd pairs a replica with an authority and runs the interactive
// shell (spec §6.3: "-p sets the first of three consecutive TCP ports").
var ClientCmd = &cobra.Command{
	Use:     "client",
	Short:   "Pair a replica against a running repkv authority",
	Long:    `Pair a replica against a running repkv authority and open an interactive shell. Configuration can be set via flags or REPKV_ environment variables.`,
	PreRunE: processConfig,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	ClientCmd.Flags().IntP("port", "p", 10000, cmdUtil.WrapString("first of three consecutive TCP ports the authority is bound on"))
	ClientCmd.Flags().StringP("name", "n", "", cmdUtil.WrapString("instance label used in log lines (default: process id)"))
	ClientCmd.Flags().String("topic", "example0", cmdUtil.WrapString("topic to replicate"))
	ClientCmd.Flags().String("log-level", "info", cmdUtil.WrapString("log level: debug, info, warning, error"))
	ClientCmd.Flags().Duration("timeout", 5*time.Second, cmdUtil.WrapString("default timeout for lookup/haskey/size requests"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	clientCfg.port = viper.GetInt("port")
	clientCfg.name = viper.GetString("name")
	if clientCfg.name == "" {
		clientCfg.name = fmt.Sprintf("pid-%d", os.Getpid())
	}
	clientCfg.topic = viper.GetString("topic")
	clientCfg.logLevel = viper.GetString("log-level")
	clientCfg.timeout = viper.GetDuration("timeout")
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	log.Init(clientCfg.logLevel)
	logger := log.Get("cmd")

	r := frontend.NewReplica(clientCfg.topic)
	n := node.New()
	if err := n.Replicate(clientCfg.port, r); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	logger.Infof("%s: replicating topic %q from 127.0.0.1:%d", clientCfg.name, clientCfg.topic, clientCfg.port)
	fmt.Printf("connected to topic %q; type 'help' for commands, 'quit' to exit\n", clientCfg.topic)
	repl(r, clientCfg.timeout)
	return nil
}

const helpText = `commands:
  insert <key> <value>       set key to value
  remove <key>                delete key
  incr <key> <delta>           add delta to key's value
  decr <key> <delta>           subtract delta from key's value
  clear                        empty the store
  lookup <key>                 read the local cache
  haskey <key>                 test the local cache
  size                         count of keys in the local cache
  alookup <key>                asynchronous authoritative lookup
  ahaskey <key>                 asynchronous authoritative haskey
  asize                         asynchronous authoritative size
  sync                          report sync state and sequence
  help                          show this text
  quit                          exit`

func repl(r *frontend.Replica, timeout time.Duration) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("repkv> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		switch cmd {
		case "help":
			fmt.Println(helpText)
		case "quit", "exit":
			return
		case "insert":
			runInsert(r, args)
		case "remove":
			runRemove(r, args)
		case "incr":
			runDelta(r, args, r.Increment)
		case "decr":
			runDelta(r, args, r.Decrement)
		case "clear":
			if err := r.Clear(); err != nil {
				fmt.Println("error:", err)
			}
		case "lookup":
			runLocalLookup(r, args)
		case "haskey":
			runLocalHasKey(r, args)
		case "size":
			n, _ := r.Size()
			fmt.Println(n)
		case "alookup":
			runAsyncLookup(r, args, timeout)
		case "ahaskey":
			runAsyncHasKey(r, args, timeout)
		case "asize":
			runAsyncSize(r, timeout)
		case "sync":
			fmt.Printf("synchronized=%v sequence=%d\n", r.Synchronized(), r.Sequence())
		default:
			fmt.Println("unknown command; type 'help'")
		}
	}
}

func runInsert(r *frontend.Replica, args []string) {
	if len(args) != 2 {
		fmt.Println("usage: insert <key> <value>")
		return
	}
	v, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Println("invalid value:", err)
		return
	}
	if err := r.Insert(args[0], v); err != nil {
		fmt.Println("error:", err)
	}
}

func runRemove(r *frontend.Replica, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: remove <key>")
		return
	}
	if _, err := r.Remove(args[0]); err != nil {
		fmt.Println("error:", err)
	}
}

func runDelta(r *frontend.Replica, args []string, op func(string, int64) (int64, bool, error)) {
	if len(args) != 2 {
		fmt.Println("usage: <incr|decr> <key> <delta>")
		return
	}
	d, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Println("invalid delta:", err)
		return
	}
	if _, _, err := op(args[0], d); err != nil {
		fmt.Println("error:", err)
	}
}

func runLocalLookup(r *frontend.Replica, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: lookup <key>")
		return
	}
	v, ok, _ := r.Lookup(args[0])
	if !ok {
		fmt.Println("null")
		return
	}
	fmt.Println(v)
}

func runLocalHasKey(r *frontend.Replica, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: haskey <key>")
		return
	}
	ok, _ := r.HasKey(args[0])
	fmt.Println(ok)
}

func runAsyncLookup(r *frontend.Replica, args []string, timeout time.Duration) {
	if len(args) != 1 {
		fmt.Println("usage: alookup <key>")
		return
	}
	r.LookupAsync(args[0], timeout, func(v int64, ok bool, err *repkverr.Error) {
		if err != nil {
			fmt.Println("lookup error:", err)
			return
		}
		if !ok {
			fmt.Println("lookup:", args[0], "-> null")
			return
		}
		fmt.Println("lookup:", args[0], "->", v)
	})
}

func runAsyncHasKey(r *frontend.Replica, args []string, timeout time.Duration) {
	if len(args) != 1 {
		fmt.Println("usage: ahaskey <key>")
		return
	}
	r.HasKeyAsync(args[0], timeout, func(has bool, err *repkverr.Error) {
		if err != nil {
			fmt.Println("haskey error:", err)
			return
		}
		fmt.Println("haskey:", args[0], "->", has)
	})
}

func runAsyncSize(r *frontend.Replica, timeout time.Duration) {
	r.SizeAsync(timeout, func(n uint64, err *repkverr.Error) {
		if err != nil {
			fmt.Println("size error:", err)
			return
		}
		fmt.Println("size:", n)
	})
}
