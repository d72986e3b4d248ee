// relinkctl is the operator console for relinkd's command channel.
//
// Usage:
//
//	relinkctl                     interactive console with completion
//	relinkctl NET STATUS          one-shot command
//	relinkctl -follow             stream NET_STATUS/NET_EVENT frames
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/relink/internal/client"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	addr := flag.String("addr", "127.0.0.1:9417", "relinkd command channel address")
	follow := flag.Bool("follow", false, "stream telemetry frames until interrupted")
	flag.Parse()

	cfg := client.DefaultConfig()
	cfg.Addr = *addr
	c := client.New(cfg)
	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "relinkctl: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	switch {
	case *follow:
		os.Exit(followFrames(c))
	case flag.NArg() > 0:
		os.Exit(oneShot(c, strings.Join(flag.Args(), " ")))
	default:
		runConsole(c, *addr)
	}
}

// =============================================================================
// Follow Mode
// =============================================================================

// followFrames prints every frame until interrupted.
func followFrames(c *client.Client) int {
	c.OnFrame(func(line string) {
		fmt.Println(line)
	})

	done := make(chan struct{})
	c.OnDisconnect(func(err error) {
		fmt.Fprintf(os.Stderr, "relinkctl: connection lost: %v\n", err)
		close(done)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		return 0
	case <-done:
		return 1
	}
}

// =============================================================================
// One-Shot Mode
// =============================================================================

func oneShot(c *client.Client, command string) int {
	resp, err := c.Command(command)
	if err != nil {
		var cmdErr *client.CommandError
		if errors.As(err, &cmdErr) {
			fmt.Fprintf(os.Stderr, "ERR %s\n", cmdErr.Reason)
		} else {
			fmt.Fprintf(os.Stderr, "relinkctl: %v\n", err)
		}
		return 1
	}
	printResponse(resp)
	return 0
}

func printResponse(resp client.Response) {
	if resp.Inline != "" {
		fmt.Printf("OK %s %s\n", resp.Op, resp.Inline)
	} else {
		fmt.Printf("OK %s\n", resp.Op)
	}
	for _, line := range resp.Body {
		fmt.Println(line)
	}
}

// =============================================================================
// Interactive Console
// =============================================================================

var suggestions = []prompt.Suggest{
	{Text: "NET START", Description: "start the connection controller"},
	{Text: "NET STOP", Description: "stop and tear down the link"},
	{Text: "NET RECOVER", Description: "leave Faulted and retry"},
	{Text: "NET STATUS", Description: "current state snapshot"},
	{Text: "NET LISTENER ON", Description: "start the upload listener"},
	{Text: "NET LISTENER OFF", Description: "stop the upload listener"},
	{Text: "NET METRICS", Description: "counter snapshot"},
	{Text: "NET STATS", Description: "per-stage latency summaries"},
	{Text: "NETCFG GET", Description: "active policy snapshot"},
	{Text: "NETCFG SET", Description: "replace the policy (JSON payload)"},
	{Text: "exit", Description: "leave the console"},
}

func completer(d prompt.Document) []prompt.Suggest {
	return prompt.FilterHasPrefix(suggestions, d.TextBeforeCursor(), true)
}

func runConsole(c *client.Client, addr string) {
	// Piped input gets a plain line loop; the full console needs a tty.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		runPlain(c)
		return
	}

	fmt.Printf("relinkctl %s, connected to %s (exit to quit)\n", Version, addr)

	executor := func(line string) {
		line = strings.TrimSpace(line)
		switch line {
		case "":
			return
		case "exit", "quit":
			c.Close()
			os.Exit(0)
		}
		oneShot(c, line)
	}

	p := prompt.New(executor, completer,
		prompt.OptionTitle("relinkctl"),
		prompt.OptionPrefix("relink> "),
		prompt.OptionMaxSuggestion(12),
	)
	p.Run()
}

// runPlain reads commands from stdin without the prompt UI.
func runPlain(c *client.Client) {
	var failed bool
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if oneShot(c, line) != 0 {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}
