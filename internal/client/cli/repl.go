package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	hasIdentity() bool
	Register(ctx context.Context) error
	AddFriend(ctx context.Context) error
	Friends(ctx context.Context) error
	Send(ctx context.Context) error
	WhoAmI(ctx context.Context) error
	Info(ctx context.Context) error
}

// runREPL starts a simple read–eval–print loop for the relay CLI.
//
// It reads a line from the provided scanner, parses the first token as the
// command, and dispatches to methods on 'a'. Unknown commands are reported
// back to the user. The loop exits on scanner EOF or when the user types
// "exit" or "quit".
//
// Commands:
//
//	No identity yet:
//	  - help           — show available commands
//	  - register       — create an account on the relay
//	  - exit | quit    — leave the program
//
//	With an identity:
//	  - help           — show available commands
//	  - add            — add a friend by id
//	  - friends | f    — list friends
//	  - send           — send a tab to a friend
//	  - whoami         — show own id and connection state
//	  - info           — look up another user by id
//	  - exit | quit    — leave the program
//
// Any errors returned by command handlers are reported and swallowed here.
// This keeps the REPL loop resilient and focused on I/O.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("tabrelay %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		var err error
		switch cmd {
		case "help":
			if a.hasIdentity() {
				printlnFn("Available commands: add, (f)riends, send, whoami, info, exit")
			} else {
				printlnFn("Available commands: register, exit")
			}

		case "register":
			err = a.Register(ctx)

		case "add":
			err = a.AddFriend(ctx)

		case "f", "friends":
			err = a.Friends(ctx)

		case "send":
			err = a.Send(ctx)

		case "whoami":
			err = a.WhoAmI(ctx)

		case "info":
			err = a.Info(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			printlnFn("Error:", err.Error())
		}
	}
}
