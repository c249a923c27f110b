package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/manningwu07/chatlm/engine"
	"github.com/manningwu07/chatlm/params"
)

// ChatCLI runs an interactive session on in/out until "exit" or EOF.
//
//	/fix <text>   correct the last reply and train on it
//	/status       training counters
//	/history      recent turns
func ChatCLI(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	fmt.Fprintln(out, "Chat started. Type 'exit' to quit, '/fix <reply>' to correct me.")

	var lastInput, lastReply string
	for {
		fmt.Fprint(out, "You: ")
		line, err := reader.ReadString('\n')
		input := strings.TrimSpace(line)
		if input == "exit" || (input == "" && err != nil) {
			return nil
		}
		if input == "" {
			continue
		}

		switch {
		case input == "/status":
			printStatus(out, eng.Status())
		case input == "/history":
			for _, t := range eng.History() {
				fmt.Fprintf(out, "[%s] You: %s\n           Bot: %s\n", t.Timestamp.Format("15:04:05"), t.Input, t.Response)
			}
		case strings.HasPrefix(input, "/fix"):
			correction := strings.TrimSpace(strings.TrimPrefix(input, "/fix"))
			if lastInput == "" || correction == "" {
				fmt.Fprintln(out, "Usage: /fix <what I should have said> (after a reply)")
				continue
			}
			rep, err := eng.Feedback(ctx, lastInput, lastReply, correction, params.Metadata{})
			if err != nil {
				fmt.Fprintln(out, "Error:", err)
				continue
			}
			lastReply = correction
			fmt.Fprintf(out, "Thanks! Trained on the correction (accuracy %.4f, loss %.4f).\n", rep.Accuracy, rep.Loss)
		default:
			resp, err := eng.Chat(ctx, input)
			if err != nil {
				fmt.Fprintln(out, "Error:", err)
			}
			lastInput, lastReply = input, resp.Text
			fmt.Fprintln(out, "Bot:", resp.Text)
		}
		if err != nil {
			return nil
		}
	}
}
