// ABOUTME: tail command: follows a conversation's live SSE events from a running server
// ABOUTME: Uses the r3labs SSE client and stops at the [DONE] sentinel

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/r3labs/sse/v2"

	"github.com/2389/agency-chat/internal/config"
)

const doneSentinel = "[DONE]"

// tailEvent is the subset of a broadcast event the tail command prints.
type tailEvent struct {
	Type   string `json:"type"`
	Output struct {
		MessageID int64  `json:"messageId"`
		Role      string `json:"role"`
		Text      string `json:"text"`
		Completed bool   `json:"completed"`
		Name      string `json:"name"`
		Message   string `json:"message"`
	} `json:"output"`
}

// runTail prints a conversation's events until the server ends the stream.
//
//	agency-chat tail CONVERSATION_ID [--server URL] [--token JWT]
//
// The token defaults to $AGENCY_CHAT_TOKEN and the server to the configured
// listen address.
func runTail(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, "server", "token")
	if err != nil {
		return err
	}
	if len(opts.positional) != 1 {
		return errors.New("usage: agency-chat tail CONVERSATION_ID [--server URL] [--token JWT]")
	}
	convID := opts.positional[0]

	server := opts.values["server"]
	if server == "" {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config (or pass --server): %w", err)
		}
		server = serverURL(cfg.Server.HTTPAddr)
	}

	token := opts.values["token"]
	if token == "" {
		token = os.Getenv("AGENCY_CHAT_TOKEN")
	}

	return tail(ctx, eventsURL(server, convID), token, out)
}

func eventsURL(server, convID string) string {
	return strings.TrimRight(server, "/") + "/api/conversations/" + url.PathEscape(convID) + "/events"
}

// tail subscribes to streamURL and writes one line per event.
func tail(ctx context.Context, streamURL, token string, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := sse.NewClient(streamURL)
	if token != "" {
		client.Headers["Authorization"] = "Bearer " + token
	}

	// A refused subscription is final; without this the client keeps reconnecting
	var refused error
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		refused = fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		cancel()
		return refused
	}

	var finished bool
	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		data := strings.TrimSpace(string(msg.Data))
		if data == "" {
			return
		}
		if data == doneSentinel {
			finished = true
			cancel()
			return
		}
		printEvent(out, []byte(data))
	})

	if refused != nil {
		return refused
	}
	if finished || errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", streamURL, err)
	}
	return nil
}

func printEvent(out io.Writer, data []byte) {
	var ev tailEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Fprintln(out, string(data))
		return
	}

	o := ev.Output
	switch ev.Type {
	case "appendMessage":
		fmt.Fprintf(out, "%s #%d %s %s\n", color.GreenString("+"), o.MessageID, o.Role, o.Text)
	case "updateMessage":
		if o.Completed {
			fmt.Fprintf(out, "%s #%d %s\n", color.CyanString("✓"), o.MessageID, o.Text)
		} else {
			fmt.Fprintf(out, "%s #%d %s\n", color.HiBlackString("…"), o.MessageID, o.Text)
		}
	case "updateName":
		fmt.Fprintf(out, "%s name: %s\n", color.YellowString("*"), o.Name)
	case "error":
		fmt.Fprintf(out, "%s %s\n", color.RedString("!"), o.Message)
	default:
		fmt.Fprintf(out, "%s %s\n", ev.Type, string(data))
	}
}
