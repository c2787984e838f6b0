package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

// chatOrchestrator is the part of the orchestrator the terminal loop drives.
type chatOrchestrator interface {
	Start(ctx context.Context) (flow.Result, error)
	Advance(ctx context.Context, sessionID string, in flow.Input) (flow.Result, error)
	Abandon(ctx context.Context, sessionID string) error
}

// runChat runs one booking session against lines read from in. Typing
// "quit" or "exit" abandons the session.
func runChat(ctx context.Context, orch chatOrchestrator, in io.Reader, out io.Writer) error {
	res, err := orch.Start(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	printPrompt(out, res)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			slog.Info("runChat: input closed", "session_id", res.SessionID, "stage", res.Stage)
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			if err := orch.Abandon(ctx, res.SessionID); err != nil && !errors.Is(err, models.ErrSessionTerminal) {
				return err
			}
			fmt.Fprintln(out, "Session abandoned.")
			return nil
		}

		res, err = orch.Advance(ctx, res.SessionID, flow.Input{Text: line})
		if errors.Is(err, models.ErrSessionTerminal) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("advance session: %w", err)
		}
		printPrompt(out, res)
		if res.Status == flow.StatusComplete || res.Status == flow.StatusFailed {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printPrompt(out io.Writer, res flow.Result) {
	if res.Prompt != "" {
		fmt.Fprintln(out, res.Prompt)
	}
}
