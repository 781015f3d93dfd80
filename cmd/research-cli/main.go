package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ai-research-be/internal/config"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/client"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type chatFlags struct {
	apiURL       string
	wsURL        string
	memoryID     string
	queries      int
	searchShare  float64
	scanShare    float64
	persist      bool
	turnTimeout  time.Duration
	showProgress bool
}

func main() {
	cfg := config.Load()
	flags := chatFlags{}

	root := &cobra.Command{
		Use:   "research-cli",
		Short: "Talk to the research assistant from a terminal",
	}

	ask := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cfg, flags, strings.Join(args, " "))
		},
	}
	ask.Flags().StringVar(&flags.apiURL, "api", cfg.Client.APIBaseURL, "REST base URL")
	ask.Flags().StringVar(&flags.wsURL, "ws", cfg.Client.WSBaseURL, "WebSocket URL")
	ask.Flags().StringVar(&flags.memoryID, "memory", "", "continue an existing conversation")
	ask.Flags().IntVar(&flags.queries, "queries", 0, "number of search queries to generate")
	ask.Flags().Float64Var(&flags.searchShare, "search-share", 0, "fraction of top queries to search")
	ask.Flags().Float64Var(&flags.scanShare, "scan-share", 0, "fraction of top results to scan")
	ask.Flags().BoolVar(&flags.persist, "persist", true, "store the conversation durably")
	ask.Flags().DurationVar(&flags.turnTimeout, "timeout", 10*time.Minute, "give up after this long")
	ask.Flags().BoolVar(&flags.showProgress, "progress", true, "print agent progress")

	show := &cobra.Command{
		Use:   "show [memoryId]",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := client.NewAPI(flags.apiURL, cfg.Client.RequestTimeout)
			view, err := api.GetMemory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printConversation(view)
			return nil
		},
	}
	show.Flags().StringVar(&flags.apiURL, "api", cfg.Client.APIBaseURL, "REST base URL")

	root.AddCommand(ask, show)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		color.Red("✗ %v", err)
		os.Exit(1)
	}
}

func runAsk(ctx context.Context, cfg *config.Config, flags chatFlags, question string) error {
	ctx, cancel := context.WithTimeout(ctx, flags.turnTimeout)
	defer cancel()

	session := client.NewSession(client.SessionConfig{
		URL:                  flags.wsURL,
		MaxReconnectAttempts: cfg.Client.MaxReconnects,
		ReconnectBase:        cfg.Client.ReconnectBase,
	}, logger.NewNopLogger())
	defer session.Close()

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	progress := color.New(color.FgHiBlack)
	session.On(client.AgentStart, func(m client.Message) {
		if flags.showProgress {
			color.Cyan("▶ %s", m.Message)
		}
	})
	session.On(client.AgentUpdate, func(m client.Message) {
		if flags.showProgress {
			progress.Printf("  %s\n", m.Message)
		}
	})
	session.On(client.AgentCompleted, func(m client.Message) {
		if flags.showProgress {
			color.Green("✓ %s", m.Message)
		}
		if m.IsFinal {
			finish(nil)
		}
	})
	session.On(client.CostUpdate, func(m client.Message) {
		if flags.showProgress && m.Cost != nil {
			progress.Printf("  cost so far $%.4f\n", m.Cost.Total)
		}
	})
	session.On(client.StreamResponse, func(m client.Message) {
		fmt.Print(m.Content)
	})
	session.On(client.ChatResponse, func(m client.Message) {
		fmt.Println(m.Content)
	})
	session.On(client.StreamEnd, func(client.Message) {
		fmt.Println()
	})
	session.On(client.Error, func(m client.Message) {
		finish(errors.New(m.Message))
	})
	session.OnError(func(err error) {
		if errors.Is(err, client.ErrReconnectExhausted) {
			finish(err)
		}
	})

	clientID, err := session.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", flags.wsURL, err)
	}

	api := client.NewAPI(flags.apiURL, cfg.Client.RequestTimeout)
	req := client.ChatRequest{
		WsClientID:                  clientID,
		MemoryID:                    flags.memoryID,
		NumberOfSelectQueries:       flags.queries,
		PercentOfTopQueriesToSearch: flags.searchShare,
		PercentOfTopResultsToScan:   flags.scanShare,
		Persist:                     &flags.persist,
	}
	if flags.memoryID != "" {
		prior, err := api.GetMemory(ctx, flags.memoryID)
		if err != nil && !errors.Is(err, client.ErrMemoryNotFound) {
			return err
		}
		if prior != nil {
			req.ChatLog = prior.ChatLog
		}
	}
	req.ChatLog = append(req.ChatLog, client.Turn{Sender: "user", Text: question})

	accepted, err := api.StartChat(ctx, req)
	if err != nil {
		return err
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return err
	}

	view, err := api.GetMemory(ctx, accepted.MemoryID)
	if err != nil {
		return err
	}
	color.Yellow("\nmemoryId %s  total cost $%.4f", accepted.MemoryID, view.TotalCosts)
	return nil
}

func printConversation(view *client.MemoryView) {
	for _, t := range view.ChatLog {
		switch t.Sender {
		case "user":
			color.Cyan("you: %s", t.Text)
		case "assistant":
			fmt.Printf("assistant: %s\n", t.Text)
		default:
			color.HiBlack("%s: %s", t.Sender, t.Text)
		}
	}
	color.Yellow("total cost $%.4f", view.TotalCosts)
}
