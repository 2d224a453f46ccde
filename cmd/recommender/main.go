package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/mikeboe/product-recommender/pkg/app"
	"github.com/mikeboe/product-recommender/pkg/config"
	"github.com/mikeboe/product-recommender/pkg/server"
	"github.com/spf13/cobra"
)

var (
	message     string
	threadID    string
	mode        string
	maxQueries  int
	maxLoops    int
	casesFile   string
	outputFile  string
	concurrency int
)

func main() {
	handler := slog.NewTextHandler(os.Stderr, nil)
	slog.SetDefault(slog.New(handler))

	// It's okay if .env doesn't exist, as long as env vars are set
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "recommender",
		Short: "A terminal product recommendation agent",
		Long:  `recommender validates a shopping request, searches the web with grounded citations, reflects on the results and writes recommendations with source links.`,
	}

	askCmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask for product recommendations",
		RunE:  runAsk,
	}
	askCmd.Flags().StringVarP(&message, "message", "m", "", "The shopping request; omit for interactive mode")
	askCmd.Flags().StringVarP(&threadID, "thread", "t", "", "Conversation thread id")
	askCmd.Flags().StringVar(&mode, "mode", "", "Synthesis mode: answer or report")
	askCmd.Flags().IntVar(&maxQueries, "max-queries", 0, "Parallel searches per round (1-10)")
	askCmd.Flags().IntVar(&maxLoops, "max-loops", 0, "Maximum search rounds (1-5)")

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Run a batch of requests and write the results as JSON",
		RunE:  runEvalCmd,
	}
	evalCmd.Flags().StringVarP(&casesFile, "cases", "c", "", `JSON file of [{"id": ..., "query": ...}]`)
	evalCmd.Flags().StringVarP(&outputFile, "output", "o", "eval_results.json", "Where to write the results")
	evalCmd.Flags().IntVar(&concurrency, "concurrency", 3, "Requests run at the same time")
	_ = evalCmd.MarkFlagRequired("cases")

	rootCmd.AddCommand(askCmd, evalCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func newApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, config.Load(), slog.Default())
}

func runAsk(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req, err := askRequest(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.Flags().Changed("message") {
		if strings.TrimSpace(message) == "" {
			return fmt.Errorf("--message flag provided but empty")
		}
		req.Message = message
		_, err := ask(ctx, a.Service, req)
		return err
	}

	// Interactive mode keeps one thread so clarifications can be answered.
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input == "" {
			if err != nil {
				return nil
			}
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		req.Message = input
		resp, askErr := ask(ctx, a.Service, req)
		if askErr != nil {
			slog.Error("Request failed", "error", askErr)
		} else {
			req.ThreadID = resp.ThreadID
		}
		if err != nil {
			return nil
		}
	}
}

func askRequest(cmd *cobra.Command) (server.ChatRequest, error) {
	req := server.ChatRequest{ThreadID: threadID}
	if cmd.Flags().Changed("mode") {
		m, err := agent.ParseMode(mode)
		if err != nil {
			return req, err
		}
		req.Mode = &m
	}
	if cmd.Flags().Changed("max-queries") {
		req.MaxSearchQueries = &maxQueries
	}
	if cmd.Flags().Changed("max-loops") {
		req.MaxSearchLoops = &maxLoops
	}
	return req, nil
}

func ask(ctx context.Context, svc *server.Service, req server.ChatRequest) (*server.ChatResponse, error) {
	resp, err := svc.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	fmt.Println()
	fmt.Println(resp.Message)
	if len(resp.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, s := range resp.Sources {
			fmt.Printf("- %s: %s\n", s.Title, s.URL)
		}
	}
	fmt.Printf("\n(thread %s, %.1fs)\n", resp.ThreadID, resp.ProcessingTime)
	return resp, nil
}

func runEvalCmd(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cases, err := loadCases(casesFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	results := runEval(ctx, cases, a.Service.Chat, concurrency)
	if err := writeResults(outputFile, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	slog.Info("Evaluation finished", "cases", len(results), "failed", failed, "output", outputFile)
	return nil
}
