package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type processOptions struct {
	pages       int
	ticketIDs   []int64
	output      string
	safeOutput  bool
	reprocess   bool
	refresh     bool
	promptDebug bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "siloissues",
		Short: "Cluster helpdesk tickets into a deduplicated issue database",
		Long: `siloissues fetches resolved support tickets from Freshdesk, normalizes
them into conversations, and asks an LLM whether each one matches a known
issue or describes a new one, building a consolidated issue database.`,
		SilenceUsage: true,
	}

	var opts processOptions
	var ticketIDsFlag string

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Fetch tickets and update the issue database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.pages > 0 && ticketIDsFlag != "" {
				return fmt.Errorf("--pages and --ticket-ids are mutually exclusive")
			}
			cfg := LoadConfig()
			if ticketIDsFlag != "" {
				ids, err := parseTicketIDs(ticketIDsFlag)
				if err != nil {
					return err
				}
				opts.ticketIDs = ids
			}
			if opts.pages == 0 {
				opts.pages = cfg.MaxPages
			}
			if opts.output == "" {
				opts.output = cfg.OutputPath
			}
			return runProcess(cfg, opts)
		},
	}
	processCmd.Flags().IntVar(&opts.pages, "pages", 0, "pages of resolved tickets to fetch")
	processCmd.Flags().StringVar(&ticketIDsFlag, "ticket-ids", "", "comma-separated ticket IDs to process instead of searching")
	processCmd.Flags().StringVar(&opts.output, "output", "", "output path for the consolidated issue DB")
	processCmd.Flags().BoolVar(&opts.safeOutput, "safe-output", false, "preserve an existing DB by writing to a timestamped copy")
	processCmd.Flags().BoolVar(&opts.reprocess, "reprocess", false, "re-run the LLM on tickets already in the DB")
	processCmd.Flags().BoolVar(&opts.refresh, "refresh", false, "re-fetch conversations from Freshdesk even if cached")
	processCmd.Flags().BoolVar(&opts.promptDebug, "prompt-debug", false, "print prompts and LLM output without writing anything")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-apply the auto-ignore rule across the conversation cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig()
			db, err := InitCacheDB(cfg.CacheDBPath)
			if err != nil {
				return fmt.Errorf("opening conversation cache: %w", err)
			}
			defer db.Close()

			checked, updated, err := BackfillConversations(db, cfg.AutoIgnorePhrases)
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
			log.Printf("backfill complete checked=%d updated=%d", checked, updated)
			return nil
		},
	}

	configCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration with secrets masked",
		Run: func(cmd *cobra.Command, args []string) {
			showConfig(loadConfigUnchecked())
		},
	}
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(processCmd, backfillCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseTicketIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ticket ID '%s'", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runProcess(cfg Config, opts processOptions) error {
	db, err := InitCacheDB(cfg.CacheDBPath)
	if err != nil {
		return fmt.Errorf("opening conversation cache: %w", err)
	}
	defer db.Close()

	client := NewFreshdeskClient(cfg)

	ids := opts.ticketIDs
	if len(ids) == 0 {
		log.Printf("fetching ticket ids pages=%d", opts.pages)
		ids, err = client.FetchResolvedTicketIDs(opts.pages)
		if err != nil {
			return fmt.Errorf("fetching ticket ids: %w", err)
		}
	}
	log.Printf("%d tickets to process", len(ids))

	decider := NewLLMDecider(cfg)
	decider.Debug = opts.promptDebug
	clusterer := NewIssueClusterer(cfg, decider)
	clusterer.DryRun = opts.promptDebug
	if err := clusterer.LoadExisting(opts.output); err != nil {
		return err
	}

	fetchConversation := func(ticketID int64) (Conversation, error) {
		ticket, err := client.FetchTicket(ticketID)
		if err != nil {
			return Conversation{}, err
		}
		return BuildConversation(cfg, ticket), nil
	}

	for _, ticketID := range ids {
		ignored, err := IsIgnored(db, ticketID)
		if err != nil {
			return fmt.Errorf("reading cache for ticket %d: %w", ticketID, err)
		}
		if ignored {
			log.Printf("ticket %d marked ignored, skipping", ticketID)
			clusterer.CountSkipped()
			continue
		}
		if clusterer.HasTicket(ticketID) && !opts.reprocess {
			log.Printf("ticket %d already in DB, skipping", ticketID)
			clusterer.CountSkipped()
			continue
		}

		conv, err := GetConversation(db, ticketID, opts.refresh, fetchConversation)
		if err != nil {
			clusterer.FlagFetchFailure(ticketID, err)
			continue
		}

		clusterer.ProcessTicket(conv)
	}

	if opts.promptDebug {
		log.Printf("prompt debug mode: no DB written")
		return nil
	}

	writtenPath, err := WriteIssueDB(clusterer.Issues(), opts.output, opts.safeOutput)
	if err != nil {
		return fmt.Errorf("writing issue DB: %w", err)
	}
	if err := WriteFlaggedCSV(clusterer.Flagged(), cfg.FlaggedPath); err != nil {
		return fmt.Errorf("writing flagged list: %w", err)
	}
	// The checkpoint is superseded by the final write.
	os.Remove(clusterer.CheckpointPath())

	summary := FormatRunSummary(clusterer.Stats(), clusterer.Usage(), writtenPath)
	log.Print(summary)
	NotifyRunSummary(cfg, summary)
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return "<missing>"
	}
	if len(s) <= 4 {
		return "****"
	}
	return "***" + s[len(s)-4:]
}

func showConfig(cfg Config) {
	fmt.Printf("freshdesk_domain:         %s\n", cfg.FreshdeskDomain)
	fmt.Printf("freshdesk_api_key:        %s\n", maskSecret(cfg.FreshdeskAPIKey))
	fmt.Printf("ticket_search_query:      %s\n", cfg.TicketSearchQuery)
	fmt.Printf("max_pages:                %d\n", cfg.MaxPages)
	fmt.Printf("min_call_interval_ms:     %d\n", cfg.MinCallIntervalMS)
	fmt.Printf("max_fetch_attempts:       %d\n", cfg.MaxFetchAttempts)
	fmt.Printf("llm_provider:             %s\n", cfg.LLMProvider)
	fmt.Printf("llm_model:                %s\n", cfg.LLMModel)
	fmt.Printf("llm_confidence_threshold: %.2f\n", cfg.LLMConfidence)
	fmt.Printf("anthropic_api_key:        %s\n", maskSecret(cfg.AnthropicAPIKey))
	fmt.Printf("openai_api_key:           %s\n", maskSecret(cfg.OpenAIAPIKey))
	fmt.Printf("cache_db_path:            %s\n", cfg.CacheDBPath)
	fmt.Printf("output_path:              %s\n", cfg.OutputPath)
	fmt.Printf("flagged_path:             %s\n", cfg.FlaggedPath)
	fmt.Printf("flush_every:              %d\n", cfg.FlushEvery)
	fmt.Printf("slack_channel_id:         %s\n", cfg.SlackChannelID)
	fmt.Printf("slack_bot_token:          %s\n", maskSecret(cfg.SlackBotToken))
}
