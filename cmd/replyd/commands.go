package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/replyd/internal/config"
	"github.com/kalambet/replyd/internal/generation"
	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/prompt"
	"github.com/kalambet/replyd/internal/quota"
	"github.com/kalambet/replyd/internal/storage"
	"github.com/kalambet/replyd/internal/stream"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate [message]",
	Short: "Draft reply variants for a client message",
	Long: `Draft reply variants for a client message. Variants are printed as
each one finishes.

Examples:
  replyd generate "Can we push the launch to Friday?" --urgency high
  replyd generate --file ./email.txt --variants 5 --message-type complaint
  replyd generate "Quick question about invoices" --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		variants, _ := cmd.Flags().GetInt("variants")
		jsonOut, _ := cmd.Flags().GetBool("json")

		message := strings.Join(args, " ")
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			message = string(data)
		}
		if strings.TrimSpace(message) == "" {
			return errors.New("a message is required (argument or --file)")
		}

		req := generation.Request{Message: message, Variants: variants}
		req.Tags.Urgency = prompt.Urgency(flagString(cmd, "urgency"))
		req.Tags.MessageType = prompt.MessageType(flagString(cmd, "message-type"))
		req.Tags.RelationshipStage = prompt.RelationshipStage(flagString(cmd, "relationship"))
		req.Tags.ProjectPhase = prompt.ProjectPhase(flagString(cmd, "phase"))
		if err := req.Tags.Validate(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runGenerate(cmd.Context(), client, req, os.Stdout, jsonOut)
	},
}

func init() {
	generateCmd.Flags().String("file", "", "read the message from a file")
	generateCmd.Flags().Int("variants", 0, "number of variants (default: server setting)")
	generateCmd.Flags().String("urgency", "", "low, normal, high or critical")
	generateCmd.Flags().String("message-type", "", "question, request, complaint, update, feedback or other")
	generateCmd.Flags().String("relationship", "", "new, active, established or at_risk")
	generateCmd.Flags().String("phase", "", "discovery, proposal, in_progress, review, delivered or maintenance")
	generateCmd.Flags().Bool("json", false, "print raw frames as JSON lines")
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// runGenerate streams one generation and renders each variant when it
// terminates. With jsonOut every frame is printed as it arrives instead.
func runGenerate(ctx context.Context, client *apiClient, req generation.Request, w io.Writer, jsonOut bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := client.stream(ctx, "/v1/generations", req)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := stream.NewDecoder()
	dm := stream.NewDemux()
	if jsonOut {
		enc := json.NewEncoder(w)
		dm.OnFrame = func(f stream.Frame, _ *stream.VariantBuffer) { enc.Encode(f) }
	} else {
		dm.OnFrame = func(f stream.Frame, v *stream.VariantBuffer) {
			if v != nil && f.Type.Terminal() {
				renderVariant(w, v)
			}
		}
	}

	buf := make([]byte, 4096)
	for !dm.Done() {
		n, err := body.Read(buf)
		for _, f := range dec.Feed(buf[:n]) {
			dm.Apply(f)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
	}

	if f, ok := dm.RequestError(); ok {
		return fmt.Errorf("%s: %s", f.Code, f.Message)
	}
	if !dm.Done() {
		return errors.New("stream ended before done")
	}
	if dec.Dropped() > 0 || dm.Violations() > 0 {
		printWarning("discarded %d malformed and %d out-of-order frames", dec.Dropped(), dm.Violations())
	}
	return nil
}

func renderVariant(w io.Writer, v *stream.VariantBuffer) {
	if v.State == stream.StateError {
		fmt.Fprintf(w, "%s %s\n", heading(v.Index), colorize(colorRed, "failed: "+v.Error))
		if text := v.Text(); text != "" {
			fmt.Fprintf(w, "%s\n", text)
		}
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", heading(v.Index), describe(v.Metadata))
	fmt.Fprintf(w, "%s\n\n", strings.TrimSpace(v.Text()))
}

// --- quota ---

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the monthly generation allowance",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runQuota(cmd.Context(), client, os.Stdout)
	},
}

type quotaView struct {
	quota.State
	Remaining int `json:"remaining"`
}

func runQuota(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/v1/quota")
	if err != nil {
		return err
	}
	var q quotaView
	if err := decodeJSON(resp, &q); err != nil {
		return err
	}
	field(w, "Account", "%s", q.AccountID)
	field(w, "Usage", "%d of %d used, %d left", q.Usage, q.Allowance, q.Remaining)
	field(w, "Resets", "%s", q.ResetAt.Local().Format(time.DateTime))
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse past generations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runHistoryList(cmd.Context(), client, os.Stdout, limit)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/history/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rec history.Record
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}
		renderRecord(os.Stdout, rec)
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of generations to list")
	historyShowCmd.Flags().Bool("json", false, "print the raw record as JSON")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
}

func runHistoryList(ctx context.Context, client *apiClient, w io.Writer, limit int) error {
	resp, err := client.get(ctx, fmt.Sprintf("/v1/history?limit=%d", limit))
	if err != nil {
		return err
	}
	var list struct {
		Data []history.Record `json:"data"`
	}
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}

	if len(list.Data) == 0 {
		fmt.Fprintln(w, "No generations found.")
		return nil
	}
	for _, rec := range list.Data {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			colorize(colorCyan, shortID(rec.ID)),
			rec.CreatedAt.Local().Format(time.DateTime),
			variantSummary(rec),
			oneLine(rec.Message, 60),
		)
	}
	return nil
}

// renderRecord prints a stored generation with every variant's final state.
func renderRecord(w io.Writer, rec history.Record) {
	field(w, "ID", "%s", rec.ID)
	field(w, "Created", "%s", rec.CreatedAt.Local().Format(time.DateTime))
	field(w, "Status", "%s", recordState(rec.Status))
	field(w, "Message", "%s", oneLine(rec.Message, 72))
	if rec.Provider != "" {
		field(w, "Provider", "%s (cost %.6f)", rec.Provider, rec.Cost)
	}
	fmt.Fprintln(w)

	for _, v := range rec.Variants {
		line := heading(v.Index) + " " + variantState(v.Status)
		if md := describe(v.Metadata); md != "" {
			line += " " + md
		}
		if v.Error != "" {
			line += ": " + v.Error
		}
		fmt.Fprintln(w, line)
		if text := strings.TrimSpace(v.Text); text != "" {
			fmt.Fprintln(w, text)
		}
		fmt.Fprintln(w)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// variantSummary renders "2/3 ok" plus a partial marker.
func variantSummary(rec history.Record) string {
	ok := 0
	for _, v := range rec.Variants {
		if v.Status == history.VariantComplete {
			ok++
		}
	}
	s := fmt.Sprintf("%d/%d ok", ok, len(rec.Variants))
	if rec.Status == history.StatusPartial {
		s += " " + recordState(rec.Status)
	}
	return s
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

// --- account ---

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage local accounts and allowances",
}

var accountSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Create an account or change its monthly allowance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		allowance, _ := cmd.Flags().GetInt("allowance")
		if allowance < 0 {
			return errors.New("--allowance must not be negative")
		}

		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		acct, err := setAllowance(cmd.Context(), store, args[0], allowance)
		if err != nil {
			return err
		}
		printSuccess("Account %s: allowance %d, used %d", acct.ID, acct.MonthlyAllowance, acct.UsageCount)
		return nil
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an account's allowance and usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		acct, err := store.GetAccount(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("account %q not found", args[0])
		}
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		field(w, "Account", "%s", acct.ID)
		field(w, "Usage", "%d of %d", acct.UsageCount, acct.MonthlyAllowance)
		field(w, "Resets", "%s", acct.ResetAt.Local().Format(time.DateTime))
		return nil
	},
}

func init() {
	accountSetCmd.Flags().Int("allowance", 100, "monthly generation allowance")
	accountCmd.AddCommand(accountSetCmd)
	accountCmd.AddCommand(accountShowCmd)
}

func openLocalStore() (*storage.Store, error) {
	cfg := config.LoadUnchecked()
	return storage.Open(cfg.Storage.DataDir)
}

// setAllowance creates the account or updates its allowance, leaving usage
// and the current period untouched.
func setAllowance(ctx context.Context, store *storage.Store, id string, allowance int) (storage.Account, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Account{}, errors.New("account id is required")
	}
	err := store.UpsertAccount(ctx, storage.Account{
		ID:               id,
		MonthlyAllowance: allowance,
		ResetAt:          quota.NextReset(time.Now()),
	})
	if err != nil {
		return storage.Account{}, fmt.Errorf("saving account: %w", err)
	}
	return store.GetAccount(ctx, id)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadUnchecked()
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			printSuccess("Set %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
