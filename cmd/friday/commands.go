package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/friday/internal/config"
	"github.com/kalambet/friday/internal/history"
	"github.com/kalambet/friday/internal/orchestrator"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <model> <question>",
	Short: "Ask a model a single question",
	Long: `Ask a model a single question without conversation context.

Examples:
  friday ask gemini-2.0-flash "What is the capital of Peru?"
  friday ask gemini-2.0-flash-lite 2+2 --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := ask(cmd.Context(), client, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		fmt.Fprintln(stdout, res.Text)
		printOutcome(string(res.Status), res.Message, res.Warnings...)
		return nil
	},
}

func ask(ctx context.Context, c *apiClient, model, question string) (orchestrator.AskResult, error) {
	var res orchestrator.AskResult
	resp, err := c.post(ctx, "/api/"+url.PathEscape(model), map[string]string{"question": question})
	if err != nil {
		return res, err
	}
	return res, decodeJSON(resp, &res)
}

// --- reason ---

var reasonCmd = &cobra.Command{
	Use:   "reason <question>",
	Short: "Ask a thinking model and show its reasoning",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		hideThinking, _ := cmd.Flags().GetBool("answer-only")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := reason(cmd.Context(), client, model, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if !hideThinking {
			printThinking(res.Thinking)
		}
		fmt.Fprintln(stdout, res.Answer)
		printOutcome(string(res.Status), res.Message)
		return nil
	},
}

func reason(ctx context.Context, c *apiClient, model, question string) (orchestrator.ReasonResult, error) {
	var res orchestrator.ReasonResult
	body := map[string]string{"question": question}
	if model != "" {
		body["model"] = model
	}
	resp, err := c.post(ctx, "/reasoning", body)
	if err != nil {
		return res, err
	}
	return res, decodeJSON(resp, &res)
}

func init() {
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
	reasonCmd.Flags().String("model", "", "thinking model (default: server default)")
	reasonCmd.Flags().Bool("answer-only", false, "hide the reasoning trace")
}

// --- image ---

var imageCmd = &cobra.Command{
	Use:   "image <prompt>",
	Short: "Generate images and save them to a directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("out")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		res, err := generateImage(ctx, client, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if res.TextResponse != "" {
			fmt.Fprintln(stdout, res.TextResponse)
		}
		printOutcome(string(res.Status), res.Warning)

		for _, id := range res.MediaIDs {
			path, err := downloadImage(ctx, client, id, outDir)
			if err != nil {
				return err
			}
			printSuccess("Saved %s", path)
		}
		return nil
	},
}

func generateImage(ctx context.Context, c *apiClient, prompt string) (orchestrator.ImageResult, error) {
	var res orchestrator.ImageResult
	resp, err := c.post(ctx, "/image_generation", map[string]string{"prompt": prompt})
	if err != nil {
		return res, err
	}
	return res, decodeJSON(resp, &res)
}

// downloadImage fetches a stored image and writes it to dir as <id><ext>.
func downloadImage(ctx context.Context, c *apiClient, id, dir string) (string, error) {
	resp, err := c.get(ctx, "/images/"+url.PathEscape(id))
	if err != nil {
		return "", err
	}
	var img struct {
		Image    string `json:"image"`
		MIMEType string `json:"mime_type"`
	}
	if err := decodeJSON(resp, &img); err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(img.Image)
	if err != nil {
		return "", fmt.Errorf("decoding image %s: %w", id, err)
	}

	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(img.MIMEType); len(exts) > 0 {
		ext = exts[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, id+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func init() {
	imageCmd.Flags().String("out", ".", "directory to save images in")
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the server offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		models, err := listModels(cmd.Context(), client)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(models))
		for id := range models {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(stdout, "%s  %s\n", colorize(colorCyan, id), models[id])
		}
		return nil
	},
}

func listModels(ctx context.Context, c *apiClient) (map[string]string, error) {
	resp, err := c.get(ctx, "/")
	if err != nil {
		return nil, err
	}
	var index struct {
		AvailableModels map[string]string `json:"available_models"`
	}
	if err := decodeJSON(resp, &index); err != nil {
		return nil, err
	}
	return index.AvailableModels, nil
}

// --- tts ---

var ttsCmd = &cobra.Command{
	Use:   "tts <text>",
	Short: "Convert text to an MP3 file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := synthesize(cmd.Context(), client, strings.Join(args, " "), out)
		if err != nil {
			return err
		}
		printSuccess("Saved %s", path)
		return nil
	},
}

// synthesize writes the server's audio to out, or to the filename the server
// suggests when out is empty.
func synthesize(ctx context.Context, c *apiClient, text, out string) (string, error) {
	resp, err := c.post(ctx, "/tts", map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", responseError(resp)
	}

	if out == "" {
		out = "tts.mp3"
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
			out = filepath.Base(params["filename"])
		}
	}
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", out, err)
	}
	return out, f.Close()
}

func init() {
	ttsCmd.Flags().String("out", "", "output file (default: name suggested by the server)")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new <model>",
	Short: "Start a new session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sessions", map[string]string{"model": args[0]})
		if err != nil {
			return err
		}
		var sess history.Session
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		fmt.Fprintln(stdout, sess.ID)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions")
		if err != nil {
			return err
		}
		var sessions []history.Session
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(stdout, "No sessions found.")
			return nil
		}
		for _, s := range sessions {
			fmt.Fprintf(stdout, "%s  %s  %-8s %s\n",
				colorize(colorCyan, s.ID),
				s.CreatedAt.Format("2006-01-02 15:04"),
				s.Visibility,
				s.Title,
			)
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/messages")
		if err != nil {
			return err
		}
		var msgs []history.Message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(stdout, "%s %s\n\n", colorize(colorBold, string(m.Role)+":"), m.Content)
		}
		return nil
	},
}

var sessionSendCmd = &cobra.Command{
	Use:   "send <id> <message>",
	Short: "Send a message to a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := sendMessage(cmd.Context(), client, args[0], model, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printThinking(res.Thinking)
		fmt.Fprintln(stdout, res.Answer)
		printOutcome(string(res.Status), res.Message, res.Warnings...)
		return nil
	},
}

func sendMessage(ctx context.Context, c *apiClient, sessionID, model, question string) (orchestrator.SessionResult, error) {
	var res orchestrator.SessionResult
	body := map[string]string{"question": question}
	if model != "" {
		body["model"] = model
	}
	resp, err := c.post(ctx, "/sessions/"+url.PathEscape(sessionID)+"/messages", body)
	if err != nil {
		return res, err
	}
	return res, decodeJSON(resp, &res)
}

var sessionTitleCmd = &cobra.Command{
	Use:   "title <id> [title]",
	Short: "Set a session title, or generate one when none is given",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/sessions/" + url.PathEscape(args[0])

		if len(args) > 1 {
			resp, err := client.patch(cmd.Context(), path, map[string]string{"title": strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}
			var sess history.Session
			if err := decodeJSON(resp, &sess); err != nil {
				return err
			}
			printSuccess("Title set to %q", sess.Title)
			return nil
		}

		resp, err := client.post(cmd.Context(), path+"/title", nil)
		if err != nil {
			return err
		}
		var res orchestrator.TitleResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		fmt.Fprintln(stdout, res.Title)
		printOutcome(string(res.Status), "", res.Warning)
		return nil
	},
}

var sessionShareCmd = &cobra.Command{
	Use:   "share <id> <public|private>",
	Short: "Change who can read a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/sessions/"+url.PathEscape(args[0]), map[string]string{"visibility": args[1]})
		if err != nil {
			return err
		}
		var sess history.Session
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		printSuccess("Session %s is now %s", sess.ID, sess.Visibility)
		return nil
	},
}

func init() {
	sessionSendCmd.Flags().String("model", "", "override the session's model for this message")
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionSendCmd)
	sessionCmd.AddCommand(sessionTitleCmd)
	sessionCmd.AddCommand(sessionShareCmd)
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
