package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/medlit/classify/backend/pkg/inference"
	"github.com/medlit/classify/backend/pkg/progress"
)

type apiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, errBody.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

// parseParams turns k=v pairs into a config map, converting numeric and
// boolean values so the API receives typed hyperparameters.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		switch {
		case value == "true" || value == "false":
			out[key] = value == "true"
		default:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				out[key] = n
			} else if f, err := strconv.ParseFloat(value, 64); err == nil {
				out[key] = f
			} else {
				out[key] = value
			}
		}
	}
	return out, nil
}

func main() {
	client := &apiClient{httpClient: &http.Client{Timeout: 60 * time.Second}}

	root := &cobra.Command{
		Use:           "trainctl",
		Short:         "Operate the medlit classification training service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&client.baseURL, "api", envOrDefault("MEDLIT_API_URL", "http://localhost:8080"), "base URL of the API service")
	root.PersistentFlags().StringVar(&client.apiKey, "key", os.Getenv("MEDLIT_API_KEY"), "API key for mutating commands")

	root.AddCommand(
		modelsCommand(client),
		trainCommand(client),
		cancelCommand(client),
		optimizeCommand(client),
		predictCommand(client),
		watchCommand(client),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func modelsCommand(client *apiClient) *cobra.Command {
	cmd := &cobra.Command{Use: "models", Short: "Inspect registered models"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List models",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client.do(cmd.Context(), http.MethodGet, "/api/models", nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}

	get := &cobra.Command{
		Use:   "get <model-id>",
		Short: "Show one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client.do(cmd.Context(), http.MethodGet, "/api/models/"+args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}

	compare := &cobra.Command{
		Use:   "compare <model-id> <model-id> [model-id...]",
		Short: "Compare trained models' metrics",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client.do(cmd.Context(), http.MethodGet,
				"/api/models/compare?ids="+strings.Join(args, ","), nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}

	results := &cobra.Command{
		Use:   "results <model-id>",
		Short: "List stored prediction results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client.do(cmd.Context(), http.MethodGet, "/api/models/"+args[0]+"/results", nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}

	cmd.AddCommand(list, get, compare, results)
	return cmd
}

func trainCommand(client *apiClient) *cobra.Command {
	var params []string
	var force, watch bool

	cmd := &cobra.Command{
		Use:   "train <model-id>",
		Short: "Start a training job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseParams(params)
			if err != nil {
				return err
			}
			raw, err := client.do(cmd.Context(), http.MethodPost, "/api/models/"+args[0]+"/train",
				map[string]any{"config": cfg, "force": force})
			if err != nil {
				return err
			}
			if err := printJSON(raw); err != nil {
				return err
			}
			if watch {
				return watchStream(cmd.Context(), client, args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "training parameter override, key=value (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "retrain an already trained model")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow training progress after starting")
	return cmd
}

func cancelCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <model-id>",
		Short: "Cancel the model's active job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client.do(cmd.Context(), http.MethodPost, "/api/models/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func optimizeCommand(client *apiClient) *cobra.Command {
	var trials int
	var metric string

	cmd := &cobra.Command{
		Use:   "optimize <model-id>",
		Short: "Start a hyperparameter search job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client.do(cmd.Context(), http.MethodPost, "/api/models/"+args[0]+"/optimize",
				map[string]any{"trials": trials, "metric": metric})
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	cmd.Flags().IntVar(&trials, "trials", 10, "number of search trials")
	cmd.Flags().StringVar(&metric, "metric", "f1_macro", "optimization metric")
	return cmd
}

func predictCommand(client *apiClient) *cobra.Command {
	var texts []string
	var threshold float64
	var persist bool

	cmd := &cobra.Command{
		Use:   "predict <model-id>",
		Short: "Classify texts with a trained model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(texts) == 0 {
				return fmt.Errorf("at least one --text is required")
			}
			raw, err := client.do(cmd.Context(), http.MethodPost, "/api/models/"+args[0]+"/predict",
				map[string]any{"texts": texts, "threshold": threshold, "persist": persist})
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	cmd.Flags().StringArrayVar(&texts, "text", nil, "text to classify (repeatable)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.5, "label score threshold")
	cmd.Flags().BoolVar(&persist, "persist", false, "store the prediction results")
	return cmd
}

func watchCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [model-id]",
		Short: "Follow live training progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := ""
			if len(args) == 1 {
				modelID = args[0]
			}
			return watchStream(cmd.Context(), client, modelID)
		},
	}
}

// watchStream subscribes to the SSE progress stream and renders one
// progress bar per job. An empty modelID follows every model.
func watchStream(ctx context.Context, client *apiClient, modelID string) error {
	path := "/api/training/stream"
	if modelID != "" {
		path = "/api/models/" + modelID + "/stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}

	// Streaming must not time out; use a dedicated client.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream failed: %s", resp.Status)
	}

	bars := make(map[string]*progressbar.ProgressBar)
	return inference.ReadEvents(resp.Body, func(payload json.RawMessage) error {
		var snap progress.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil
		}

		bar, ok := bars[snap.JobID]
		if !ok {
			bar = progressbar.NewOptions(100,
				progressbar.OptionSetDescription(fmt.Sprintf("model %s", snap.ModelID)),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowCount(),
			)
			bars[snap.JobID] = bar
		}
		_ = bar.Set(int(snap.Percentage))

		switch snap.Status {
		case "completed", "failed", "cancelled":
			_ = bar.Finish()
			fmt.Printf("\nmodel %s: %s (epoch %d/%d, accuracy %.3f)\n",
				snap.ModelID, snap.Status, snap.CurrentEpoch, snap.TotalEpochs, snap.Accuracy)
			delete(bars, snap.JobID)
		}
		return nil
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
