package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/api"
	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

var (
	scoreTarget  string        // gRPC address of a running proxy
	scoreModel   string        // Model name
	scoreContext []string      // Context fields as key=value
	scoreItems   []string      // Item IDs
	scoreTimeout time.Duration // Request deadline
)

// scoreCmd sends one scoring request to a running proxy
var scoreCmd = &cobra.Command{
	Use:          "score",
	Short:        "Request scores from a running proxy",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScore(cmd.Context(), os.Stdout)
	},
}

// runScore sends the request described by the score flags and writes the
// response to w as indented JSON.
func runScore(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fields, err := parseFields(scoreContext)
	if err != nil {
		return err
	}
	req := &proxy.ScoreRequest{
		ModelName: scoreModel,
		Context:   &proxy.Context{Fields: fields},
		Items:     make([]proxy.Item, 0, len(scoreItems)),
	}
	for _, id := range scoreItems {
		req.Items = append(req.Items, proxy.Item{ID: id})
	}

	client, err := api.Dial(scoreTarget)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(ctx, scoreTimeout)
	defer cancel()
	resp, err := client.GetScores(ctx, req)
	if err != nil {
		return fmt.Errorf("GetScores failed: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// parseFields turns key=value pairs into context fields. Keys may repeat.
func parseFields(pairs []string) ([]proxy.Field, error) {
	fields := make([]proxy.Field, 0, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid context field %q, expected key=value", p)
		}
		fields = append(fields, proxy.Field{Name: strings.TrimSpace(name), Value: value})
	}
	return fields, nil
}

func init() {
	scoreCmd.Flags().StringVar(&scoreTarget, "target", "localhost:50051", "gRPC address of the proxy")
	scoreCmd.Flags().StringVar(&scoreModel, "model", "recsys", "Model name")
	scoreCmd.Flags().StringArrayVar(&scoreContext, "context", nil, "Context field as key=value (repeatable)")
	scoreCmd.Flags().StringSliceVar(&scoreItems, "items", nil, "Comma-separated item IDs")
	scoreCmd.Flags().DurationVar(&scoreTimeout, "timeout", 5*time.Second, "Request deadline")

	rootCmd.AddCommand(scoreCmd)
}
