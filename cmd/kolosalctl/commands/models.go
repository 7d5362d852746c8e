package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type modelSummary struct {
	ModelID        string `json:"model_id"`
	Status         string `json:"status"`
	InferenceReady bool   `json:"inference_ready"`
}

type modelListResponse struct {
	Models []modelSummary `json:"models"`
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage models registered with kolosal-server",
	}
	cmd.AddCommand(newModelsListCmd(), newModelsAddCmd(), newModelsRemoveCmd(), newModelsStatusCmd())
	return cmd
}

func newModelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp modelListResponse
			if err := cli.get(cmd.Context(), "/models", &resp); err != nil {
				return fmt.Errorf("listing models: %w", err)
			}
			if len(resp.Models) == 0 {
				cmd.Println("No registered models")
				return nil
			}

			table := tablewriter.NewTable(os.Stdout,
				tablewriter.WithHeader([]string{"MODEL", "STATUS", "LOADED"}),
			)
			for _, m := range resp.Models {
				table.Append([]string{m.ModelID, m.Status, fmt.Sprintf("%t", m.InferenceReady)})
			}
			table.Render()
			return nil
		},
	}
}

type modelLoadParams struct {
	ContextLength int `json:"n_ctx,omitempty"`
	GPULayers     int `json:"gpu_layers,omitempty"`
}

type modelAddRequest struct {
	ModelID         string          `json:"model_id"`
	ModelPath       string          `json:"model_path"`
	BackendName     string          `json:"backend_name,omitempty"`
	MainGPUID       int             `json:"main_gpu_id"`
	LoadImmediately bool            `json:"load_immediately"`
	LoadParams      modelLoadParams `json:"load_params"`
}

func newModelsAddCmd() *cobra.Command {
	var (
		modelID     string
		modelPath   string
		backend     string
		gpuID       int
		contextLen  int
		gpuLayers   int
		loadNow     bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register (and optionally load) a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelID == "" || modelPath == "" {
				return fmt.Errorf("--id and --path are required")
			}
			req := modelAddRequest{
				ModelID:         modelID,
				ModelPath:       modelPath,
				BackendName:     backend,
				MainGPUID:       gpuID,
				LoadImmediately: loadNow,
				LoadParams: modelLoadParams{
					ContextLength: contextLen,
					GPULayers:     gpuLayers,
				},
			}
			var resp map[string]any
			if err := cli.post(cmd.Context(), "/models", req, &resp); err != nil {
				return fmt.Errorf("adding model: %w", err)
			}
			cmd.Printf("Registered model: %s\n", modelID)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "id", "", "model identifier")
	cmd.Flags().StringVar(&modelPath, "path", "", "local path or URL to the model weights")
	cmd.Flags().StringVar(&backend, "backend", "", "inference engine backend name (defaults to server config)")
	cmd.Flags().IntVar(&gpuID, "gpu", -1, "GPU id to bind this model to (-1 for automatic selection)")
	cmd.Flags().IntVar(&contextLen, "n-ctx", 0, "context length override")
	cmd.Flags().IntVar(&gpuLayers, "gpu-layers", 0, "GPU offload layer count override")
	cmd.Flags().BoolVar(&loadNow, "load", false, "load the model immediately instead of only registering it")

	return cmd
}

func newModelsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove MODEL",
		Aliases: []string{"rm"},
		Short:   "Unregister a model and unload it if loaded",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.delete(cmd.Context(), "/models/"+args[0], nil); err != nil {
				return fmt.Errorf("removing model: %w", err)
			}
			cmd.Printf("Removed model: %s\n", args[0])
			return nil
		},
	}
}

func newModelsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status MODEL",
		Short: "Show a model's current lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := cli.get(cmd.Context(), "/models/"+args[0]+"/status", &resp); err != nil {
				return fmt.Errorf("getting model status: %w", err)
			}
			cmd.Printf("%s: %v\n", args[0], resp["status"])
			return nil
		},
	}
}
