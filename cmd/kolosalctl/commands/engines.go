package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type engineInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	LibraryPath string `json:"library_path"`
	IsLoaded    bool   `json:"is_loaded"`
}

type engineListResponse struct {
	Engines []engineInfo `json:"engines"`
}

func newEnginesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "Manage inference engine backends",
	}
	cmd.AddCommand(newEnginesListCmd(), newEnginesRegisterCmd())
	return cmd
}

func newEnginesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured inference engine backends",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp engineListResponse
			if err := cli.get(cmd.Context(), "/inference-engines", &resp); err != nil {
				return fmt.Errorf("listing engines: %w", err)
			}
			if len(resp.Engines) == 0 {
				cmd.Println("No inference engine backends configured")
				return nil
			}

			table := tablewriter.NewTable(os.Stdout,
				tablewriter.WithHeader([]string{"NAME", "LOADED", "LIBRARY PATH"}),
			)
			for _, e := range resp.Engines {
				table.Append([]string{e.Name, fmt.Sprintf("%t", e.IsLoaded), e.LibraryPath})
			}
			table.Render()
			return nil
		},
	}
}

type engineRegisterRequest struct {
	Name          string `json:"name"`
	LibraryPath   string `json:"library_path"`
	Description   string `json:"description,omitempty"`
	LoadOnStartup bool   `json:"load_on_startup"`
}

func newEnginesRegisterCmd() *cobra.Command {
	var (
		name        string
		libraryPath string
		description string
		loadNow     bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new inference engine backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || libraryPath == "" {
				return fmt.Errorf("--name and --library-path are required")
			}
			req := engineRegisterRequest{
				Name:          name,
				LibraryPath:   libraryPath,
				Description:   description,
				LoadOnStartup: loadNow,
			}
			var resp map[string]any
			if err := cli.post(cmd.Context(), "/inference-engines", req, &resp); err != nil {
				return fmt.Errorf("registering engine: %w", err)
			}
			cmd.Printf("Registered inference engine: %s\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "backend name")
	cmd.Flags().StringVar(&libraryPath, "library-path", "", "path to the backend's shared library")
	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	cmd.Flags().BoolVar(&loadNow, "load", false, "load the backend immediately after registering it")

	return cmd
}
