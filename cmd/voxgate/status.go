package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway capacity and session counts",
	RunE:  runStatus,
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript [session-id]",
	Short: "Print a session's journaled turns",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscript,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(transcriptCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/capacity")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var status struct {
		Active    int `json:"active"`
		Max       int `json:"max"`
		Available int `json:"available"`
		Sessions  int `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Connections:  %d / %d (%d available)\n", status.Active, status.Max, status.Available)
	fmt.Printf("Sessions:     %d\n", status.Sessions)
	return nil
}

func runTranscript(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/sessions/" + id + "/transcript")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var turns []struct {
		TurnID    string `json:"turn_id"`
		User      string `json:"user"`
		Assistant string `json:"assistant"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&turns); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	for _, t := range turns {
		fmt.Printf("[%s] User:      %s\n", t.TurnID, t.User)
		fmt.Printf("[%s] Assistant: %s\n\n", t.TurnID, t.Assistant)
	}
	return nil
}
