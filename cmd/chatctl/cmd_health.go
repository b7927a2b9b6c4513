// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Leo-Zh9/chatbot/pkg/ux"
)

// healthCmd checks whether the chatbot server is up.
//
// # Examples
//
//	chatctl health
//	chatctl health --server http://remote:8000
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the chatbot server is reachable",
	Run:   runHealthCommand,
}

func runHealthCommand(cmd *cobra.Command, args []string) {
	baseURL := getServerBaseURL()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}

	if err := checkServerHealth(ctx, client, baseURL); err != nil {
		if colorsEnabled() {
			fmt.Printf("%sServer unreachable: %v%s\n", ux.ColorRed, err, ux.ColorReset)
		} else {
			fmt.Printf("Server unreachable: %v\n", err)
		}
		os.Exit(1)
	}

	if colorsEnabled() {
		fmt.Printf("%sServer healthy at %s%s\n", ux.ColorGreen, baseURL, ux.ColorReset)
	} else {
		fmt.Printf("Server healthy at %s\n", baseURL)
	}
}

// checkServerHealth queries the server's health endpoint and verifies
// the reported status.
func checkServerHealth(ctx context.Context, client *http.Client, baseURL string) error {
	url := fmt.Sprintf("%s/health", baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("unexpected status %q", health.Status)
	}

	return nil
}
