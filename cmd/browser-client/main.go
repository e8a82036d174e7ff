// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// browser-client is a demonstration consumer of the broker's public API: it
// creates a session, drives the browser over CDP with Playwright, fetches the
// session's monitoring log, and cleans up after itself.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/playwright-community/playwright-go"
)

var cli struct {
	APIURL string `name:"api-url" default:"http://localhost:8080" env:"MANAGEMENT_API_URL" help:"Base URL of the broker API."`
	URL    string `default:"https://example.com" help:"Page to visit in the demo run."`
	Logs   int    `default:"20" help:"Number of log entries to fetch at the end."`
	Keep   bool   `help:"Leave the session running instead of deleting it."`
}

type sessionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Port   int    `json:"port"`
	CDPURL string `json:"cdp_url"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("browser-client"),
		kong.Description("Demo automation client for the browser session broker."))

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	session, err := createSession(httpClient)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("session %s on port %d (%s)\n", session.ID, session.Port, session.CDPURL)

	if !cli.Keep {
		defer func() {
			if err := deleteSession(httpClient, session.ID); err != nil {
				fmt.Fprintln(os.Stderr, "cleanup failed:", err)
			}
		}()
	}

	if err := automate(session.CDPURL); err != nil {
		return fmt.Errorf("automation: %w", err)
	}

	// Give the tailer a moment to ingest the trailing events.
	time.Sleep(time.Second)

	return printLogs(httpClient, session.ID)
}

func createSession(c *http.Client) (*sessionResponse, error) {
	resp, err := c.Post(cli.APIURL+"/sessions", "application/json", bytes.NewReader([]byte(`{"user_id":"demo-user"}`)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

func automate(cdpURL string) error {
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	defer pw.Stop()

	browser, err := pw.Chromium.ConnectOverCDP(cdpURL)
	if err != nil {
		return fmt.Errorf("connect over cdp: %w", err)
	}
	defer browser.Close()

	contexts := browser.Contexts()
	if len(contexts) == 0 {
		return fmt.Errorf("browser has no default context")
	}
	context := contexts[0]

	var page playwright.Page
	if pages := context.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		if page, err = context.NewPage(); err != nil {
			return fmt.Errorf("new page: %w", err)
		}
	}

	fmt.Println("navigating to", cli.URL)
	if _, err := page.Goto(cli.URL, playwright.PageGotoOptions{
		Timeout: playwright.Float(15000),
	}); err != nil {
		return fmt.Errorf("goto: %w", err)
	}

	if _, err := page.Evaluate(`() => console.log("hello from browser-client")`); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	return nil
}

func printLogs(c *http.Client, sessionID string) error {
	resp, err := c.Get(fmt.Sprintf("%s/sessions/%s/logs?limit=%d", cli.APIURL, sessionID, cli.Logs))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	var logs struct {
		Items []struct {
			Seq      uint64          `json:"seq"`
			Category string          `json:"category"`
			Payload  json.RawMessage `json:"payload"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		return err
	}

	fmt.Printf("\n%d log entries:\n", len(logs.Items))
	for _, item := range logs.Items {
		preview := string(item.Payload)
		if len(preview) > 160 {
			preview = preview[:160] + "..."
		}
		fmt.Printf("%4d [%s] %s\n", item.Seq, item.Category, preview)
	}
	return nil
}

func deleteSession(c *http.Client, sessionID string) error {
	req, err := http.NewRequest(http.MethodDelete, cli.APIURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	fmt.Println("session", sessionID, "terminated")
	return nil
}
