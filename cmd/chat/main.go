package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
)

type frame struct {
	Type    string          `json:"typ"`
	Content string          `json:"content"`
	Step    json.RawMessage `json:"step"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "agent server URL")
	model := flag.String("model", "", "model override")
	verbose := flag.Bool("v", false, "print reasoning and steps")
	session := flag.String("session", uuid.NewString(), "chat session id")
	flag.Parse()

	fmt.Println("CoT Agent CLI Chat")
	fmt.Printf("Server: %s | Session: %s\n", *server, *session)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /plugins")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/plugins" {
			fetchPlugins(*server)
			continue
		}

		sendMessage(*server, *session, *model, input, *verbose)
	}
}

func fetchPlugins(server string) {
	resp, err := http.Get(server + "/api/plugins")
	if err != nil {
		printError("Failed to fetch plugins: %v", err)
		return
	}
	defer resp.Body.Close()

	var plugins []map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&plugins); err != nil {
		printError("Failed to parse plugins: %v", err)
		return
	}
	fmt.Println("Available plugins:")
	for _, p := range plugins {
		fmt.Printf("  %s (%s)\n", p["name"], p["kind"])
	}
}

func sendMessage(server, session, model, question string, verbose bool) {
	body, _ := json.Marshal(map[string]string{
		"session_id": session,
		"question":   question,
		"model":      model,
	})

	resp, err := http.Post(server+"/api/v1/agent/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			fmt.Println()
			return
		}
		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			printError("Bad frame: %v", err)
			continue
		}
		switch f.Type {
		case "content":
			fmt.Print(f.Content)
		case "reasoning_content":
			if verbose {
				fmt.Printf("\033[90m%s\033[0m", f.Content)
			}
		case "cot_step":
			if verbose {
				fmt.Printf("\n\033[36m[step]\033[0m %s\n", f.Step)
			}
		case "error":
			printError("\n[%d] %s", f.Code, f.Message)
		}
	}
	if err := sc.Err(); err != nil {
		printError("Stream interrupted: %v", err)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
