package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const usage = `agentctl <command> [flags]

Commands:
  info        Show gateway metadata
  providers   List the pricing catalog
  optimize    Optimize a prompt (-prompt, -provider, -max-cost, -wallet)
  chat        Send a chat message (-prompt, -provider, -model, -wallet)
  analytics   Show wallet analytics (-wallet)
  connect     Connect a wallet (-wallet)
  deposit     Deposit into a wallet (-wallet, -amount)
  settle      Settle accrued fees (-wallet)
`

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	baseURL := flags.String("base-url", envOr("GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
	apiKey := flags.String("api-key", envOr("GATEWAY_API_KEY", ""), "API key (oa_...)")
	prompt := flags.String("prompt", "", "Prompt text")
	providerName := flags.String("provider", "", "Provider name")
	model := flags.String("model", "", "Model name (chat)")
	wallet := flags.String("wallet", "", "Wallet address (0x...)")
	amount := flags.Float64("amount", 0, "Deposit amount in USD")
	maxCost := flags.Float64("max-cost", 0, "Max optimized cost in USD (0 = no cap)")
	timeout := flags.Duration("timeout", 60*time.Second, "HTTP timeout")
	_ = flags.Parse(os.Args[2:])

	client := &gatewayClient{
		baseURL: strings.TrimRight(*baseURL, "/"),
		apiKey:  *apiKey,
		http:    &http.Client{Timeout: *timeout},
	}

	var result any
	var err error
	switch command {
	case "info":
		result, err = client.get("/api/v1/info")
	case "providers":
		result, err = client.get("/api/v1/providers")
	case "optimize":
		result, err = client.post("/api/v1/optimize", map[string]any{
			"prompt":         *prompt,
			"provider":       *providerName,
			"max_cost_usd":   *maxCost,
			"wallet_address": *wallet,
		})
	case "chat":
		result, err = client.post("/api/v1/chat", map[string]any{
			"provider":       *providerName,
			"model":          *model,
			"wallet_address": *wallet,
			"messages": []map[string]string{
				{"role": "user", "content": *prompt},
			},
		})
	case "analytics":
		result, err = client.get("/api/v1/analytics?wallet_address=" + *wallet)
	case "connect":
		result, err = client.post("/api/v1/wallet/connect", map[string]any{
			"wallet_address": *wallet,
		})
	case "deposit":
		result, err = client.post("/api/v1/wallet/"+*wallet+"/deposit", map[string]any{
			"amount": *amount,
		})
	case "settle":
		result, err = client.post("/api/v1/wallet/"+*wallet+"/settle", nil)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	pretty, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(pretty))
}

type gatewayClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *gatewayClient) get(path string) (any, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *gatewayClient) post(path string, body any) (any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *gatewayClient) do(req *http.Request) (any, error) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("%s: %s", resp.Status, envelope.Error)
	}
	var data any
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
