package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"exploitscan/pkg/snapshot"
)

// EtherscanClient fetches verified contract source and ABI. The result is an
// enrichment: callers degrade to a built-in interface when retrieval fails.
type EtherscanClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewEtherscanClient builds a client against the given API endpoint.
func NewEtherscanClient(baseURL, apiKey string, timeout time.Duration, logger *logrus.Logger) *EtherscanClient {
	if baseURL == "" {
		baseURL = "https://api.etherscan.io/api"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EtherscanClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithField("component", "source"),
	}
}

type etherscanEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type sourceRecord struct {
	SourceCode   string `json:"SourceCode"`
	ABI          string `json:"ABI"`
	ContractName string `json:"ContractName"`
	Proxy        string `json:"Proxy"`
}

// Describe returns the snapshot interface description and the verified
// source text for a contract. Unverified contracts are an error.
func (c *EtherscanClient) Describe(ctx context.Context, addr common.Address) (snapshot.InterfaceDescription, string, error) {
	record, err := c.fetchSource(ctx, addr)
	if err != nil {
		return snapshot.InterfaceDescription{}, "", err
	}

	if record.ABI == "" || strings.Contains(record.ABI, "not verified") {
		return snapshot.InterfaceDescription{}, "", fmt.Errorf("contract %s has no verified ABI", addr.Hex())
	}
	parsed, err := abi.JSON(strings.NewReader(record.ABI))
	if err != nil {
		return snapshot.InterfaceDescription{}, "", fmt.Errorf("parse verified ABI for %s: %w", addr.Hex(), err)
	}

	name := record.ContractName
	if name == "" {
		name = addr.Hex()
	}
	c.log.WithFields(logrus.Fields{"address": addr.Hex(), "contract": name}).Debug("verified source retrieved")
	return snapshot.FromABI(name, parsed), record.SourceCode, nil
}

func (c *EtherscanClient) fetchSource(ctx context.Context, addr common.Address) (*sourceRecord, error) {
	query := url.Values{
		"module":  {"contract"},
		"action":  {"getsourcecode"},
		"address": {addr.Hex()},
	}
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source for %s: %w", addr.Hex(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source API returned %d for %s", resp.StatusCode, addr.Hex())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read source response: %w", err)
	}

	var envelope etherscanEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode source response: %w", err)
	}
	if envelope.Status != "1" {
		// The API reports errors as a string result.
		var detail string
		_ = json.Unmarshal(envelope.Result, &detail)
		return nil, fmt.Errorf("source API error for %s: %s %s", addr.Hex(), envelope.Message, detail)
	}

	var records []sourceRecord
	if err := json.Unmarshal(envelope.Result, &records); err != nil {
		return nil, fmt.Errorf("decode source records: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no source record for %s", addr.Hex())
	}
	return &records[0], nil
}
