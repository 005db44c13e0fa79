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

	"github.com/base/discovery-engine/internal/logging"
)

// etherscanResponse is the envelope every Etherscan-family API returns.
type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// sourceCodeEntry matches the getsourcecode result shape.
type sourceCodeEntry struct {
	SourceCode           string `json:"SourceCode"`
	ABI                  string `json:"ABI"`
	ContractName         string `json:"ContractName"`
	CompilerVersion      string `json:"CompilerVersion"`
	ConstructorArguments string `json:"ConstructorArguments"`
	Proxy                string `json:"Proxy"`
	Implementation       string `json:"Implementation"`
}

// EtherscanService fetches verified source from an Etherscan-family block
// explorer API.
type EtherscanService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewEtherscanService(baseURL, apiKey string) *EtherscanService {
	return &EtherscanService{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch builds the layered source record for addr and its implementations.
// Any layer that is unverified or unreachable contributes no hash; a fully
// missing record still returns a usable (empty) Record.
func (s *EtherscanService) Fetch(ctx context.Context, addr common.Address, impls []common.Address) (*Record, error) {
	rec := &Record{}
	layers := append([]common.Address{addr}, impls...)
	var abiParts []string

	for i, layer := range layers {
		entry, err := s.getSourceCode(ctx, layer)
		if err != nil {
			logging.Logger().Warn("source fetch failed",
				"address", strings.ToLower(layer.Hex()), "layer", i, "err", err)
			continue
		}
		if entry.SourceCode == "" {
			continue
		}
		files := canonicalizeSources(entry.ContractName, entry.SourceCode)
		rec.Names = append(rec.Names, entry.ContractName)
		rec.Sources = append(rec.Sources, files)
		rec.SourceHashes = append(rec.SourceHashes, HashSource(files))
		if i == 0 && entry.ConstructorArguments != "" {
			rec.ConstructorArguments = common.FromHex(entry.ConstructorArguments)
		}
		if entry.ABI != "" && entry.ABI != "Contract source code not verified" {
			if part := strings.Trim(strings.TrimSpace(entry.ABI), "[]"); part != "" {
				abiParts = append(abiParts, part)
			}
		}
	}

	if len(abiParts) > 0 {
		merged := "[" + strings.Join(abiParts, ",") + "]"
		if parsed, err := abi.JSON(strings.NewReader(merged)); err == nil {
			rec.ABI = &parsed
		} else {
			logging.Logger().Warn("abi parse failed",
				"address", strings.ToLower(addr.Hex()), "err", err)
		}
	}
	return rec, nil
}

func (s *EtherscanService) getSourceCode(ctx context.Context, addr common.Address) (*sourceCodeEntry, error) {
	q := url.Values{}
	q.Set("module", "contract")
	q.Set("action", "getsourcecode")
	q.Set("address", addr.Hex())
	if s.apiKey != "" {
		q.Set("apikey", s.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server error %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope etherscanResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Status != "1" {
		return nil, fmt.Errorf("api error: %s", envelope.Message)
	}

	var entries []sourceCodeEntry
	if err := json.Unmarshal(envelope.Result, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("empty result")
	}
	return &entries[0], nil
}

// canonicalizeSources normalizes the three shapes Etherscan serves: a bare
// source file, a standard-json-input document, and the double-braced variant
// of the latter.
func canonicalizeSources(name, raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	if strings.HasPrefix(trimmed, "{") {
		var doc struct {
			Sources map[string]struct {
				Content string `json:"content"`
			} `json:"sources"`
		}
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil && len(doc.Sources) > 0 {
			files := make(map[string]string, len(doc.Sources))
			for file, src := range doc.Sources {
				files[file] = src.Content
			}
			return files
		}
		// Flat map form: file name -> {content}.
		var flat map[string]struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(trimmed), &flat); err == nil && len(flat) > 0 {
			files := make(map[string]string, len(flat))
			for file, src := range flat {
				files[file] = src.Content
			}
			return files
		}
	}
	return map[string]string{name + ".sol": raw}
}
