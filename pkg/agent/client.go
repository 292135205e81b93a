package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

const (
	METHOD_ADD_URI     = "aria2.addUri"
	METHOD_TELL_STATUS = "aria2.tellStatus"

	TOKEN_PREFIX = "token:"
)

// Agent is the external download agent contract
type Agent interface {
	Submit(ctx context.Context, url, saveDir, outFile string, headers map[string]string) (string, error)
	GetStatus(ctx context.Context, taskID string) (*Status, error)
}

type Status struct {
	DownloadSpeed   int64
	CompletedLength int64
	TotalLength     int64
}

// Client talks JSON-RPC 2.0 to an aria2 daemon
type Client struct {
	rpcURL string
	secret string
	client *http.Client
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func NewClient(rpcURL, secret string, timeout time.Duration) *Client {
	return &Client{
		rpcURL: rpcURL,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.secret != "" {
		params = append([]interface{}{TOKEN_PREFIX + c.secret}, params...)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return xerrors.Errorf("failed to encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("failed to create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return xerrors.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Errorf("failed to read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return xerrors.Errorf("invalid %s response (http %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return xerrors.Errorf("%s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if resp.StatusCode != http.StatusOK {
		return xerrors.Errorf("%s returned http %d", method, resp.StatusCode)
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return xerrors.Errorf("invalid %s result: %w", method, err)
	}
	return nil
}

// Submit starts a download of url into saveDir/outFile and returns the task GID
func (c *Client) Submit(ctx context.Context, url, saveDir, outFile string, headers map[string]string) (string, error) {
	logger := log.WithFields(log.Fields{
		"name":     "agent",
		"function": "Submit",
	})

	options := map[string]interface{}{
		"dir": saveDir,
		"out": outFile,
	}
	if len(headers) > 0 {
		// sorted so the agent sees a stable header order
		names := maps.Keys(headers)
		slices.Sort(names)
		hs := make([]string, 0, len(headers))
		for _, k := range names {
			hs = append(hs, fmt.Sprintf("%s: %s", k, headers[k]))
		}
		options["header"] = hs
	}

	var gid string
	err := c.call(ctx, METHOD_ADD_URI, []interface{}{[]string{url}, options}, &gid)
	if err != nil {
		return "", err
	}

	logger.Debugf("download task created, gid: %s, url: %s", gid, url)
	return gid, nil
}

func (c *Client) GetStatus(ctx context.Context, taskID string) (*Status, error) {
	var raw map[string]string
	keys := []string{"downloadSpeed", "completedLength", "totalLength"}
	err := c.call(ctx, METHOD_TELL_STATUS, []interface{}{taskID, keys}, &raw)
	if err != nil {
		return nil, err
	}

	return &Status{
		DownloadSpeed:   parseInt(raw["downloadSpeed"]),
		CompletedLength: parseInt(raw["completedLength"]),
		TotalLength:     parseInt(raw["totalLength"]),
	}, nil
}

// aria2 reports numbers as strings, missing or garbage values count as 0
func parseInt(value string) int64 {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
