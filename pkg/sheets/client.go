// Package sheets delivers balances to the spreadsheet web app. The web
// app exposes a single POST endpoint guarded by a pre-shared key; one
// request updates one cell.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qbsync/qbsync/pkg/engine"
	"github.com/qbsync/qbsync/pkg/telemetry"
)

// userAgent identifies the service to the web app.
const userAgent = "QuickBooks-Sheets-Sync/1.0"

// defaultTimeout bounds one delivery round trip.
const defaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a reply is read.
const maxResponseBytes = 1 << 20

// updateRequest is the web app's cell update payload.
type updateRequest struct {
	AccountNumber string      `json:"accountNumber"`
	AccountValue  json.Number `json:"accountValue"`
	SpreadsheetID string      `json:"spreadsheetId"`
	CellAddress   string      `json:"cellAddress"`
	SheetName     string      `json:"sheetName,omitempty"`
	APIKey        string      `json:"apiKey"`
}

// updateResponse is the web app's reply. A rejected update carries Error,
// an accepted one may carry Message.
type updateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client posts balances to the spreadsheet web app.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tel     *telemetry.Telemetry
}

// NewClient creates a sink client for the web app at baseURL. A
// non-positive timeout falls back to the 30 second default.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		tel:     telemetry.Nop(),
	}
}

// WithTelemetry attaches logging and metrics.
func (c *Client) WithTelemetry(t *telemetry.Telemetry) *Client {
	if t != nil {
		c.tel = t
	}
	return c
}

// Deliver posts one balance to the block's destination cell. The amount
// is encoded with the decimal's exact digits, never through a float.
func (c *Client) Deliver(ctx context.Context, block engine.SyncBlock, balance engine.AccountBalance) error {
	payload := updateRequest{
		AccountNumber: block.Account,
		AccountValue:  json.Number(balance.Amount.String()),
		SpreadsheetID: block.SpreadsheetID,
		CellAddress:   block.Cell,
		SheetName:     block.SheetName,
		APIKey:        c.apiKey,
	}
	return c.post(ctx, payload, block.Label())
}

// Ping verifies the web app and the pre-shared key by posting the TEST
// marker update the web app answers without touching ledger data. The
// block only supplies destination coordinates.
func (c *Client) Ping(ctx context.Context, block engine.SyncBlock) error {
	payload := updateRequest{
		AccountNumber: "TEST",
		AccountValue:  json.Number("0"),
		SpreadsheetID: block.SpreadsheetID,
		CellAddress:   block.Cell,
		SheetName:     block.SheetName,
		APIKey:        c.apiKey,
	}
	return c.post(ctx, payload, "ping")
}

// post sends one update and decodes the web app's verdict.
func (c *Client) post(ctx context.Context, payload updateRequest, label string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return engine.NewPermanentError(engine.ErrCodeSinkDeliveryFailed,
			fmt.Errorf("encode update: %w", err)).WithBlock(label)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return engine.NewPermanentError(engine.ErrCodeSinkDeliveryFailed, err).WithBlock(label)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	timer := telemetry.NewTimer()
	resp, err := c.http.Do(req)
	if err != nil {
		c.tel.Metrics.RecordSinkRequest("error", timer.Duration())
		return engine.NewTransientError(engine.ErrCodeSinkDeliveryFailed, err).WithBlock(label)
	}
	defer resp.Body.Close()

	c.tel.Metrics.RecordSinkRequest(strconv.Itoa(resp.StatusCode), timer.Duration())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.NewTransientError(engine.ErrCodeSinkDeliveryFailed,
			fmt.Errorf("read response: %w", err)).WithBlock(label)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engine.NewTransientError(engine.ErrCodeSinkDeliveryFailed,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))).WithBlock(label)
	}

	var reply updateResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return engine.NewPermanentError(engine.ErrCodeSinkDeliveryFailed,
			fmt.Errorf("parse response: %w", err)).WithBlock(label)
	}
	if !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "no error detail"
		}
		return engine.NewTransientError(engine.ErrCodeSinkDeliveryFailed,
			fmt.Errorf("web app rejected update: %s", msg)).WithBlock(label)
	}

	c.tel.Logger.NewComponentLogger("sheets").
		WithBlock(label).
		WithField("message", reply.Message).
		Debug("Update accepted")
	return nil
}
