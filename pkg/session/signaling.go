package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// offerPath is appended to the server base URL for SDP exchange.
const offerPath = "/webrtc/offer"

// SignalingClient performs the HTTP offer/answer exchange with the
// voice server. One request per connect attempt; no trickle ICE, the
// offer carries the complete candidate set.
type SignalingClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewSignalingClient builds a client for the given server base URL.
// A trailing slash on the base URL is tolerated.
func NewSignalingClient(baseURL string, logger *slog.Logger) *SignalingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// offerRequest is the body POSTed to the offer endpoint.
type offerRequest struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
}

// answerPayload accepts both answer shapes the server may produce:
// a bare session description or one nested under an "answer" key.
type answerPayload struct {
	Type   string `json:"type"`
	SDP    string `json:"sdp"`
	Answer *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"answer"`
}

// Probe checks that the server is reachable before any media is
// acquired. HEAD is tried first; servers that reject HEAD get a GET.
// Any transport failure or non-2xx status is a SignalingError.
func (c *SignalingClient) Probe(ctx context.Context) error {
	status, err := c.probeOnce(ctx, http.MethodHead)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = c.probeOnce(ctx, http.MethodGet)
	}
	if err != nil {
		return &SignalingError{Op: "probe", Err: err}
	}
	if status < 200 || status > 299 {
		return &SignalingError{Op: "probe", Status: status}
	}
	return nil
}

func (c *SignalingClient) probeOnce(ctx context.Context, method string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// ExchangeOffer POSTs the local offer and returns the remote answer SDP.
// A response that does not contain an answer description is a
// NegotiationError; HTTP-level failures are SignalingErrors.
func (c *SignalingClient) ExchangeOffer(ctx context.Context, sessionID, offerType, offerSDP string) (string, string, error) {
	body, err := json.Marshal(offerRequest{
		SessionID: sessionID,
		Type:      offerType,
		SDP:       offerSDP,
	})
	if err != nil {
		return "", "", &SignalingError{Op: "offer", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+offerPath, bytes.NewReader(body))
	if err != nil {
		return "", "", &SignalingError{Op: "offer", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", &SignalingError{Op: "offer", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", &SignalingError{Op: "offer", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", &SignalingError{Op: "offer", Status: resp.StatusCode}
	}

	var payload answerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", &NegotiationError{Op: "answer decode", Err: err}
	}

	answerType, answerSDP := payload.Type, payload.SDP
	if payload.Answer != nil {
		answerType, answerSDP = payload.Answer.Type, payload.Answer.SDP
	}
	if answerSDP == "" {
		return "", "", &NegotiationError{Op: "answer decode", Err: fmt.Errorf("response contains no session description")}
	}
	if answerType == "" {
		answerType = "answer"
	}

	c.logger.Debug("answer received", "sessionID", sessionID, "sdpLen", len(answerSDP))
	return answerType, answerSDP, nil
}
