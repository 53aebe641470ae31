package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/shift-settlement/settlement"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Signature"

// Webhook POSTs each event as JSON to a fixed URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook constructs a webhook notifier. When secret is set every body is
// signed with HMAC-SHA256 in SignatureHeader; the secret itself never leaves
// the process.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Notify(ctx context.Context, e settlement.Event) error {
	if w == nil || w.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	body, err := json.Marshal(NewPayload(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(e.Type))
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign([]byte(w.secret), body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the SignatureHeader value for body. Receivers recompute it
// and compare with hmac.Equal.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
