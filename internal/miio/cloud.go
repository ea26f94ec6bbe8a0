package miio

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CloudClient speaks the vendor cloud RPC: HTTPS POSTs to api.io.mi.com
// with a per-request nonce and an HMAC-SHA256 signature derived from the
// account's ssecurity. Login is out of band; the client consumes an
// already-established session (user id, service token, ssecurity).
type CloudClient struct {
	UserID       string
	ServiceToken string
	Ssecurity    string // base64, from login
	Region       string // "", "de", "sg", ...

	HTTPClient *http.Client
	BaseURL    string // overrides the regional endpoint, for tests
}

const cloudAPIHost = "api.io.mi.com"

func (c *CloudClient) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	host := cloudAPIHost
	if c.Region != "" && c.Region != "cn" {
		host = c.Region + "." + cloudAPIHost
	}
	return "https://" + host + "/app"
}

func (c *CloudClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: DefaultCloudTimeout}
}

// nonce is 8 random bytes plus the minute counter, base64-encoded.
func cloudNonce() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf[:8]); err != nil {
		return "", err
	}
	binary.BigEndian.PutUint32(buf[8:], uint32(time.Now().Unix()/60))
	return base64.StdEncoding.EncodeToString(buf), nil
}

// signedNonce = base64(sha256(ssecurity ‖ nonce)).
func signedNonce(ssecurity, nonce string) (string, error) {
	sec, err := base64.StdEncoding.DecodeString(ssecurity)
	if err != nil {
		return "", fmt.Errorf("%w: bad ssecurity", ErrInvalidToken)
	}
	non, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("%w: bad nonce", ErrProtocol)
	}
	sum := sha256.Sum256(append(sec, non...))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// cloudSignature = base64(hmac-sha256(signedNonce, path&signedNonce&nonce&data=...)).
func cloudSignature(path, snonce, nonce, data string) string {
	msg := strings.Join([]string{path, snonce, nonce, "data=" + data}, "&")
	mac := hmac.New(sha256.New, mustBase64(snonce))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func mustBase64(s string) []byte {
	b, _ := base64.StdEncoding.DecodeString(s)
	return b
}

// Request performs one signed RPC call. data is serialized as the `data`
// form field; the decoded `result` member is returned.
func (c *CloudClient) Request(ctx context.Context, path string, data any) (json.RawMessage, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrProtocol, err)
	}

	nonce, err := cloudNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	snonce, err := signedNonce(c.Ssecurity, nonce)
	if err != nil {
		return nil, err
	}
	sig := cloudSignature(path, snonce, nonce, string(body))

	form := url.Values{
		"_nonce":    {nonce},
		"data":      {string(body)},
		"signature": {sig},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL()+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-xiaomi-protocal-flag-cli", "PROTOCAL-HTTP2")
	req.AddCookie(&http.Cookie{Name: "userId", Value: c.UserID})
	req.AddCookie(&http.Cookie{Name: "serviceToken", Value: c.ServiceToken})

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: cloud session rejected (%d)", ErrInvalidToken, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: cloud status %d", ErrProtocol, resp.StatusCode)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding cloud response: %w", ErrProtocol, err)
	}
	if envelope.Code != 0 {
		return nil, fmt.Errorf("%w: cloud code %d: %s", ErrProtocol, envelope.Code, envelope.Message)
	}
	return envelope.Result, nil
}

// GetProperties reads MIoT properties via the cloud. Every entry must
// carry a did; the cloud addresses devices globally.
func (c *CloudClient) GetProperties(ctx context.Context, props []Property) ([]Property, error) {
	raw, err := c.Request(ctx, "/miotspec/prop/get", map[string]any{"params": props})
	if err != nil {
		return nil, err
	}
	var out []Property
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding property result: %w", ErrProtocol, err)
	}
	if len(out) != len(props) {
		return nil, fmt.Errorf("%w: requested %d properties, cloud answered %d", ErrProtocol, len(props), len(out))
	}
	return out, nil
}

// SetProperties writes MIoT properties via the cloud.
func (c *CloudClient) SetProperties(ctx context.Context, props []Property) ([]Property, error) {
	raw, err := c.Request(ctx, "/miotspec/prop/set", map[string]any{"params": props})
	if err != nil {
		return nil, err
	}
	var out []Property
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding property result: %w", ErrProtocol, err)
	}
	return out, nil
}

// DeviceList fetches the account's device records for import.
func (c *CloudClient) DeviceList(ctx context.Context) ([]CloudDevice, error) {
	raw, err := c.Request(ctx, "/home/device_list", map[string]any{
		"getVirtualModel": false,
		"getHuamiDevices": 0,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		List []CloudDevice `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding device list: %w", ErrProtocol, err)
	}
	return result.List, nil
}

// CloudDevice is one entry of the account's device list.
type CloudDevice struct {
	Did     string `json:"did"`
	Token   string `json:"token"`
	Model   string `json:"model"`
	Name    string `json:"name"`
	LocalIP string `json:"localip"`
	MAC     string `json:"mac"`
	Online  bool   `json:"isOnline"`
}

// parseRegion normalizes operator region strings ("", "cn", "DE"...).
func parseRegion(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "cn" {
		return ""
	}
	return s
}

// ParseCloudAccount builds a client from "userId:serviceToken:ssecurity[:region]".
func ParseCloudAccount(account string) (*CloudClient, error) {
	parts := strings.Split(account, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: cloud account must be userId:serviceToken:ssecurity[:region]", ErrProtocol)
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: cloud user id %q not numeric", ErrProtocol, parts[0])
	}
	c := &CloudClient{UserID: parts[0], ServiceToken: parts[1], Ssecurity: parts[2]}
	if len(parts) > 3 {
		c.Region = parseRegion(parts[3])
	}
	return c, nil
}
