package miio

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// =============================================================================
// Account parsing
// =============================================================================

func TestParseCloudAccount(t *testing.T) {
	tests := []struct {
		name    string
		account string
		region  string
		wantErr bool
	}{
		{name: "minimal", account: "123456:tok:c2Vj"},
		{name: "with region", account: "123456:tok:c2Vj:de", region: "de"},
		{name: "cn folds to mainland", account: "123456:tok:c2Vj:cn"},
		{name: "missing fields", account: "123456:tok", wantErr: true},
		{name: "non numeric user", account: "alice:tok:c2Vj", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCloudAccount(tt.account)
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Fatalf("ParseCloudAccount() error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCloudAccount() error = %v", err)
			}
			if c.Region != tt.region {
				t.Errorf("Region = %q, want %q", c.Region, tt.region)
			}
		})
	}
}

// =============================================================================
// Signing
// =============================================================================

func TestSignedNonceDeterministic(t *testing.T) {
	ssecurity := base64.StdEncoding.EncodeToString([]byte("sixteen byte sec"))
	nonce := base64.StdEncoding.EncodeToString([]byte("twelve bytes"))

	a, err := signedNonce(ssecurity, nonce)
	if err != nil {
		t.Fatalf("signedNonce() error = %v", err)
	}
	b, err := signedNonce(ssecurity, nonce)
	if err != nil {
		t.Fatalf("signedNonce() error = %v", err)
	}
	if a != b {
		t.Error("signedNonce() not deterministic")
	}

	want := sha256.Sum256(append([]byte("sixteen byte sec"), []byte("twelve bytes")...))
	if a != base64.StdEncoding.EncodeToString(want[:]) {
		t.Errorf("signedNonce() = %q, want sha256(ssecurity||nonce)", a)
	}

	if _, err := signedNonce("!!!", nonce); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("signedNonce(bad ssecurity) error = %v, want ErrInvalidToken", err)
	}
}

func TestCloudSignature(t *testing.T) {
	snonce := base64.StdEncoding.EncodeToString([]byte("signed nonce key"))
	got := cloudSignature("/miotspec/prop/get", snonce, "bm9uY2U=", `{"params":[]}`)

	mac := hmac.New(sha256.New, []byte("signed nonce key"))
	mac.Write([]byte(`/miotspec/prop/get&` + snonce + `&bm9uY2U=&data={"params":[]}`))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Errorf("cloudSignature() = %q, want %q", got, want)
	}
}

// =============================================================================
// Request round trip
// =============================================================================

func cloudTestServer(t *testing.T, handler http.HandlerFunc) *CloudClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &CloudClient{
		UserID:       "123456",
		ServiceToken: "tok",
		Ssecurity:    base64.StdEncoding.EncodeToString([]byte("sixteen byte sec")),
		BaseURL:      srv.URL,
	}
}

func TestCloudGetProperties(t *testing.T) {
	c := cloudTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/miotspec/prop/get" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.FormValue("_nonce") == "" || r.FormValue("signature") == "" {
			t.Error("request not signed")
		}
		var data struct {
			Params []Property `json:"params"`
		}
		if err := json.Unmarshal([]byte(r.FormValue("data")), &data); err != nil {
			t.Errorf("data field undecodable: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"result": []map[string]any{
				{"did": "D1", "siid": 2, "piid": 1, "value": true, "code": 0},
			},
		})
	})

	got, err := c.GetProperties(context.Background(), []Property{{Did: "D1", Siid: 2, Piid: 1}})
	if err != nil {
		t.Fatalf("GetProperties() error = %v", err)
	}
	if len(got) != 1 || got[0].Value != true || !got[0].Ok() {
		t.Errorf("GetProperties() = %+v", got)
	}
}

func TestCloudResultCountMismatch(t *testing.T) {
	c := cloudTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "result": []any{}})
	})

	_, err := c.GetProperties(context.Background(), []Property{{Did: "D1", Siid: 2, Piid: 1}})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("GetProperties() error = %v, want ErrProtocol", err)
	}
}

func TestCloudSessionRejected(t *testing.T) {
	c := cloudTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Request(context.Background(), "/miotspec/prop/get", map[string]any{})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Request() error = %v, want ErrInvalidToken", err)
	}
}

func TestCloudErrorEnvelope(t *testing.T) {
	c := cloudTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": -8, "message": "device offline"})
	})

	_, err := c.Request(context.Background(), "/miotspec/prop/get", map[string]any{})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Request() error = %v, want ErrProtocol", err)
	}
}
