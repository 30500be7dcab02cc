package apiclient_test

import (
	"context"
	"errors"
	"testing"

	apiclient "github.com/me56ps2/me56ps2/apiclient"
	apitypes "github.com/me56ps2/me56ps2/apitypes"

	"github.com/stretchr/testify/assert"
)

// testClient constructs a client backed by a simple in-memory responder.
// If err is non-nil, every request returns that error, simulating dial failures.
func testClient(responses map[string]string, err error) *apiclient.Client {
	return apiclient.WithDoer(apiclient.DoerFunc(func(_ context.Context, path string, _ []byte) (string, error) {
		if err != nil {
			return "", err
		}
		return responses[path], nil
	}))
}

func TestHighLevelClient(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(responses map[string]string) (err error)
		call       func(c *apiclient.Client) (any, error)
		wantErr    string
		assertFunc func(t *testing.T, got any)
	}{
		{
			name:  "ping",
			setup: func(responses map[string]string) error { responses["ping"] = `{"server":"me56ps2","version":"dev"}`; return nil },
			call:  func(c *apiclient.Client) (any, error) { return c.Ping() },
			assertFunc: func(t *testing.T, got any) {
				assert.Equal(t, "me56ps2", got.(*apitypes.PingResponse).Server)
			},
		},
		{
			name: "models",
			setup: func(responses map[string]string) error {
				responses["modem/models"] = `{"models":[{"name":"Omron","description":"ME56PS2","vid":"0x0590","pid":"0x001a","speed":"full"}]}`
				return nil
			},
			call: func(c *apiclient.Client) (any, error) { return c.Models("") },
			assertFunc: func(t *testing.T, got any) {
				resp := got.(*apitypes.ModelsResponse)
				assert.Len(t, resp.Models, 1)
				assert.Equal(t, "0x0590", resp.Models[0].Vid)
			},
		},
		{
			name: "status",
			setup: func(responses map[string]string) error {
				responses["modem/status"] = `{"model":"Omron","configured":true,"online":true,"backend":"pty","workers":2,"txBuffered":0,"txCapacity":4096}`
				return nil
			},
			call: func(c *apiclient.Client) (any, error) { return c.Status() },
			assertFunc: func(t *testing.T, got any) {
				st := got.(*apitypes.ModemStatus)
				assert.True(t, st.Online)
				assert.Equal(t, "pty", st.Backend)
			},
		},
		{
			name: "hangup offline",
			setup: func(responses map[string]string) error {
				responses["modem/hangup"] = `{"status":409,"title":"Conflict","detail":"modem is not on-line"}`
				return nil
			},
			call:    func(c *apiclient.Client) (any, error) { return c.Hangup() },
			wantErr: "409 Conflict: modem is not on-line",
		},
		{
			name:    "transport failure",
			setup:   func(responses map[string]string) error { return errors.New("dial fail") },
			call:    func(c *apiclient.Client) (any, error) { return c.Status() },
			wantErr: "dial fail",
		},
		{
			name:    "blank response error",
			setup:   func(responses map[string]string) error { return nil },
			call:    func(c *apiclient.Client) (any, error) { return c.Status() },
			wantErr: "empty response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses := map[string]string{}
			errInject := error(nil)
			if tt.setup != nil {
				if e := tt.setup(responses); e != nil {
					errInject = e
				}
			}
			c := testClient(responses, errInject)
			got, err := tt.call(c)
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
			if tt.assertFunc != nil {
				tt.assertFunc(t, got)
			}
		})
	}
}

func TestContextCancellation(t *testing.T) {
	c := apiclient.New("127.0.0.1:9")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.StatusCtx(ctx)
	assert.Error(t, err)
}

func TestStrictJSONDecode(t *testing.T) {
	c := testClient(map[string]string{"ping": `{"server":"me56ps2","version":"dev","extra":true}`}, nil)
	_, err := c.Ping()
	assert.Error(t, err)
}

func TestModelsSendsName(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		payload string
	}{
		{name: "all models", model: "", payload: ""},
		{name: "one model", model: "SmartSCM", payload: "SmartSCM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotPayload string
			c := apiclient.WithDoer(apiclient.DoerFunc(func(_ context.Context, path string, payload []byte) (string, error) {
				gotPath, gotPayload = path, string(payload)
				return `{"models":[]}`, nil
			}))
			_, err := c.Models(tt.model)
			assert.NoError(t, err)
			assert.Equal(t, "modem/models", gotPath)
			assert.Equal(t, tt.payload, gotPayload)
		})
	}
}
