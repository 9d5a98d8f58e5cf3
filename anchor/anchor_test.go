package anchor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-simulator/models"
)

const (
	sender    = "0x00000000000000000000000000000000000000aa"
	recipient = "0x00000000000000000000000000000000000000bb"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func fakeNode(t *testing.T, handle func(req rpcRequest) (interface{}, *string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handle(req)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": 1}
		if rpcErr != nil {
			resp["error"] = map[string]interface{}{"code": -32000, "message": *rpcErr}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func createTip() *models.Block {
	b := models.NewBlock(4, 1700000000000, []models.Transaction{{VoterID: "v1", CandidateID: "Alice"}}, "00ff")
	b.Hash = b.ComputeHash(nil)
	return b
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{RPCHost: "http://node", From: sender}.Validate())
	assert.NoError(t, Config{RPCHost: "http://node", From: sender, To: recipient}.Validate())
	assert.Error(t, Config{From: sender}.Validate())
	assert.Error(t, Config{RPCHost: "http://node", From: "alice"}.Validate())
	assert.Error(t, Config{RPCHost: "http://node", From: sender, To: "0x12"}.Validate())
}

func TestAnchorSendsTipPayload(t *testing.T) {
	var sent map[string]interface{}
	srv := fakeNode(t, func(req rpcRequest) (interface{}, *string) {
		assert.Equal(t, "eth_sendTransaction", req.Method)
		require.Len(t, req.Params, 1)
		require.NoError(t, json.Unmarshal(req.Params[0], &sent))
		return "0xfeed", nil
	})

	a, err := New(Config{RPCHost: srv.URL, From: sender, To: recipient})
	require.NoError(t, err)

	tip := createTip()
	ref, err := a.Anchor(context.Background(), "e1", tip)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", ref)

	assert.Equal(t, sender, strings.ToLower(sent["from"].(string)))
	assert.Equal(t, recipient, strings.ToLower(sent["to"].(string)))

	id, index, hash, err := DecodePayload(sent["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, "e1", id)
	assert.Equal(t, uint64(4), index)
	assert.Equal(t, tip.Hash, hash)
}

func TestAnchorNodeError(t *testing.T) {
	msg := "insufficient funds"
	srv := fakeNode(t, func(req rpcRequest) (interface{}, *string) {
		return nil, &msg
	})

	a, err := New(Config{RPCHost: srv.URL, From: sender})
	require.NoError(t, err)

	_, err = a.Anchor(context.Background(), "e1", createTip())
	require.Error(t, err)
	assert.Contains(t, err.Error(), msg)
}

func TestAnchorHonoursContext(t *testing.T) {
	a, err := New(Config{RPCHost: "http://127.0.0.1:1", From: sender})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Anchor(ctx, "e1", createTip())
	assert.ErrorIs(t, err, context.Canceled)

	_, err = a.Anchor(context.Background(), "e1", nil)
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := fakeNode(t, func(req rpcRequest) (interface{}, *string) {
		assert.Equal(t, "eth_blockNumber", req.Method)
		return "0x1b4", nil
	})

	a, err := New(Config{RPCHost: srv.URL, From: sender})
	require.NoError(t, err)
	n, err := a.Ping()
	require.NoError(t, err)
	assert.Equal(t, 436, n)
}

func TestDecodePayloadRejectsForeignData(t *testing.T) {
	_, _, _, err := DecodePayload("0x6869")
	assert.Error(t, err)
	_, _, _, err = DecodePayload("zz")
	assert.Error(t, err)
}
