// Package anchor publishes the final tip of an election chain to an
// Ethereum-compatible node, so the sealed result can be checked against a
// record the simulator does not control.
package anchor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/onrik/ethrpc"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"voting-simulator/models"
)

const payloadPrefix = "evote"

const defaultGas = 100000

type Config struct {
	RPCHost string
	From    string
	To      string
	Gas     int
}

// Validate checks the addresses without contacting the node.
func (c Config) Validate() error {
	if c.RPCHost == "" {
		return errors.New("anchor rpc host is required")
	}
	if !common.IsHexAddress(c.From) {
		return errors.Errorf("invalid anchor sender address %q", c.From)
	}
	if c.To != "" && !common.IsHexAddress(c.To) {
		return errors.Errorf("invalid anchor recipient address %q", c.To)
	}
	return nil
}

// Anchorer sends one zero-value transaction per election whose data field
// carries the election id and tip hash.
type Anchorer struct {
	client *ethrpc.EthRPC
	from   common.Address
	to     common.Address
	gas    int
}

func New(cfg Config) (*Anchorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	from := common.HexToAddress(cfg.From)
	to := from
	if cfg.To != "" {
		to = common.HexToAddress(cfg.To)
	}
	gas := cfg.Gas
	if gas <= 0 {
		gas = defaultGas
	}

	return &Anchorer{
		client: ethrpc.New(cfg.RPCHost),
		from:   from,
		to:     to,
		gas:    gas,
	}, nil
}

// Ping returns the node's current block number.
func (a *Anchorer) Ping() (int, error) {
	n, err := a.client.EthBlockNumber()
	if err != nil {
		return 0, errors.Wrap(err, "failed to reach anchor node")
	}
	return n, nil
}

// Anchor submits the tip and returns the node's transaction hash.
func (a *Anchorer) Anchor(ctx context.Context, electionID string, tip *models.Block) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if tip == nil || tip.Hash == "" {
		return "", errors.New("nothing to anchor")
	}

	data := EncodePayload(electionID, tip)
	txHash, err := a.client.EthSendTransaction(ethrpc.T{
		From: a.from.Hex(),
		To:   a.to.Hex(),
		Gas:  a.gas,
		Data: data,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to anchor block %d", tip.Index)
	}

	slog.Debug("anchor transaction sent", "election", electionID, "index", tip.Index, "tx", txHash)
	return txHash, nil
}

// EncodePayload builds the hex data field "evote:<election>:<index>:<hash>".
func EncodePayload(electionID string, tip *models.Block) string {
	return hexutil.Encode([]byte(fmt.Sprintf("%s:%s:%d:%s", payloadPrefix, electionID, tip.Index, tip.Hash)))
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data string) (electionID string, index uint64, hash string, err error) {
	raw, err := hexutil.Decode(data)
	if err != nil {
		return "", 0, "", errors.Wrap(err, "payload is not hex")
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 || parts[0] != payloadPrefix {
		return "", 0, "", errors.Errorf("unexpected payload %q", string(raw))
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &index); err != nil {
		return "", 0, "", errors.Wrap(err, "bad block index in payload")
	}
	return parts[1], index, parts[3], nil
}
