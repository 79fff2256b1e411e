package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// TokenDecimals of every relayed token.
const TokenDecimals = 18

const erc20ABI = `[{"type":"function","name":"transfer","stateMutability":"nonpayable",
"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
"outputs":[{"name":"","type":"bool"}]}]`

const miningPoolABI = `[{"type":"function","name":"distributeReward","stateMutability":"nonpayable",
"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"reason","type":"string"}],
"outputs":[]}]`

// Transfer is a token movement from the platform signer to a wallet.
type Transfer struct {
	To           string
	TokenAddress string
	Amount       decimal.Decimal
	Platform     bool
	Reason       string
}

// Chain submits transfers and returns the transaction hash. It does not wait for inclusion.
type Chain interface {
	Send(ctx context.Context, t Transfer) (string, error)
}

type EthConfig struct {
	RPCURL            string
	ChainID           int64
	PrivateKey        string
	MiningPoolAddress string
}

// EthChain signs legacy EIP-155 transactions with a single hot key.
type EthChain struct {
	client     *ethclient.Client
	key        *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	erc20      abi.ABI
	miningPool abi.ABI
	poolAddr   common.Address

	// mu keeps nonces in order for the single signer.
	mu sync.Mutex
}

func DialEthChain(ctx context.Context, cfg EthConfig) (*EthChain, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse relay private key: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	pool, err := abi.JSON(strings.NewReader(miningPoolABI))
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = client.NetworkID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("network id: %w", err)
		}
	}
	c := &EthChain{
		client:     client,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		erc20:      erc20,
		miningPool: pool,
	}
	if cfg.MiningPoolAddress != "" {
		c.poolAddr = common.HexToAddress(cfg.MiningPoolAddress)
	}
	return c, nil
}

// From is the signer address.
func (c *EthChain) From() string { return c.from.Hex() }

func (c *EthChain) Close() { c.client.Close() }

// Send transfers through MiningPool.distributeReward for the platform token when
// a pool is configured and through ERC-20 transfer otherwise.
func (c *EthChain) Send(ctx context.Context, t Transfer) (string, error) {
	to := common.HexToAddress(t.To)
	amount := ToWei(t.Amount)

	var (
		contract common.Address
		data     []byte
		err      error
	)
	if t.Platform && c.poolAddr != (common.Address{}) {
		contract = c.poolAddr
		data, err = c.miningPool.Pack("distributeReward", to, amount, t.Reason)
	} else {
		contract = common.HexToAddress(t.TokenAddress)
		data, err = c.erc20.Pack("transfer", to, amount)
	}
	if err != nil {
		return "", fmt.Errorf("pack call: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &contract, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// ToWei scales a token amount to its 18-decimal integer representation, truncating dust.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).BigInt()
}
