package verus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Код, которым демон отвечает на неизвестную identity / txid.
const rpcInvalidAddressOrKey = -5

var ErrIdentityNotFound = errors.New("identity not found")

// RPCError is an error the daemon returned in the JSON-RPC envelope, as
// opposed to a transport failure.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("verus rpc %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// Identity: ответ getidentity.
type Identity struct {
	Identity struct {
		Name             string   `json:"name"`
		IdentityAddress  string   `json:"identityaddress"`
		Parent           string   `json:"parent"`
		PrimaryAddresses []string `json:"primaryaddresses"`
	} `json:"identity"`
	FullyQualifiedName string `json:"fullyqualifiedname"`
	Status             string `json:"status"`
}

// NameCommitment is the result of registernamecommitment. NameReservation is
// kept raw: registeridentity needs it back byte-for-byte.
type NameCommitment struct {
	TxID            string          `json:"txid"`
	NameReservation json.RawMessage `json:"namereservation"`
}

// IdentityDefinition is the identity block of a registeridentity call.
type IdentityDefinition struct {
	Name              string   `json:"name"`
	Parent            string   `json:"parent,omitempty"`
	PrimaryAddresses  []string `json:"primaryaddresses"`
	MinimumSignatures int      `json:"minimumsignatures"`
}

type Client struct {
	url      string
	user     string
	password string
	http     *http.Client
	log      *zap.Logger
}

func NewClient(url, user, password string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		url:      url,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: timeout},
		log:      log.Named("verus-rpc"),
	}
}

func (c *Client) call(ctx context.Context, method string, params []any, reply any) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("verus rpc %s: encode request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("verus rpc %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("verus rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	c.log.Debug("rpc call",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("verus rpc %s: unauthorized (http %d)", method, resp.StatusCode)
	}

	// демон отдаёт rpc-ошибки с HTTP 500, поэтому статус не проверяем до разбора тела
	err = json2.DecodeClientResponse(resp.Body, reply)
	var rpcErr *json2.Error
	if errors.As(err, &rpcErr) {
		return &RPCError{Method: method, Code: int(rpcErr.Code), Message: rpcErr.Message}
	}
	if err != nil {
		return fmt.Errorf("verus rpc %s: decode response (http %d): %w", method, resp.StatusCode, err)
	}
	return nil
}

// VerifyMessage asks the daemon whether signature over message was made by signer
// (an R-address, i-address or identity name).
func (c *Client) VerifyMessage(ctx context.Context, signer, signature, message string) (bool, error) {
	var ok bool
	if err := c.call(ctx, "verifymessage", []any{signer, signature, message}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// GetIdentity returns ErrIdentityNotFound when the daemon does not know nameOrAddress.
func (c *Client) GetIdentity(ctx context.Context, nameOrAddress string) (*Identity, error) {
	var id Identity
	err := c.call(ctx, "getidentity", []any{nameOrAddress}, &id)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcInvalidAddressOrKey {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, nameOrAddress)
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (c *Client) RegisterNameCommitment(ctx context.Context, name, controlAddress, referral, parent string) (*NameCommitment, error) {
	params := []any{name, controlAddress}
	if referral != "" || parent != "" {
		params = append(params, referral)
	}
	if parent != "" {
		params = append(params, parent)
	}

	var nc NameCommitment
	if err := c.call(ctx, "registernamecommitment", params, &nc); err != nil {
		return nil, err
	}
	if nc.TxID == "" {
		return nil, fmt.Errorf("verus rpc registernamecommitment: empty txid")
	}
	return &nc, nil
}

// RegisterIdentity submits the identity against a confirmed commitment and returns its txid.
func (c *Client) RegisterIdentity(ctx context.Context, commitment NameCommitment, identity IdentityDefinition) (string, error) {
	arg := map[string]any{
		"txid":            commitment.TxID,
		"namereservation": commitment.NameReservation,
		"identity":        identity,
	}
	var txid string
	if err := c.call(ctx, "registeridentity", []any{arg}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// GetConfirmations returns 0 for a transaction still in the mempool.
func (c *Client) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	var tx struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := c.call(ctx, "getrawtransaction", []any{txid, 1}, &tx); err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

// SendToAddress pays amount from the platform wallet. The amount goes on the
// wire as a JSON number, not a string.
func (c *Client) SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	var txid string
	if err := c.call(ctx, "sendtoaddress", []any{address, json.Number(amount.String())}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}
