package rpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const (
	pathDeploy  = "/api/deploy"
	pathPropose = "/api/propose"
	pathBalance = "/api/balance-at-deploy/"
)

////////////////////////////////////////////////////////////////////////////////////////
// HTTPChannel
////////////////////////////////////////////////////////////////////////////////////////

// HTTPChannel is a Channel over the node's JSON HTTP API. Transport errors and 5xx
// responses are retried up to the retry budget, except for proposes: a node may have
// committed a block before the failure was seen.
type HTTPChannel struct {
	base    string
	client  *retryablehttp.Client
	propose *retryablehttp.Client
}

var _ Channel = &HTTPChannel{}

// NewHTTPChannel returns a channel to the API rooted at base.
func NewHTTPChannel(base string, retryMax int) *HTTPChannel {
	return &HTTPChannel{
		base:    strings.TrimRight(base, "/"),
		client:  newRetryClient(retryMax),
		propose: newRetryClient(0),
	}
}

func newRetryClient(retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = retryMax
	return client
}

// Deploy submits a signed deploy.
func (c *HTTPChannel) Deploy(ctx context.Context, req DeployRequest) (DeployID, error) {
	var resp deployResponse
	if err := c.call(ctx, http.MethodPost, pathDeploy, &req, &resp); err != nil {
		return "", errors.Wrap(err, "deploy failed")
	}
	if resp.Error != "" {
		return "", errors.Errorf("deploy rejected by %s: %s", c.base, resp.Error)
	}
	return resp.DeployID, nil
}

// Propose asks the node to create a block.
func (c *HTTPChannel) Propose(ctx context.Context) (BlockHash, error) {
	var resp proposeResponse
	if err := c.call(ctx, http.MethodPost, pathPropose, &proposeRequest{}, &resp); err != nil {
		return "", errors.Wrap(err, "propose failed")
	}
	if resp.Error != "" {
		return "", errors.Errorf("propose rejected by %s: %s", c.base, resp.Error)
	}
	return resp.BlockHash, nil
}

// GetBalanceAt reads the balance returned by a get balance deploy.
func (c *HTTPChannel) GetBalanceAt(ctx context.Context, id DeployID) (int64, error) {
	var resp balanceResponse
	if err := c.call(ctx, http.MethodGet, pathBalance+url.PathEscape(string(id)), nil, &resp); err != nil {
		return 0, errors.Wrap(err, "balance query failed")
	}
	if resp.Error != "" {
		return 0, errors.Errorf("balance query rejected by %s: %s", c.base, resp.Error)
	}
	if resp.Balance == nil {
		return 0, errors.Errorf("no balance for deploy %s on %s", id, c.base)
	}
	return *resp.Balance, nil
}

// Close drops idle connections.
func (c *HTTPChannel) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *HTTPChannel) call(ctx context.Context, method, path string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "fail to encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "fail to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.client
	if path == pathPropose {
		client = c.propose
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "fail to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("(%s) HTTP: %d => %s", c.base+path, resp.StatusCode, buf)
	}
	return json.Unmarshal(buf, target)
}

////////////////////////////////////////////////////////////////////////////////////////
// Handler
////////////////////////////////////////////////////////////////////////////////////////

// NewHTTPHandler serves ch over the JSON HTTP API.
func NewHTTPHandler(ch Channel) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(pathDeploy, func(w http.ResponseWriter, req *http.Request) {
		var d DeployRequest
		if err := json.NewDecoder(req.Body).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := ch.Deploy(req.Context(), d)
		writeJSON(w, deployResponse{DeployID: id, Error: errString(err)})
	}).Methods(http.MethodPost)

	r.HandleFunc(pathPropose, func(w http.ResponseWriter, req *http.Request) {
		hash, err := ch.Propose(req.Context())
		writeJSON(w, proposeResponse{BlockHash: hash, Error: errString(err)})
	}).Methods(http.MethodPost)

	r.HandleFunc(pathBalance+"{id}", func(w http.ResponseWriter, req *http.Request) {
		resp := balanceResponse{}
		balance, err := ch.GetBalanceAt(req.Context(), DeployID(mux.Vars(req)["id"]))
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Balance = &balance
		}
		writeJSON(w, resp)
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
