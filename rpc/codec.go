package rpc

import (
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CodecName is the gRPC content subtype of vault messages.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the ledger services be called without generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

////////////////////////////////////////////////////////////////////////////////////////
// Messages
////////////////////////////////////////////////////////////////////////////////////////

type deployResponse struct {
	DeployID DeployID `json:"deploy_id"`
	Error    string   `json:"error,omitempty"`
}

type proposeRequest struct{}

type proposeResponse struct {
	BlockHash BlockHash `json:"block_hash"`
	Error     string    `json:"error,omitempty"`
}

type balanceRequest struct {
	DeployID DeployID `json:"deploy_id"`
}

type balanceResponse struct {
	Balance *int64 `json:"balance,omitempty"`
	Error   string `json:"error,omitempty"`
}
