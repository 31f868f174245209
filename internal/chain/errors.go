package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/vultisig/position-manager/internal/types"
)

// codeUserRejected is the EIP-1193 provider error for a declined request.
const codeUserRejected = 4001

var userRejectedMessages = []string{
	"user rejected",
	"user denied",
	"rejected by user",
}

// classify maps a signer or RPC failure to the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if types.IsUserRejected(err) || types.IsChainSubmission(err) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return &types.UserRejectedError{Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range userRejectedMessages {
		if strings.Contains(msg, m) {
			return &types.UserRejectedError{Err: err}
		}
	}
	return &types.ChainSubmissionError{Op: op, Err: err}
}
