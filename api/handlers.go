package api

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	vcommon "github.com/vultisig/position-manager/common"
	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/service"
)

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid session id", errBadRequest)
	}
	return id, nil
}

func positionParams(c echo.Context) (uuid.UUID, string, error) {
	id, err := sessionID(c)
	if err != nil {
		return uuid.Nil, "", err
	}
	pid := c.Param("pid")
	if _, _, _, err := types.ParsePositionID(pid); err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return id, pid, nil
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return c.Validate(req)
}

func chainIDQuery(c echo.Context) (int64, error) {
	var chainID int64
	if err := echo.QueryParamsBinder(c).Int64("chain_id", &chainID).BindError(); err != nil {
		return 0, fmt.Errorf("%w: invalid chain_id", errBadRequest)
	}
	return chainID, nil
}

func (s *Server) OpenSession(c echo.Context) error {
	var req OpenSessionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	session, err := s.sessions.Open(c.Request().Context(), common.HexToAddress(req.Account), req.ChainID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, session.Info())
}

func (s *Server) GetSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return s.fail(c, err)
	}
	session, err := s.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, session.Info())
}

func (s *Server) SwitchChain(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req SwitchChainRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	session, err := s.sessions.SwitchChain(c.Request().Context(), id, req.ChainID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, session.Info())
}

func (s *Server) CloseSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.sessions.Close(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) GetPosition(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	view, err := s.positions.GetPosition(c.Request().Context(), id, pid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) PreviewModify(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req PreviewRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	mode, err := approvalMode(req.ApprovalMode)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	price, priced, err := req.Price()
	if err != nil {
		return s.fail(c, err)
	}

	ctx := c.Request().Context()
	view, err := s.positions.GetPosition(ctx, id, pid)
	if err != nil {
		return s.fail(c, err)
	}
	edit, err := req.Edit(view.Chain.From.Decimals)
	if err != nil {
		return s.fail(c, err)
	}
	preview, err := s.positions.PreviewModify(ctx, id, pid, edit, mode)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, newPreviewResponse(preview, price, priced))
}

func (s *Server) ApprovePosition(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req ApprovePositionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	mode, err := approvalMode(req.ApprovalMode)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	record, err := s.positions.ApprovePosition(c.Request().Context(), id, pid, mode)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, approvalResponse{Transaction: record})
}

func (s *Server) SubmitModify(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	record, err := s.positions.SubmitModify(c.Request().Context(), id, pid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Server) DiscardDraft(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	position, err := s.positions.DiscardDraft(c.Request().Context(), id, pid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, position)
}

func (s *Server) Withdraw(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	record, err := s.positions.Withdraw(c.Request().Context(), id, pid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Server) Terminate(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	record, err := s.positions.Terminate(c.Request().Context(), id, pid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Server) Transfer(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req TransferRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	record, err := s.positions.Transfer(c.Request().Context(), id, pid, common.HexToAddress(req.To))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Server) SavePermissions(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req PermissionsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	sets, err := req.Sets()
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	record, err := s.positions.SavePermissions(c.Request().Context(), id, pid, sets)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Server) EditPermissions(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req PermissionEditRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	edit, err := req.Edit()
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	view, err := s.positions.EditPermissions(c.Request().Context(), id, pid, edit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) RemoveOperator(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	operator, err := vcommon.ParseAddress(c.Param("operator"))
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	view, err := s.positions.EditPermissions(c.Request().Context(), id, pid, service.PermissionEdit{
		Kind:     service.PermissionEditRemove,
		Operator: operator,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) SubmitPermissions(c echo.Context) error {
	id, pid, err := positionParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	record, err := s.positions.SubmitPermissions(c.Request().Context(), id, pid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Server) Approve(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req ApprovalRequest
	if err := bindAndValidate(c, &req); err != nil {
		return s.fail(c, err)
	}
	mode, err := approvalMode(req.ApprovalMode)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	value, err := amount.ParseUnits(req.Amount, req.Decimals)
	if err != nil {
		return s.fail(c, err)
	}
	record, err := s.positions.Approve(c.Request().Context(), id, service.ApprovalRequest{
		Token: types.Token{
			Address:  common.HexToAddress(req.Token),
			Decimals: req.Decimals,
			Symbol:   req.Symbol,
		},
		Spender: common.HexToAddress(req.Spender),
		Amount:  value,
		Mode:    mode,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, approvalResponse{Transaction: record})
}

func (s *Server) ListTransactions(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return s.fail(c, err)
	}
	chainID, err := chainIDQuery(c)
	if err != nil {
		return s.fail(c, err)
	}
	records, err := s.positions.ListTransactions(c.Request().Context(), id, chainID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

// TrackTransaction registers a transaction the wallet broadcast itself.
func (s *Server) TrackTransaction(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return s.fail(c, err)
	}
	var record types.TransactionRecord
	if err := c.Bind(&record); err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	tracked, err := s.positions.TrackExternal(c.Request().Context(), id, types.TransactionRecord{
		Hash:        record.Hash,
		ChainID:     record.ChainID,
		Data:        record.Data,
		InitiatedBy: record.InitiatedBy,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, tracked)
}

func (s *Server) ClearTransactions(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return s.fail(c, err)
	}
	chainID, err := chainIDQuery(c)
	if err != nil {
		return s.fail(c, err)
	}
	cleared, err := s.positions.ClearTransactions(c.Request().Context(), id, chainID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, clearResponse{Cleared: cleared})
}
