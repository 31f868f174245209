package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	vcommon "github.com/vultisig/position-manager/common"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/plugin/dca"
	"github.com/vultisig/position-manager/service"
)

type SessionService interface {
	Open(ctx context.Context, account common.Address, chainID int64) (*service.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*service.Session, error)
	SwitchChain(ctx context.Context, id uuid.UUID, chainID int64) (*service.Session, error)
	Close(ctx context.Context, id uuid.UUID) error
}

type PositionService interface {
	GetPosition(ctx context.Context, sessionID uuid.UUID, positionID string) (service.PositionView, error)
	PreviewModify(ctx context.Context, sessionID uuid.UUID, positionID string, edit dca.Edit, mode types.ApprovalMode) (service.Preview, error)
	ApprovePosition(ctx context.Context, sessionID uuid.UUID, positionID string, mode types.ApprovalMode) (*types.TransactionRecord, error)
	SubmitModify(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error)
	DiscardDraft(ctx context.Context, sessionID uuid.UUID, positionID string) (types.Position, error)
	Withdraw(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error)
	Terminate(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error)
	Transfer(ctx context.Context, sessionID uuid.UUID, positionID string, to common.Address) (types.TransactionRecord, error)
	SavePermissions(ctx context.Context, sessionID uuid.UUID, positionID string, sets []types.PermissionSet) (types.TransactionRecord, error)
	EditPermissions(ctx context.Context, sessionID uuid.UUID, positionID string, edit service.PermissionEdit) (service.PositionView, error)
	SubmitPermissions(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error)
	Approve(ctx context.Context, sessionID uuid.UUID, req service.ApprovalRequest) (*types.TransactionRecord, error)
	TrackExternal(ctx context.Context, sessionID uuid.UUID, record types.TransactionRecord) (types.TransactionRecord, error)
	ListTransactions(ctx context.Context, sessionID uuid.UUID, chainID int64) ([]types.TransactionRecord, error)
	ClearTransactions(ctx context.Context, sessionID uuid.UUID, chainID int64) (int, error)
}

// NotificationSource delivers the user notifications of a session.
type NotificationSource interface {
	Subscribe(sessionID string) (<-chan types.Notification, func())
}

type Server struct {
	host          string
	port          int64
	sessions      SessionService
	positions     PositionService
	notifications NotificationSource
	logger        *logrus.Logger
	e             *echo.Echo
}

func NewServer(
	host string,
	port int64,
	sessions SessionService,
	positions PositionService,
	notifications NotificationSource,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		host:          host,
		port:          port,
		sessions:      sessions,
		positions:     positions,
		notifications: notifications,
		logger:        logger,
	}
	s.e = s.newEcho()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = vcommon.NewRequestValidator()
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.logger.WithFields(logrus.Fields{
				"method": v.Method,
				"uri":    v.URI,
				"status": v.Status,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "position manager is running")
	})

	sessions := e.Group("/sessions")
	sessions.POST("", s.OpenSession)
	sessions.GET("/:id", s.GetSession)
	sessions.PUT("/:id/chain", s.SwitchChain)
	sessions.DELETE("/:id", s.CloseSession)
	sessions.GET("/:id/events", s.StreamEvents)
	sessions.GET("/:id/ws", s.StreamEventsWS)

	sessions.POST("/:id/approvals", s.Approve)
	sessions.GET("/:id/transactions", s.ListTransactions)
	sessions.POST("/:id/transactions", s.TrackTransaction)
	sessions.DELETE("/:id/transactions", s.ClearTransactions)

	positions := sessions.Group("/:id/positions/:pid")
	positions.GET("", s.GetPosition)
	positions.POST("/preview", s.PreviewModify)
	positions.POST("/approve", s.ApprovePosition)
	positions.POST("/modify", s.SubmitModify)
	positions.DELETE("/draft", s.DiscardDraft)
	positions.POST("/withdraw", s.Withdraw)
	positions.POST("/terminate", s.Terminate)
	positions.POST("/transfer", s.Transfer)
	positions.POST("/permissions", s.SavePermissions)
	positions.PATCH("/permissions", s.EditPermissions)
	positions.DELETE("/permissions/:operator", s.RemoveOperator)
	positions.POST("/permissions/submit", s.SubmitPermissions)

	return e
}

func (s *Server) StartServer() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.WithField("addr", addr).Info("starting http server")
	if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("fail to start http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}
