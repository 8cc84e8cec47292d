package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"shiftdesk/internal/coordinator"
	"shiftdesk/internal/models"
	"shiftdesk/internal/store"
	"shiftdesk/internal/syncd"

	"github.com/labstack/echo/v4"
)

// Runner triggers processing runs and single-row resends.
type Runner interface {
	Run(ctx context.Context) (*models.ProcessResponse, error)
	Resend(ctx context.Context, id int64) (*models.EmailLog, error)
}

// Syncer triggers a mailbox pull outside the daemon's schedule.
type Syncer interface {
	SyncNow(ctx context.Context) (syncd.Result, error)
}

// LogReader lists email log rows for the audit view.
type LogReader interface {
	ListLogs(ctx context.Context, limit int) ([]models.EmailLog, error)
}

// ProcessHandler triggers one processing run over pending emails
// @Summary Process pending emails
// @Description Classify, match, and reply to all pending inbox emails
// @Tags Pipeline
// @Produce json
// @Success 200 {object} models.ProcessResponse
// @Failure 500 {object} models.ProcessResponse
// @Router /api/process [post]
func ProcessHandler(runner Runner) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := runner.Run(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, models.ProcessResponse{
				Error: err.Error(),
			})
		}
		return c.JSON(http.StatusOK, res)
	}
}

// ResendHandler re-queues one email log row and processes it immediately
// @Summary Resend a reply
// @Description Reset a failed or sent row to pending and run it through the pipeline again
// @Tags Pipeline
// @Produce json
// @Param id path int true "EmailLog id"
// @Success 200 {object} models.ResendResponse
// @Failure 400 {object} models.ResendResponse
// @Failure 404 {object} models.ResendResponse
// @Failure 409 {object} models.ResendResponse
// @Router /api/emails/{id}/resend [post]
func ResendHandler(runner Runner) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, models.ResendResponse{
				Error: "invalid email log id",
			})
		}

		logRow, err := runner.Resend(c.Request().Context(), id)
		if err != nil {
			return c.JSON(resendStatus(err), models.ResendResponse{
				ID:    id,
				Error: err.Error(),
			})
		}
		if logRow == nil {
			return c.JSON(http.StatusNotFound, models.ResendResponse{
				ID:    id,
				Error: "email log not found",
			})
		}

		return c.JSON(http.StatusOK, models.ResendResponse{
			Success: true,
			Message: "resend complete",
			ID:      logRow.ID,
			Status:  logRow.Status,
		})
	}
}

// resendStatus maps a resend failure to the HTTP status the UI keys off.
func resendStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrEmailInFlight), errors.Is(err, store.ErrLogBlocked):
		return http.StatusConflict
	case errors.Is(err, store.ErrLogNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// LogsHandler lists email log rows, newest first
// @Summary List email logs
// @Description Page of email log rows for the audit view
// @Tags Pipeline
// @Produce json
// @Param limit query int false "Maximum rows to return (default 50, cap 200)"
// @Success 200 {object} models.LogsResponse
// @Failure 500 {object} models.LogsResponse
// @Router /api/logs [get]
func LogsHandler(logs LogReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		rows, err := logs.ListLogs(c.Request().Context(), limit)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, models.LogsResponse{
				Error: err.Error(),
			})
		}
		return c.JSON(http.StatusOK, models.LogsResponse{
			Logs:  rows,
			Count: len(rows),
		})
	}
}

// SyncHandler triggers one mailbox pull outside the daemon's schedule
// @Summary Sync mailbox now
// @Description Pull new messages from the mailbox provider immediately
// @Tags Pipeline
// @Produce json
// @Success 200 {object} models.SyncResponse
// @Failure 409 {object} models.SyncResponse
// @Failure 500 {object} models.SyncResponse
// @Router /api/sync [post]
func SyncHandler(syncer Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		if syncer == nil {
			return c.JSON(http.StatusServiceUnavailable, models.SyncResponse{
				Error: "no mailbox provider connected",
			})
		}

		res, err := syncer.SyncNow(c.Request().Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, syncd.ErrInFlight) {
				status = http.StatusConflict
			}
			return c.JSON(status, models.SyncResponse{Error: err.Error()})
		}

		return c.JSON(http.StatusOK, models.SyncResponse{
			Success:  true,
			Fetched:  res.Fetched,
			Inserted: res.Inserted,
		})
	}
}
