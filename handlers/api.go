package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.temporal.io/sdk/client"
)

func RegisterRoutes(e *echo.Echo, getClient func() client.Client, h *Handler) {
	withClient := func(fn func(echo.Context, client.Client) error) echo.HandlerFunc {
		return func(c echo.Context) error {
			tc := getClient()
			if tc == nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Temporal client not available"})
			}
			return fn(c, tc)
		}
	}

	e.POST("/v1/pipelines", withClient(h.SubmitPipeline))
	e.GET("/v1/pipelines/:execution_id", withClient(h.GetPipelineStatus))
	e.POST("/v1/signals", withClient(h.SignalHost))
	e.POST("/v1/deployments/:deployment_id/stop", withClient(h.StopDeployment))

	e.GET("/v1/artifacts/:stage/:id", h.GetArtifact)
	e.POST("/v1/hosts", h.RegisterHost)
	e.GET("/v1/groups/:name", h.GetGroup)
}
