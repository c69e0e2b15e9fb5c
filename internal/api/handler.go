// Package api is the HTTP surface of the server. Handlers only parse the
// request, call one service operation and translate its error.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/heading"
	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/platform/auth"
	"github.com/ripple/cdr-openehr/internal/service"
)

// DefaultSynopsisHeadings are returned by the multi-heading synopsis when
// the request names none.
var DefaultSynopsisHeadings = []string{"procedures", "vaccinations", "allergies", "problems", "medications", "contacts"}

const defaultSynopsisMaximum = 2

type Handler struct {
	headings  *service.HeadingService
	discovery *service.DiscoveryService
	statuses  *service.StatusService
	registry  *heading.Registry
	feeds     *cache.FeedStore
}

// Deps groups the services the handlers call.
type Deps struct {
	Headings  *service.HeadingService
	Discovery *service.DiscoveryService
	Statuses  *service.StatusService
	Registry  *heading.Registry
	Feeds     *cache.FeedStore
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		headings:  d.Headings,
		discovery: d.Discovery,
		statuses:  d.Statuses,
		registry:  d.Registry,
		feeds:     d.Feeds,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/openehr/check", h.Check)
	api.DELETE("/openehr/check", h.Restart)
	api.GET("/feeds", h.ListFeeds)
	api.GET("/heading/:heading/fields/summary", h.SummaryFields)

	patients := api.Group("/patients/:patientId", ownPatient)
	patients.GET("/synopsis", h.GetSynopses)
	patients.GET("/:heading", h.GetSummary)
	patients.GET("/:heading/synopsis", h.GetSynopsis)
	patients.GET("/:heading/:sourceId", h.GetDetail)
	patients.GET("/:heading/:sourceId/versions", h.GetVersions)
	patients.GET("/:heading/:sourceId/versions/:version", h.GetVersion)
	patients.POST("/:heading", h.PostHeading)
	patients.PUT("/:heading/:sourceId", h.PutHeading)
	patients.DELETE("/:heading/:sourceId", h.DeleteHeading)

	admin := api.Group("/discovery", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/merge/:heading", h.RevertHeading)
	admin.DELETE("/merge", h.RevertAll)
}

// ownPatient lets a patient read only their own record. Admins and
// clinicians may read any.
func ownPatient(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if auth.HasRole(auth.RolesFromContext(ctx), auth.RoleClinician) {
			return next(c)
		}
		if nhs := auth.NHSNumberFromContext(ctx); nhs == "" || nhs != c.Param("patientId") {
			return echo.NewHTTPError(http.StatusForbidden, "access to this patient is not allowed")
		}
		return next(c)
	}
}

// patientFromRequest returns ?patientId= for clinicians and admins, and
// the caller's own NHS number otherwise.
func patientFromRequest(c echo.Context) string {
	ctx := c.Request().Context()
	if p := c.QueryParam("patientId"); p != "" && auth.HasRole(auth.RolesFromContext(ctx), auth.RoleClinician) {
		return p
	}
	return auth.NHSNumberFromContext(ctx)
}

func (h *Handler) Check(c echo.Context) error {
	st, err := h.statuses.Check(c.Request().Context(), patientFromRequest(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Restart(c echo.Context) error {
	if err := h.statuses.Restart(c.Request().Context(), patientFromRequest(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListFeeds(c echo.Context) error {
	patientID, err := service.NormalizePatientID(patientFromRequest(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.feeds.List(patientID))
}

func (h *Handler) SummaryFields(c echo.Context) error {
	hd, err := h.registry.Lookup(c.Param("heading"))
	if errors.Is(err, heading.ErrUnknownHeading) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hd.SummaryFields)
}

func (h *Handler) GetSummary(c echo.Context) error {
	res, err := h.headings.GetSummary(c.Request().Context(), c.Param("patientId"), c.Param("heading"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetSynopsis(c echo.Context) error {
	limit, err := maximum(c)
	if err != nil {
		return err
	}
	res, err := h.headings.GetSynopsis(c.Request().Context(), c.Param("patientId"), c.Param("heading"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetSynopses(c echo.Context) error {
	limit, err := maximum(c)
	if err != nil {
		return err
	}
	names := DefaultSynopsisHeadings
	if q := c.QueryParam("headings"); q != "" {
		names = nil
		for _, n := range strings.Split(q, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	res, err := h.headings.GetSynopses(c.Request().Context(), c.Param("patientId"), names, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetDetail(c echo.Context) error {
	res, err := h.headings.GetDetail(c.Request().Context(), c.Param("patientId"), c.Param("heading"), c.Param("sourceId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetVersions(c echo.Context) error {
	res, err := h.headings.GetVersions(c.Request().Context(), c.Param("patientId"), c.Param("heading"), c.Param("sourceId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetVersion(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	res, err := h.headings.GetVersion(c.Request().Context(), c.Param("patientId"), c.Param("heading"), c.Param("sourceId"), version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PostHeading(c echo.Context) error {
	data, err := bindPayload(c)
	if err != nil {
		return err
	}
	host := c.QueryParam("host")
	res, err := h.headings.Post(c.Request().Context(), host, c.Param("patientId"), c.Param("heading"), data)
	if host != "" && errors.Is(err, openehr.ErrUnknownHost) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return httpError(err)
	}
	if !res.OK {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) PutHeading(c echo.Context) error {
	data, err := bindPayload(c)
	if err != nil {
		return err
	}
	res, err := h.headings.Put(c.Request().Context(), c.Param("patientId"), c.Param("heading"), c.Param("sourceId"), data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteHeading(c echo.Context) error {
	sourceID := c.Param("sourceId")
	if err := h.headings.Delete(c.Request().Context(), c.Param("patientId"), c.Param("heading"), sourceID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deleted": true, "sourceId": sourceID})
}

func (h *Handler) RevertHeading(c echo.Context) error {
	res, err := h.discovery.Revert(c.Request().Context(), c.Param("heading"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RevertAll(c echo.Context) error {
	res, err := h.discovery.RevertAll(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func maximum(c echo.Context) (int, error) {
	q := c.QueryParam("maximum")
	if q == "" {
		return defaultSynopsisMaximum, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid maximum")
	}
	return n, nil
}

// bindPayload decodes a JSON object body. An empty body yields an empty
// map so the service reports the empty payload.
func bindPayload(c echo.Context) (map[string]any, error) {
	var data map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	return data, nil
}
