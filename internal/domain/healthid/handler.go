package healthid

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mci/mci/internal/platform/auth"
	"github.com/mci/mci/internal/platform/hidservice"
	"github.com/mci/mci/internal/platform/openapi"
	"github.com/mci/mci/pkg/pagination"
)

const (
	RoleAdmin = "mci_admin"
	RoleUser  = "mci_user"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Allocation endpoints – MCI users and admins
	userGroup := api.Group("/healthIds", auth.RequireRole(RoleAdmin, RoleUser))
	userGroup.POST("/allocate", h.Allocate)
	userGroup.POST("/:hid/markUsed", h.MarkUsed)
	userGroup.POST("/:hid/putBack", h.PutBack)
	userGroup.GET("/:hid/validate", h.ValidateForOrg)
	userGroup.POST("/:hid/use", h.UseForOrg)

	// Generation and diagnostics – admins only
	adminGroup := api.Group("/healthIds", auth.RequireRole(RoleAdmin))
	adminGroup.POST("/generate", h.Generate)
	adminGroup.POST("/generateBlock", h.GenerateBlock)
	adminGroup.POST("/generateBlockForOrg", h.GenerateBlockForOrg)
	adminGroup.GET("/nextBlock", h.NextBlock)
	adminGroup.GET("/blocks", h.ListBlocks)
}

type allocateResponse struct {
	HID string `json:"hid"`
}

type generateResponse struct {
	Message string          `json:"message"`
	Block   *GeneratedBlock `json:"block"`
}

func (h *Handler) Allocate(c echo.Context) error {
	hid, err := h.svc.GetNextHealthID(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, allocateResponse{HID: hid})
}

func (h *Handler) MarkUsed(c echo.Context) error {
	hid := c.Param("hid")
	if err := Validate(hid); err != nil {
		return mapError(err)
	}
	if err := h.svc.MarkUsed(c.Request().Context(), hid); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) PutBack(c echo.Context) error {
	if err := h.svc.PutBackHealthID(c.Request().Context(), c.Param("hid")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ValidateForOrg(c echo.Context) error {
	facility := c.QueryParam("facility")
	if facility == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "facility is required")
	}
	out, err := h.svc.ValidateOrgHealthID(c.Request().Context(), c.Param("hid"), facility)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// UseForOrg consumes an organization HID for the facility. An invalid HID is
// reported with 409 and the outcome body.
func (h *Handler) UseForOrg(c echo.Context) error {
	facility := c.QueryParam("facility")
	if facility == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "facility is required")
	}
	out, err := h.svc.UseOrgHealthID(c.Request().Context(), c.Param("hid"), facility)
	if err != nil {
		return mapError(err)
	}
	if !out.Valid {
		return c.JSON(http.StatusConflict, out)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Generate(c echo.Context) error {
	total, err := int64Param(c, "total")
	if err != nil {
		return err
	}
	block, err := h.svc.GenerateAll(c.Request().Context(), total, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, generateResponse{Message: generatedMessage(block, total), Block: block})
}

func (h *Handler) GenerateBlock(c echo.Context) error {
	start, err := int64Param(c, "start")
	if err != nil {
		return err
	}
	total, err := int64Param(c, "totalHIDs")
	if err != nil {
		return err
	}
	block, err := h.svc.GenerateBlock(c.Request().Context(), start, total, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, generateResponse{Message: generatedMessage(block, total), Block: block})
}

func (h *Handler) GenerateBlockForOrg(c echo.Context) error {
	org := c.QueryParam("org")
	if org == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "org is required")
	}
	start, err := int64Param(c, "start")
	if err != nil {
		return err
	}
	total, err := int64Param(c, "totalHIDs")
	if err != nil {
		return err
	}
	block, err := h.svc.GenerateBlockForOrg(c.Request().Context(), start, total, org, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, generateResponse{Message: generatedMessage(block, total), Block: block})
}

func (h *Handler) NextBlock(c echo.Context) error {
	ids := h.svc.NextBlock()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total": len(ids),
		"hids":  ids,
	})
}

func (h *Handler) ListBlocks(c echo.Context) error {
	pg := pagination.FromContext(c)
	blocks, total, err := h.svc.ListBlocks(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(blocks, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

// generatedMessage describes a finished generation run. A short run means
// the series ended before the requested count.
func generatedMessage(block *GeneratedBlock, requested int64) string {
	if block.TotalHIDs < requested {
		return fmt.Sprintf("Can generate only %d HIDs, because series exhausted. Use another series.", block.TotalHIDs)
	}
	return fmt.Sprintf("Generated %d HIDs.", block.TotalHIDs)
}

func int64Param(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.QueryParam(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
	}
	return v, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrSeriesExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no HID available")
	case errors.Is(err, ErrInvalidHealthID), errors.Is(err, ErrOutOfRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, hidservice.ErrAuth), errors.Is(err, hidservice.ErrUnavailable),
		errors.Is(err, hidservice.ErrUnexpectedResponse):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Describe registers the routes of RegisterRoutes with an OpenAPI generator.
func (h *Handler) Describe(g *openapi.Generator, basePath string) {
	g.AddSchema("HealthID", openapi.ObjectSchema(map[string]string{"hid": "string"}))
	g.AddSchema("ValidationOutcome", openapi.ObjectSchema(map[string]string{
		"hid": "string", "valid": "boolean", "reason": "string",
	}))
	g.AddSchema("GeneratedBlock", openapi.ObjectSchema(map[string]string{
		"id": "string", "series_no": "integer", "for_org": "string", "begins_at": "integer",
		"ends_at": "integer", "total_hids": "integer", "requested_by": "string", "created_at": "date-time",
	}))
	g.AddSchema("GenerateResult", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]string{"type": "string"},
			"block":   map[string]string{"$ref": "#/components/schemas/GeneratedBlock"},
		},
	})
	g.AddSchema("Pool", openapi.ObjectSchema(map[string]string{"total": "integer", "hids": "string[]"}))

	user := []string{RoleAdmin, RoleUser}
	admin := []string{RoleAdmin}
	facility := openapi.Param{Name: "facility", Required: true, Description: "Facility the HID was allocated for"}
	start := openapi.Param{Name: "start", Type: "integer", Required: true, Description: "First HID body"}
	totalHIDs := openapi.Param{Name: "totalHIDs", Type: "integer", Required: true}
	generated := map[int]openapi.Response{
		http.StatusOK:         {Description: "Generation finished", Schema: "GenerateResult"},
		http.StatusBadRequest: {Description: "Invalid range or count", Schema: "Error"},
	}

	g.Add(basePath,
		openapi.Operation{Method: http.MethodPost, Path: "/healthIds/allocate", Summary: "Allocate the next HID from the local pool", Tag: "allocation", Roles: user,
			Responses: map[int]openapi.Response{
				http.StatusOK:                 {Description: "Allocated HID", Schema: "HealthID"},
				http.StatusServiceUnavailable: {Description: "No HID available", Schema: "Error"},
				http.StatusBadGateway:         {Description: "HID authority failed", Schema: "Error"},
			}},
		openapi.Operation{Method: http.MethodPost, Path: "/healthIds/:hid/markUsed", Summary: "Report an allocated HID as used", Tag: "allocation", Roles: user,
			Responses: map[int]openapi.Response{
				http.StatusAccepted:   {Description: "Accepted"},
				http.StatusBadRequest: {Description: "Malformed HID", Schema: "Error"},
				http.StatusConflict:   {Description: "HID is still pooled", Schema: "Error"},
			}},
		openapi.Operation{Method: http.MethodPost, Path: "/healthIds/:hid/putBack", Summary: "Return an unused HID to the pool", Tag: "allocation", Roles: user,
			Responses: map[int]openapi.Response{
				http.StatusAccepted:   {Description: "Accepted"},
				http.StatusBadRequest: {Description: "Malformed HID", Schema: "Error"},
				http.StatusConflict:   {Description: "HID is not in flight", Schema: "Error"},
			}},
		openapi.Operation{Method: http.MethodGet, Path: "/healthIds/:hid/validate", Summary: "Validate an organization HID for a facility", Tag: "org", Roles: user,
			Query:     []openapi.Param{facility},
			Responses: map[int]openapi.Response{http.StatusOK: {Description: "Validation outcome", Schema: "ValidationOutcome"}}},
		openapi.Operation{Method: http.MethodPost, Path: "/healthIds/:hid/use", Summary: "Consume an organization HID for a facility", Tag: "org", Roles: user,
			Query: []openapi.Param{facility},
			Responses: map[int]openapi.Response{
				http.StatusOK:       {Description: "HID consumed", Schema: "ValidationOutcome"},
				http.StatusConflict: {Description: "HID not usable", Schema: "ValidationOutcome"},
			}},
		openapi.Operation{Method: http.MethodPost, Path: "/healthIds/generate", Summary: "Generate time based MCI HIDs", Tag: "generation", Roles: admin,
			Query:     []openapi.Param{{Name: "total", Type: "integer", Required: true}},
			Responses: generated},
		openapi.Operation{Method: http.MethodPost, Path: "/healthIds/generateBlock", Summary: "Generate a sequential MCI block", Tag: "generation", Roles: admin,
			Query:     []openapi.Param{start, totalHIDs},
			Responses: generated},
		openapi.Operation{Method: http.MethodPost, Path: "/healthIds/generateBlockForOrg", Summary: "Generate a sequential block for an organization", Tag: "generation", Roles: admin,
			Query:     []openapi.Param{{Name: "org", Required: true}, start, totalHIDs},
			Responses: generated},
		openapi.Operation{Method: http.MethodGet, Path: "/healthIds/nextBlock", Summary: "Show the HIDs currently pooled", Tag: "diagnostics", Roles: admin,
			Responses: map[int]openapi.Response{http.StatusOK: {Description: "Pool contents", Schema: "Pool"}}},
		openapi.Operation{Method: http.MethodGet, Path: "/healthIds/blocks", Summary: "List generation runs", Tag: "generation", Roles: admin,
			Query: []openapi.Param{{Name: "limit", Type: "integer"}, {Name: "offset", Type: "integer"}},
			Responses: map[int]openapi.Response{http.StatusOK: {Description: "Page of generated blocks", Schema: "GeneratedBlock", Array: true}}},
	)
}
