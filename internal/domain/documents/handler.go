package documents

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordstore/internal/platform/auth"
	"github.com/ehr/recordstore/internal/platform/blobstore"
	"github.com/ehr/recordstore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	docs := api.Group("/documents", auth.RequireRole(auth.RolePatient, auth.RoleNurse, auth.RoleDoctor))
	docs.POST("", h.Upload)
	docs.GET("", h.ListForPatient)
	docs.GET("/:id", h.Get)
	docs.PATCH("/:id", h.Update)
	docs.DELETE("/:id", h.SoftDelete)
	docs.GET("/:id/download", h.Download)
	docs.POST("/:id/shares", h.Share)
	docs.DELETE("/:id/shares/:userId", h.Revoke)
	docs.POST("/:id/versions", h.CreateVersion)
	docs.GET("/:id/versions", h.ListVersions)
	docs.POST("/:id/access", h.RecordAccess)
	docs.GET("/:id/access-log", h.ListAccessLog)
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{
		ID:   auth.UserIDFromContext(ctx),
		Role: auth.PrimaryRole(ctx),
		IP:   c.RealIP(),
	}
}

// Upload accepts either a JSON body describing an already stored file or a
// multipart form carrying the file itself.
func (h *Handler) Upload(c echo.Context) error {
	a := actorFrom(c)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return h.uploadMultipart(c, a)
	}

	var in UploadInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.Upload(c.Request().Context(), a, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) uploadMultipart(c echo.Context, a Actor) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer f.Close()

	in := UploadInput{
		PatientID:    c.FormValue("patient_id"),
		UploadedBy:   c.FormValue("uploaded_by"),
		DocumentType: c.FormValue("document_type"),
		Tags:         formTags(c),
	}
	if v := c.FormValue("description"); v != "" {
		in.Description = &v
	}
	if v := c.FormValue("ordering_doctor_id"); v != "" {
		in.OrderingDoctorID = &v
	}

	d, err := h.svc.UploadFile(c.Request().Context(), a, in, blobstore.PutInput{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Body:        f,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

// formTags accepts repeated "tags" fields and comma separated values.
func formTags(c echo.Context) []string {
	params, err := c.FormParams()
	if err != nil {
		return nil
	}
	var tags []string
	for _, v := range params["tags"] {
		tags = append(tags, strings.Split(v, ",")...)
	}
	return tags
}

func (h *Handler) ListForPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		DocumentType:    c.QueryParam("document_type"),
		Category:        c.QueryParam("category"),
		IncludeInactive: c.QueryParam("include_inactive") == "true",
		AllVersions:     c.QueryParam("all_versions") == "true",
	}
	res, err := h.svc.ListForPatient(c.Request().Context(), actorFrom(c), c.QueryParam("patient_id"), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}

	c.Response().Header().Set("X-Patient-Canonical-ID", res.Resolution.Canonical)
	if res.MatchedBy != "" {
		c.Response().Header().Set("X-Patient-Matched-By", res.MatchedBy)
	}
	resp := pagination.NewResponse(res.Items, res.Total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	d, err := h.svc.Get(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Update(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.Update(c.Request().Context(), actorFrom(c), c.Param("id"), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) SoftDelete(c echo.Context) error {
	if err := h.svc.SoftDelete(c.Request().Context(), actorFrom(c), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Download answers with the link, or redirects to it with ?redirect=true.
func (h *Handler) Download(c echo.Context) error {
	link, err := h.svc.Download(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("redirect") == "true" {
		return c.Redirect(http.StatusFound, link.URL)
	}
	return c.JSON(http.StatusOK, link)
}

type shareRequest struct {
	UserID     string     `json:"user_id"`
	UserRole   string     `json:"user_role"`
	Permission Permission `json:"permission"`
}

func (h *Handler) Share(c echo.Context) error {
	var req shareRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.Share(c.Request().Context(), actorFrom(c), c.Param("id"), req.UserID, req.UserRole, req.Permission)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Revoke(c echo.Context) error {
	if err := h.svc.Revoke(c.Request().Context(), actorFrom(c), c.Param("id"), c.Param("userId")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CreateVersion(c echo.Context) error {
	var in VersionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.CreateVersion(c.Request().Context(), actorFrom(c), c.Param("id"), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListVersions(c echo.Context) error {
	items, err := h.svc.ListVersions(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), len(items), 0))
}

type accessRequest struct {
	Action AccessAction `json:"action"`
}

func (h *Handler) RecordAccess(c echo.Context) error {
	var req accessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RecordAccess(c.Request().Context(), actorFrom(c), c.Param("id"), req.Action); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ListAccessLog(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.svc.ListAccessLog(c.Request().Context(), actorFrom(c), c.Param("id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), len(items), 0))
}
